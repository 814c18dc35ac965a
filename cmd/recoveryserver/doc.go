// Package main (cmd/recoveryserver) runs the social recovery backend of one
// identity host.
//
// The server deals the owner's recovery key to delegate peers as Shamir shares,
// keeps parcels other dealers deal to this host, and drives the email-verified
// account recovery flow. Peers are found by DNS SRV lookup and authenticated
// against a static directory of public keys.
//
// Configuration is read from a TOML file, then environment variables prefixed
// with RECOVERY_, then command line flags:
//
//	identity    = "frodo.me"
//	owner_email = "frodo@shire.org"
//	owner_token = "..."
//	environment = "production"
//	base_url    = "https://frodo.me"
//	storage     = "badger:///var/lib/recovery"
//
//	[peer]
//	key_file       = "/etc/recovery/peer-key.pem"
//	directory_file = "/etc/recovery/peers.json"
//
//	[email]
//	enabled    = true
//	ses_region = "eu-west-1"
//	sender     = "recovery@frodo.me"
//
// In development, email delivery may stay disabled and verification links are
// written to the log instead.
//
// Example usage:
//
//	recovery-server --config=/etc/recovery/config.toml --listen-addr=0.0.0.0:8080
package main
