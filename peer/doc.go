/*
Package peer implements the transport between identity hosts.

Every peer request is signed by the calling host with its ECDSA P-256 key and
carries three headers:

	X-Peer-Identity:  alice.me
	X-Peer-Timestamp: 1767225600
	X-Peer-Signature: base64(ECDSA-ASN1(sha256(timestamp \n path \n body)))

The Authenticator middleware checks the signature against the Directory of
connected identities and rejects unknown or unsigned callers before any handler
runs. A timestamp more than MaxClockSkew away from local time is refused.

Endpoints are found with a DNS SRV lookup of _odin-peer._tcp.<identity>. When no
record is published the resolver falls back to https://<identity>.

ReliableOutbox stores outgoing parcels in the sender's record store, sealed to
the recipient's key, and retries delivery through the job scheduler until the
recipient accepts or refuses them.
*/
package peer
