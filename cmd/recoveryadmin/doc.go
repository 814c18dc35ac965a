// Package main (cmd/recoveryadmin) is the owner's command line client for an
// identity host.
//
// Commands:
//
//	status              - Show the recovery state
//	generate-peer-key   - Generate the key pair the host signs peer requests with
//	generate-directory  - Build the peer directory file from public keys
//	configure           - Deal the recovery key to delegate players
//	verify              - Ask every player for custody of its share
//	recovery-key        - Print the recovery phrase
//	parcels             - List parcels held for other dealers
//	requests            - List dealer requests awaiting approval
//	approve             - Approve a dealer request and release the parcel
//	reject              - Reject a dealer request and keep the parcel
//	release             - Release a held parcel to a recovering dealer
//	force-exit          - Cancel recovery without email verification
//
// Example workflow:
//
//  1. Generate a peer key on every host:
//     recovery-admin generate-peer-key --privkey-file=frodo-private.pem --pubkey-file=frodo-public.pem
//
//  2. Build the shared directory:
//     recovery-admin generate-directory frodo.me=frodo-public.pem sam.me=sam-public.pem ...
//
//  3. Deal 2-of-3:
//     recovery-admin configure --server=https://frodo.me --min-shares=2 sam.me merry.me pippin.me
//
//  4. On a player host, answer a recovering dealer:
//     recovery-admin requests --server=https://sam.me
//     recovery-admin approve --server=https://sam.me frodo.me <share-id>
package main
