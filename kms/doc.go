// Package kms provides the key-splitting primitives of social recovery.
//
// # Threshold Sharing
//
// Split and Reconstruct implement Shamir's Secret Sharing over GF(2^8): every
// byte of the secret is the constant term of a random polynomial of degree k-1,
// evaluated at n distinct non-zero x-coordinates. Any k shares recover the
// secret by Lagrange interpolation at x=0; k-1 shares reveal nothing about it.
//
// Reconstruction has no built-in integrity check. The recovery flow verifies a
// reconstructed distribution key by opening the escrowed recovery key with it,
// which is authenticated encryption and fails on a wrong key.
//
// # Shard Wrapping
//
// WrapShare encrypts a share under a fresh AES-256 key and GCM nonce. The dealer
// keeps the key and nonce in its ShareEnvelope; the player only ever receives the
// ciphertext, so a player alone cannot read its share.
//
// # Usage Example
//
//	shares, err := kms.Split(distributionKey, len(players), minShares)
//	if err != nil {
//	    return err
//	}
//	for _, share := range shares {
//	    key, iv, ciphertext, err := kms.WrapShare(share.Payload)
//	    // keep key and iv, send ciphertext
//	}
package kms
