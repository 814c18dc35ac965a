/*
Package recovery implements threshold social recovery of an identity's
recovery key.

The dealer side (Registry) generates a random distribution key, splits it
among delegate players with Shamir's scheme and wraps every share under its own
ephemeral key. The dealer keeps the envelopes (share id, player, index, key,
IV); players receive only the opaque ciphertext through the reliable outbox.
The real recovery key is escrowed twice: under the owner's master key and under
the distribution key.

	Configure ──► package + parcels + escrow (one transaction)
	                │
	                └─► outbox ──► player ShardKeeper

Account recovery (StateMachine) is gated by email verification:

	None ──InitiateEnter──► AwaitingEnterEmailVerification
	     ──VerifyEnter────► AwaitingSufficientDelegateConfirmation
	     ──AcceptShare × k► AwaitingOwnerFinalization
	     ──FinalizeRecovery► None (recovery phrase disclosed)

	any recovery state ──InitiateExit──► AwaitingExitEmailVerification ──VerifyExit──► None

Once k parcels are collected the distribution key is reconstructed and opens
the escrow. The recovery key is then wrapped under a one-time key that is only
carried by the link emailed to the owner.
*/
package recovery
