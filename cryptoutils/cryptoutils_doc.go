// Package cryptoutils provides the cryptographic building blocks around the
// recovery key: escrow key wrapping, mnemonic encoding, peer signing keys and
// sealing of parcels in transit.
//
// # Key Wrapping
//
// WrapKey/UnwrapKey protect the recovery key in the escrow record. The wrapping
// key is derived with HKDF-SHA256 from the key-encryption key and an info string,
// so the master-key wrap and the distribution-key wrap are domain separated:
//
//	env, err := cryptoutils.WrapKey(masterKey, recoveryKey, cryptoutils.InfoMasterKeyWrap)
//
// # Recovery Phrase
//
// The 16-byte recovery key is shown to the owner as a 12-word BIP-39 phrase
// (RecoveryKeyToMnemonic / MnemonicToRecoveryKey). The BIP-39 checksum rejects
// mistyped phrases.
//
// # Peer Keys
//
// Every identity host owns an ECDSA P-256 key. Peer requests are signed over
// SHA-256(timestamp + "\n" + path + "\n" + body) (SignRequest / VerifyRequest),
// and parcels are sealed
// to the recipient's public key with ECIES (SealForPeer / OpenFromPeer):
//
//	[ephemeral public key (65 bytes)][iv (12 bytes)][ciphertext]
//
// The ephemeral public key is both the HKDF salt and the GCM additional data.
package cryptoutils
