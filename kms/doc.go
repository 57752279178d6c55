// Package kms derives per-user wallet keys from the TEE.
//
// Keys are never stored. Every operation re-derives the user's key from the
// TEE capability, which makes the derivation path the only thing that ties a
// user to their address:
//
//	wallet/{namespace}/eth/{hex(sha256(userID))}
//
// The namespace separates applications that share a TEE, so two applications
// reusing the same user id never collide. Hashing the user id bounds the path
// length and keeps arbitrary unicode or separator characters out of it. The
// user id itself is passed to the TEE only as the subject label, which does
// not affect the derived key.
//
// # Key conversion
//
// The raw key material returned by the TEE is hashed with keccak256 and used
// as a secp256k1 scalar. The address is the Ethereum address of the resulting
// public key, and signatures are EIP-191 personal-message signatures with the
// recovery id in the 27/28 form.
//
// # Determinism
//
// For a fixed TEE identity and namespace, Derive returns bit-identical
// addresses and public keys for the same user id. Callers rely on this to
// detect misconfiguration: a re-derived address that does not match the stored
// identity is a consistency failure, never a reason to derive differently.
//
// # Failure
//
// If the TEE cannot be reached or returns unusable material, Derive fails with
// interfaces.ErrTeeUnavailable. No alternate key source is ever consulted.
package kms
