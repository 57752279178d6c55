// Package cryptoutils holds the Ethereum key handling used by the wallet and
// the attestation providers used by the TEE simulator.
//
// Signatures follow personal_sign: the message is prefixed with
// "\x19Ethereum Signed Message:\n" and its length, hashed with Keccak-256 and
// signed with secp256k1. The recovery byte is 27 or 28.
//
// Attestation providers produce raw quotes over 64 bytes of report data:
//
//   - dcap (qemu-tdx): local TDX quote via configfs-tsm or the guest device
//   - remote:<url>: a quote service reachable over HTTP
//   - dummy: a recognizable placeholder for development
//
// VerifyDCAPAttestation checks a TDX quote against Intel collateral and the
// expected report data.
package cryptoutils
