// Package storage archives attestation artifacts (raw quotes and event logs)
// in content-addressed backends so verifiers can fetch them by checksum long
// after the wallet operation completed.
//
// Backends are selected with location URIs:
//
//	file:///var/lib/wallet/attestations
//	s3://bucket/prefix?region=us-west-2&public=true
//	ipfs://localhost:5001/wallet-attestations
//	vault://vault.example.com:8200/secret/wallet
//
// Content IDs are the SHA-256 of the stored bytes, which for a quote is its
// attestation checksum. Every backend verifies fetched content against the
// requested ID. MultiStorageBackend fans writes out to all configured
// backends and reads from the first one holding the artifact.
package storage
