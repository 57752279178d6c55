// Package interfaces defines the types shared across the wallet and the
// capabilities its components depend on, separating them from implementations.
//
// # Capabilities
//
// TEE: key derivation and quote generation by the enclave runtime.
//
// IdentityStore and AuditStore: persistence of public identities and the
// append-only audit log. Store combines both.
//
// StorageBackend: content-addressed archive for attestation quotes and event
// logs. Content is identified by the SHA-256 of its bytes, which equals the
// verification checksum of a quote.
//
// # Errors
//
// Operations return ValidationError for bad input and wrap one of
// ErrNotFound, ErrAlreadyExists, ErrTeeUnavailable, ErrConsistency or
// ErrPersistence otherwise. Callers classify with errors.Is.
package interfaces
