package interfaces

import "context"

// IdentityStore persists identities. Identities are unique on user id and,
// when present, on email.
type IdentityStore interface {
	// CreateIdentity inserts a new identity. Returns ErrAlreadyExists if the
	// user id or email is taken.
	CreateIdentity(ctx context.Context, identity *Identity) error

	// GetIdentity returns the identity for userID or ErrNotFound.
	GetIdentity(ctx context.Context, userID string) (*Identity, error)

	// GetIdentityByEmail returns the identity registered with email or ErrNotFound.
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)
}

// AuditStore is an append-only log of audit records. There is no update or
// delete path.
type AuditStore interface {
	// InsertAuditRecord appends a record.
	InsertAuditRecord(ctx context.Context, record *AuditRecord) error

	// QueryAuditRecords returns records matching filter, newest first.
	QueryAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)

	// AuditStats aggregates records for userID, or globally when userID is empty.
	AuditStats(ctx context.Context, userID string) (*AuditStats, error)
}

// Store combines both persistence concerns.
type Store interface {
	IdentityStore
	AuditStore
}
