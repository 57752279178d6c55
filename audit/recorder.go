// Package audit records an immutable trail of wallet operations and their
// attestation artifacts.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
)

// Pagination bounds for Query.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Entry is the input of Record.
type Entry struct {
	UserID    string
	Operation interfaces.Operation
	Address   string
	PublicKey string
	Message   string
	Signature string

	// Quote is nil when the operation was not attested.
	Quote *interfaces.AttestationQuote
	// Receipt is nil when no upload was attempted.
	Receipt *interfaces.VerificationReceipt

	// ApplicationData is serialized as opaque JSON.
	ApplicationData any
}

// VerificationStatusFor maps the attestation outcome of an operation to the
// status stored on its audit record.
func VerificationStatusFor(quote *interfaces.AttestationQuote, receipt *interfaces.VerificationReceipt) interfaces.VerificationStatus {
	switch {
	case quote == nil:
		return interfaces.VerificationStatusNone
	case receipt == nil:
		return interfaces.VerificationStatusPending
	case receipt.Uploaded():
		return interfaces.VerificationStatusVerified
	default:
		return interfaces.VerificationStatusFailed
	}
}

// Recorder writes and reads audit records.
type Recorder struct {
	store   interfaces.AuditStore
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRecorder(store interfaces.AuditStore, log *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{store: store, log: log, metrics: m, now: time.Now}
}

// Record persists one record for a completed operation. Persistence failures
// are logged and counted, and Record returns nil; they never fail the caller.
func (r *Recorder) Record(ctx context.Context, entry Entry) *interfaces.AuditRecord {
	record := &interfaces.AuditRecord{
		ID:                 uuid.NewString(),
		UserID:             entry.UserID,
		Operation:          entry.Operation,
		Address:            entry.Address,
		PublicKey:          entry.PublicKey,
		Message:            entry.Message,
		Signature:          entry.Signature,
		VerificationStatus: VerificationStatusFor(entry.Quote, entry.Receipt),
		CreatedAt:          r.now().UTC(),
	}

	if entry.Quote != nil {
		record.AttestationQuote = entry.Quote.RawQuoteHex
		record.EventLog = entry.Quote.EventLogHex
	}
	if entry.Receipt != nil {
		record.AttestationChecksum = entry.Receipt.Checksum
		record.VerificationURLs = entry.Receipt.URLs()
	}

	if entry.ApplicationData != nil {
		data, err := json.Marshal(entry.ApplicationData)
		if err != nil {
			r.log.Warn("dropping unserializable audit application data", "operation", entry.Operation, "err", err)
		} else {
			record.ApplicationData = data
		}
	}

	if err := r.store.InsertAuditRecord(ctx, record); err != nil {
		r.metrics.IncAuditWriteFailure()
		r.log.Error("failed to persist audit record",
			"userID", entry.UserID, "operation", entry.Operation, "recordID", record.ID, "err", err)
		return nil
	}

	r.log.Debug("audit record persisted", "userID", entry.UserID, "operation", entry.Operation, "recordID", record.ID)
	return record
}

// NormalizeFilter validates filter and applies the pagination defaults.
func NormalizeFilter(filter interfaces.AuditFilter) (interfaces.AuditFilter, error) {
	if filter.Operation != "" {
		if err := filter.Operation.Validate(); err != nil {
			return filter, err
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return filter, interfaces.NewValidationError("to", "must not be before from")
	}
	if filter.Offset < 0 {
		return filter, interfaces.NewValidationError("offset", "must not be negative")
	}
	switch {
	case filter.Limit < 0:
		return filter, interfaces.NewValidationError("limit", "must not be negative")
	case filter.Limit == 0:
		filter.Limit = DefaultLimit
	case filter.Limit > MaxLimit:
		filter.Limit = MaxLimit
	}
	return filter, nil
}

// Query returns records matching filter, newest first.
func (r *Recorder) Query(ctx context.Context, filter interfaces.AuditFilter) ([]*interfaces.AuditRecord, error) {
	filter, err := NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	return r.store.QueryAuditRecords(ctx, filter)
}

// Stats aggregates records for userID, or globally when userID is empty.
func (r *Recorder) Stats(ctx context.Context, userID string) (*interfaces.AuditStats, error) {
	return r.store.AuditStats(ctx, userID)
}
