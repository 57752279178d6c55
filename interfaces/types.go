// Package interfaces defines the core interfaces and types for the attested wallet.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"encoding/json"
	"fmt"
	"time"
)

// Environment selects which TEE backends are acceptable.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
)

// IsProduction reports whether insecure backends must be refused.
func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction
}

// Operation identifies the wallet operation an audit record was emitted for.
type Operation string

const (
	OperationSignup    Operation = "signup"
	OperationSign      Operation = "sign"
	OperationVerify    Operation = "verify"
	OperationKeyAccess Operation = "key-access"
)

// AllOperations lists every operation in a stable order.
var AllOperations = []Operation{OperationSignup, OperationSign, OperationVerify, OperationKeyAccess}

// Validate checks that the operation is one of the known values.
func (op Operation) Validate() error {
	switch op {
	case OperationSignup, OperationSign, OperationVerify, OperationKeyAccess:
		return nil
	default:
		return NewValidationError("operation", fmt.Sprintf("unknown operation %q", string(op)))
	}
}

// UploadStatus is the outcome of the primary verification upload.
type UploadStatus string

const (
	UploadStatusUploaded UploadStatus = "uploaded"
	UploadStatusFailed   UploadStatus = "failed"
)

// VerificationStatus tracks external verification of an audit record's quote.
// The zero value means no attestation was produced.
type VerificationStatus string

const (
	VerificationStatusNone     VerificationStatus = ""
	VerificationStatusPending  VerificationStatus = "pending"
	VerificationStatusVerified VerificationStatus = "verified"
	VerificationStatusFailed   VerificationStatus = "failed"
)

// Identity is the public part of a user's derived wallet. It is created on
// signup and never mutated; the private key is re-derived on demand.
type Identity struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	Address      string    `json:"address"`
	PublicKeyHex string    `json:"public_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// AttestationQuote is a TEE quote binding report data to the enclave measurements.
// Quote and event log are opaque and only ever stored or forwarded.
type AttestationQuote struct {
	RawQuoteHex string `json:"quote"`
	EventLogHex string `json:"event_log,omitempty"`

	// ReportDataHash is the digest that was bound into the quote's report data.
	ReportDataHash string    `json:"report_data_hash"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// VerificationReceipt is produced by the uploader for every quote, whether or
// not the upload succeeded. Checksum is always populated.
type VerificationReceipt struct {
	Checksum                 string       `json:"checksum"`
	UploadStatus             UploadStatus `json:"upload_status"`
	PrimaryVerificationURL   string       `json:"primary_verification_url"`
	SecondaryVerificationURL string       `json:"secondary_verification_url,omitempty"`
}

// URLs returns the non-empty verification URLs, primary first.
func (r *VerificationReceipt) URLs() []string {
	if r == nil {
		return nil
	}
	urls := make([]string, 0, 2)
	if r.PrimaryVerificationURL != "" {
		urls = append(urls, r.PrimaryVerificationURL)
	}
	if r.SecondaryVerificationURL != "" {
		urls = append(urls, r.SecondaryVerificationURL)
	}
	return urls
}

// Uploaded reports whether the primary upload succeeded.
func (r *VerificationReceipt) Uploaded() bool {
	return r != nil && r.UploadStatus == UploadStatusUploaded
}

// AuditRecord is an immutable entry of the audit log.
type AuditRecord struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id"`
	Operation           Operation          `json:"operation"`
	Address             string             `json:"address,omitempty"`
	PublicKey           string             `json:"public_key,omitempty"`
	Message             string             `json:"message,omitempty"`
	Signature           string             `json:"signature,omitempty"`
	AttestationQuote    string             `json:"attestation_quote,omitempty"`
	EventLog            string             `json:"event_log,omitempty"`
	AttestationChecksum string             `json:"attestation_checksum,omitempty"`
	VerificationURLs    []string           `json:"verification_urls,omitempty"`
	VerificationStatus  VerificationStatus `json:"verification_status,omitempty"`
	ApplicationData     json.RawMessage    `json:"application_data,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

// HasAttestation reports whether the record carries a quote.
func (r *AuditRecord) HasAttestation() bool {
	return r.AttestationQuote != ""
}

// AuditFilter selects audit records. Zero fields do not filter.
type AuditFilter struct {
	UserID    string
	Operation Operation
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Matches reports whether the record passes the filter, ignoring pagination.
func (f AuditFilter) Matches(r *AuditRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Operation != "" && r.Operation != f.Operation {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// AuditStats aggregates audit records for a user or globally.
type AuditStats struct {
	UserID           string            `json:"user_id,omitempty"`
	Total            int               `json:"total"`
	ByOperation      map[Operation]int `json:"by_operation"`
	Attested         int               `json:"attested"`
	AttestedFraction float64           `json:"attested_fraction"`
}

// NewAuditStats returns stats with every operation present at zero.
func NewAuditStats(userID string) *AuditStats {
	stats := &AuditStats{UserID: userID, ByOperation: make(map[Operation]int, len(AllOperations))}
	for _, op := range AllOperations {
		stats.ByOperation[op] = 0
	}
	return stats
}

// Add accounts for one record.
func (s *AuditStats) Add(r *AuditRecord) {
	s.Total++
	s.ByOperation[r.Operation]++
	if r.HasAttestation() {
		s.Attested++
	}
	s.updateFraction()
}

// SetCounts fills the stats from pre-aggregated counts.
func (s *AuditStats) SetCounts(byOperation map[Operation]int, attested int) {
	s.Total = 0
	for op, n := range byOperation {
		s.ByOperation[op] = n
		s.Total += n
	}
	s.Attested = attested
	s.updateFraction()
}

func (s *AuditStats) updateFraction() {
	if s.Total == 0 {
		s.AttestedFraction = 0
		return
	}
	s.AttestedFraction = float64(s.Attested) / float64(s.Total)
}
