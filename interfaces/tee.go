package interfaces

import "context"

// MaxReportDataSize is the TDX report-data ceiling. Larger payloads must be
// hashed by the caller before requesting a quote.
const MaxReportDataSize = 64

// DerivedKeyResponse is the raw key material returned by the TEE for a path.
type DerivedKeyResponse struct {
	Key            []byte
	SignatureChain [][]byte
}

// QuoteResponse is a raw TEE quote with its optional event log.
type QuoteResponse struct {
	Quote    []byte
	EventLog []byte
}

// TEEInfo describes the running TEE backend.
type TEEInfo struct {
	Backend    string `json:"backend"`
	AppID      string `json:"app_id,omitempty"`
	AppName    string `json:"app_name,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	TCBInfo    string `json:"tcb_info,omitempty"`
	Attestable bool   `json:"attestable"`
	Insecure   bool   `json:"insecure"`
}

// TEE is the capability exposed by the enclave runtime.
// Implementations must be safe for concurrent use; every call is an
// independent request/response exchange.
type TEE interface {
	// GetKey deterministically derives key material for path. Subject is a
	// human-readable label for certificates and audit and must not change the key.
	GetKey(ctx context.Context, path, subject string) (*DerivedKeyResponse, error)

	// GetQuote produces a quote over reportData (at most MaxReportDataSize bytes).
	GetQuote(ctx context.Context, reportData []byte) (*QuoteResponse, error)

	// Info returns information about the TEE backend.
	Info(ctx context.Context) (*TEEInfo, error)
}
