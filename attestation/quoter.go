// Package attestation requests TEE quotes that bind wallet operations to the
// running enclave. Attestation is an enhancement: a failed quote never fails
// the operation, it yields an Unattested result the caller can inspect.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
)

// Result is either Attested, carrying the quote, or Unattested, carrying the
// reason no quote was produced.
type Result struct {
	Quote  *interfaces.AttestationQuote
	Reason error
}

func Attested(quote *interfaces.AttestationQuote) Result {
	return Result{Quote: quote}
}

func Unattested(reason error) Result {
	return Result{Reason: reason}
}

// IsAttested reports whether a quote was produced.
func (r Result) IsAttested() bool {
	return r.Quote != nil
}

// Quoter produces attestation quotes from the TEE.
type Quoter struct {
	tee     interfaces.TEE
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewQuoter(tee interfaces.TEE, log *slog.Logger, m *metrics.Metrics) *Quoter {
	return &Quoter{tee: tee, log: log, metrics: m, now: time.Now}
}

// Quote requests a quote over reportSeed, which must fit into the TEE report
// data (interfaces.MaxReportDataSize bytes). Callers hash larger payloads first.
func (q *Quoter) Quote(ctx context.Context, reportSeed []byte) Result {
	result := q.quote(ctx, reportSeed)
	q.metrics.IncAttestation(result.IsAttested())
	if !result.IsAttested() {
		q.log.Warn("proceeding without attestation", "err", result.Reason)
	}
	return result
}

func (q *Quoter) quote(ctx context.Context, reportSeed []byte) Result {
	if len(reportSeed) == 0 {
		return Unattested(interfaces.NewValidationError("report_data", "must not be empty"))
	}
	if len(reportSeed) > interfaces.MaxReportDataSize {
		return Unattested(interfaces.NewValidationError("report_data",
			fmt.Sprintf("must be at most %d bytes, got %d", interfaces.MaxReportDataSize, len(reportSeed))))
	}

	resp, err := q.tee.GetQuote(ctx, reportSeed)
	if err != nil {
		return Unattested(fmt.Errorf("quote generation failed: %w", err))
	}
	if resp == nil || len(resp.Quote) == 0 {
		return Unattested(errors.New("tee returned an empty quote"))
	}

	quote := &interfaces.AttestationQuote{
		RawQuoteHex:    hex.EncodeToString(resp.Quote),
		ReportDataHash: hex.EncodeToString(reportSeed),
		GeneratedAt:    q.now().UTC(),
	}
	if len(resp.EventLog) > 0 {
		quote.EventLogHex = hex.EncodeToString(resp.EventLog)
	}
	return Attested(quote)
}

// ReportData binds an operation and its fields into a 32 byte digest suitable
// as quote report data. Fields are length prefixed so that different field
// splits never produce the same digest.
func ReportData(op interfaces.Operation, fields ...string) []byte {
	h := sha256.New()
	writeField(h, string(op))
	for _, f := range fields {
		writeField(h, f)
	}
	return h.Sum(nil)
}

func writeField(h interface{ Write([]byte) (int, error) }, field string) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(field)))
	h.Write(length[:])
	h.Write([]byte(field))
}
