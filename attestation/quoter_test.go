package attestation

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-attested-wallet/cryptoutils"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
	"github.com/ruteri/tee-attested-wallet/tee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubTEE struct {
	quote    *interfaces.QuoteResponse
	quoteErr error
	seen     []byte
}

func (s *stubTEE) GetKey(context.Context, string, string) (*interfaces.DerivedKeyResponse, error) {
	return nil, errors.New("not implemented")
}

func (s *stubTEE) GetQuote(_ context.Context, reportData []byte) (*interfaces.QuoteResponse, error) {
	s.seen = reportData
	return s.quote, s.quoteErr
}

func (s *stubTEE) Info(context.Context) (*interfaces.TEEInfo, error) {
	return &interfaces.TEEInfo{Backend: "stub"}, nil
}

func TestQuoter_Attested(t *testing.T) {
	stub := &stubTEE{quote: &interfaces.QuoteResponse{Quote: []byte{0xca, 0xfe}, EventLog: []byte("log")}}
	q := NewQuoter(stub, discardLogger, metrics.NewMetrics())
	q.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	seed := ReportData(interfaces.OperationSign, "0xabc", "hello")
	result := q.Quote(context.Background(), seed)

	require.True(t, result.IsAttested())
	assert.NoError(t, result.Reason)
	assert.Equal(t, "cafe", result.Quote.RawQuoteHex)
	assert.Equal(t, hex.EncodeToString([]byte("log")), result.Quote.EventLogHex)
	assert.Equal(t, hex.EncodeToString(seed), result.Quote.ReportDataHash)
	assert.Equal(t, 2025, result.Quote.GeneratedAt.Year())
	assert.Equal(t, seed, stub.seen)
}

func TestQuoter_Unattested(t *testing.T) {
	cases := []struct {
		name string
		tee  *stubTEE
		seed []byte
	}{
		{name: "tee failure", tee: &stubTEE{quoteErr: errors.New("no tdx")}, seed: []byte{1}},
		{name: "empty quote", tee: &stubTEE{quote: &interfaces.QuoteResponse{}}, seed: []byte{1}},
		{name: "empty seed", tee: &stubTEE{}, seed: nil},
		{name: "seed too large", tee: &stubTEE{}, seed: make([]byte, interfaces.MaxReportDataSize+1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := NewQuoter(tc.tee, discardLogger, nil)
			result := q.Quote(context.Background(), tc.seed)
			assert.False(t, result.IsAttested())
			assert.Nil(t, result.Quote)
			assert.Error(t, result.Reason)
		})
	}
}

func TestQuoter_SeedCeilingIsValidationError(t *testing.T) {
	stub := &stubTEE{}
	q := NewQuoter(stub, discardLogger, nil)

	result := q.Quote(context.Background(), make([]byte, 65))
	_, ok := interfaces.AsValidationError(result.Reason)
	assert.True(t, ok)
	assert.Nil(t, stub.seen, "oversized seeds must not reach the tee")

	q.Quote(context.Background(), make([]byte, 64))
	assert.Len(t, stub.seen, 64)
}

func TestQuoter_Simulator(t *testing.T) {
	noQuotes, err := tee.NewSimulator([]byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)
	result := NewQuoter(noQuotes, discardLogger, nil).Quote(context.Background(), []byte{1})
	assert.False(t, result.IsAttested())
	assert.ErrorIs(t, result.Reason, tee.ErrNotAttestable)

	dummy, err := tee.NewSimulator([]byte("0123456789abcdef0123456789abcdef"), &cryptoutils.DummyAttestationProvider{})
	require.NoError(t, err)
	result = NewQuoter(dummy, discardLogger, nil).Quote(context.Background(), []byte{1})
	assert.True(t, result.IsAttested())
}

func TestReportData(t *testing.T) {
	a := ReportData(interfaces.OperationSign, "ab", "c")
	b := ReportData(interfaces.OperationSign, "a", "bc")
	c := ReportData(interfaces.OperationVerify, "ab", "c")

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, ReportData(interfaces.OperationSign, "ab", "c"))
}
