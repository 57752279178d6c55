package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-attested-wallet/database"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type MockAuditStore struct {
	mock.Mock
}

func (m *MockAuditStore) InsertAuditRecord(ctx context.Context, record *interfaces.AuditRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *MockAuditStore) QueryAuditRecords(ctx context.Context, filter interfaces.AuditFilter) ([]*interfaces.AuditRecord, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]*interfaces.AuditRecord), args.Error(1)
}

func (m *MockAuditStore) AuditStats(ctx context.Context, userID string) (*interfaces.AuditStats, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(*interfaces.AuditStats), args.Error(1)
}

func TestVerificationStatusFor(t *testing.T) {
	quote := &interfaces.AttestationQuote{RawQuoteHex: "cafe"}

	assert.Equal(t, interfaces.VerificationStatusNone, VerificationStatusFor(nil, nil))
	assert.Equal(t, interfaces.VerificationStatusPending, VerificationStatusFor(quote, nil))
	assert.Equal(t, interfaces.VerificationStatusVerified,
		VerificationStatusFor(quote, &interfaces.VerificationReceipt{UploadStatus: interfaces.UploadStatusUploaded}))
	assert.Equal(t, interfaces.VerificationStatusFailed,
		VerificationStatusFor(quote, &interfaces.VerificationReceipt{UploadStatus: interfaces.UploadStatusFailed}))
}

func TestRecorder_Record(t *testing.T) {
	store := database.NewMemoryStore()
	rec := NewRecorder(store, discardLogger, metrics.NewMetrics())
	rec.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	record := rec.Record(context.Background(), Entry{
		UserID:    "alice",
		Operation: interfaces.OperationSign,
		Address:   "0xabc",
		PublicKey: "0x04abc",
		Message:   "hello",
		Signature: "0xsig",
		Quote:     &interfaces.AttestationQuote{RawQuoteHex: "cafe", EventLogHex: "6c6f67"},
		Receipt: &interfaces.VerificationReceipt{
			Checksum:                 "sum",
			UploadStatus:             interfaces.UploadStatusFailed,
			PrimaryVerificationURL:   "https://verify.example/sum",
			SecondaryVerificationURL: "https://explorer.example/sum",
		},
		ApplicationData: map[string]any{"message_length": 5},
	})
	require.NotNil(t, record)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "cafe", record.AttestationQuote)
	assert.Equal(t, "6c6f67", record.EventLog)
	assert.Equal(t, "sum", record.AttestationChecksum)
	assert.Equal(t, []string{"https://verify.example/sum", "https://explorer.example/sum"}, record.VerificationURLs)
	assert.Equal(t, interfaces.VerificationStatusFailed, record.VerificationStatus)
	assert.JSONEq(t, `{"message_length":5}`, string(record.ApplicationData))
	assert.Equal(t, 2025, record.CreatedAt.Year())

	stored, err := rec.Query(context.Background(), interfaces.AuditFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, record.ID, stored[0].ID)
}

func TestRecorder_UnattestedRecord(t *testing.T) {
	rec := NewRecorder(database.NewMemoryStore(), discardLogger, nil)

	record := rec.Record(context.Background(), Entry{UserID: "alice", Operation: interfaces.OperationVerify})
	require.NotNil(t, record)
	assert.False(t, record.HasAttestation())
	assert.Equal(t, interfaces.VerificationStatusNone, record.VerificationStatus)
	assert.Empty(t, record.VerificationURLs)
	assert.Nil(t, record.ApplicationData)
}

func TestRecorder_SwallowsPersistenceFailure(t *testing.T) {
	store := new(MockAuditStore)
	store.On("InsertAuditRecord", mock.Anything, mock.Anything).Return(interfaces.ErrPersistence)

	rec := NewRecorder(store, discardLogger, metrics.NewMetrics())

	var record *interfaces.AuditRecord
	assert.NotPanics(t, func() {
		record = rec.Record(context.Background(), Entry{UserID: "alice", Operation: interfaces.OperationSign})
	})
	assert.Nil(t, record)
	store.AssertExpectations(t)
}

func TestRecorder_UnserializableApplicationData(t *testing.T) {
	rec := NewRecorder(database.NewMemoryStore(), discardLogger, nil)

	record := rec.Record(context.Background(), Entry{
		UserID:          "alice",
		Operation:       interfaces.OperationSign,
		ApplicationData: map[string]any{"ch": make(chan int)},
	})
	require.NotNil(t, record)
	assert.Nil(t, record.ApplicationData)
}

func TestNormalizeFilter(t *testing.T) {
	f, err := NormalizeFilter(interfaces.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, f.Limit)

	f, err = NormalizeFilter(interfaces.AuditFilter{Limit: 10000})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, f.Limit)

	f, err = NormalizeFilter(interfaces.AuditFilter{Limit: 7, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, f.Limit)
	assert.Equal(t, 3, f.Offset)

	now := time.Now()
	invalid := []interfaces.AuditFilter{
		{Operation: "delete"},
		{Limit: -1},
		{Offset: -1},
		{From: now, To: now.Add(-time.Hour)},
	}
	for _, filter := range invalid {
		_, err := NormalizeFilter(filter)
		_, ok := interfaces.AsValidationError(err)
		assert.True(t, ok, "expected validation error for %+v", filter)
	}
}

func TestRecorder_QueryAppliesDefaults(t *testing.T) {
	store := new(MockAuditStore)
	store.On("QueryAuditRecords", mock.Anything, interfaces.AuditFilter{UserID: "alice", Limit: DefaultLimit}).
		Return([]*interfaces.AuditRecord{}, nil).Once()
	store.On("AuditStats", mock.Anything, "").Return(interfaces.NewAuditStats(""), nil).Once()

	rec := NewRecorder(store, discardLogger, nil)
	_, err := rec.Query(context.Background(), interfaces.AuditFilter{UserID: "alice"})
	require.NoError(t, err)

	stats, err := rec.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	_, err = rec.Query(context.Background(), interfaces.AuditFilter{Limit: -5})
	assert.Error(t, err)

	store.AssertExpectations(t)
}

func TestRecorder_QueryStoreError(t *testing.T) {
	store := new(MockAuditStore)
	store.On("QueryAuditRecords", mock.Anything, mock.Anything).
		Return([]*interfaces.AuditRecord(nil), errors.New("db down"))

	_, err := NewRecorder(store, discardLogger, nil).Query(context.Background(), interfaces.AuditFilter{})
	assert.Error(t, err)
}
