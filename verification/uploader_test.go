package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type MockService struct {
	mock.Mock
}

func (m *MockService) Name() string {
	return "mock"
}

func (m *MockService) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*UploadResponse), args.Error(1)
}

func newTestUploader(t *testing.T, primary, secondary Service) *Uploader {
	cfg := Config{
		Primary:          primary,
		PrimaryURLBase:   "https://verify.example/reports/",
		SecondaryURLBase: "https://explorer.example/r",
		Policy:           DefaultRetryPolicy(),
		NewTimer:         func() backoff.Timer { return newFakeTimer() },
	}
	if secondary != nil {
		cfg.Secondary = secondary
	}
	u, err := NewUploader(cfg, discardLogger, metrics.NewMetrics())
	require.NoError(t, err)
	return u
}

func TestChecksum_Pure(t *testing.T) {
	quote := []byte("quote bytes")
	sum := sha256.Sum256(quote)

	assert.Equal(t, hex.EncodeToString(sum[:]), Checksum(quote))
	assert.Equal(t, Checksum(quote), Checksum([]byte("quote bytes")))
	assert.NotEqual(t, Checksum(quote), Checksum([]byte("quote bytez")))
}

func TestUploader_PrimarySuccess(t *testing.T) {
	primary := new(MockService)
	primary.On("Upload", mock.Anything, mock.MatchedBy(func(req UploadRequest) bool {
		return req.Checksum == Checksum([]byte("q")) && req.Metadata["operation"] == "sign"
	})).Return(&UploadResponse{}, nil).Once()

	receipt := newTestUploader(t, primary, nil).Upload(context.Background(), []byte("q"), nil, map[string]string{"operation": "sign"})

	assert.Equal(t, interfaces.UploadStatusUploaded, receipt.UploadStatus)
	assert.Equal(t, Checksum([]byte("q")), receipt.Checksum)
	assert.Equal(t, "https://verify.example/reports/"+receipt.Checksum, receipt.PrimaryVerificationURL)
	assert.Empty(t, receipt.SecondaryVerificationURL)
	primary.AssertExpectations(t)
}

func TestUploader_PrimaryExhausted(t *testing.T) {
	primary := new(MockService)
	primary.On("Upload", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Times(3)

	receipt := newTestUploader(t, primary, nil).Upload(context.Background(), []byte("q"), nil, nil)

	assert.Equal(t, interfaces.UploadStatusFailed, receipt.UploadStatus)
	assert.Equal(t, Checksum([]byte("q")), receipt.Checksum, "checksum must not depend on upload success")
	assert.False(t, receipt.Uploaded())
	primary.AssertNumberOfCalls(t, "Upload", 3)
}

func TestUploader_PermanentRejection(t *testing.T) {
	primary := new(MockService)
	primary.On("Upload", mock.Anything, mock.Anything).
		Return(nil, &StatusError{Service: "mock", StatusCode: http.StatusBadRequest, Body: "bad quote"}).Once()

	receipt := newTestUploader(t, primary, nil).Upload(context.Background(), []byte("q"), nil, nil)

	assert.Equal(t, interfaces.UploadStatusFailed, receipt.UploadStatus)
	primary.AssertNumberOfCalls(t, "Upload", 1)
}

func TestUploader_SecondaryIndependent(t *testing.T) {
	t.Run("secondary failure keeps primary receipt", func(t *testing.T) {
		primary := new(MockService)
		primary.On("Upload", mock.Anything, mock.Anything).Return(&UploadResponse{}, nil)
		secondary := new(MockService)
		secondary.On("Upload", mock.Anything, mock.Anything).Return(nil, errors.New("explorer down")).Once()

		receipt := newTestUploader(t, primary, secondary).Upload(context.Background(), []byte("q"), nil, nil)

		assert.Equal(t, interfaces.UploadStatusUploaded, receipt.UploadStatus)
		assert.Empty(t, receipt.SecondaryVerificationURL)
		assert.Len(t, receipt.URLs(), 1)
		secondary.AssertNumberOfCalls(t, "Upload", 1)
	})

	t.Run("secondary report id", func(t *testing.T) {
		primary := new(MockService)
		primary.On("Upload", mock.Anything, mock.Anything).Return(nil, errors.New("down"))
		secondary := new(MockService)
		secondary.On("Upload", mock.Anything, mock.Anything).Return(&UploadResponse{ReportID: "rep-42"}, nil)

		receipt := newTestUploader(t, primary, secondary).Upload(context.Background(), []byte("q"), nil, nil)

		assert.Equal(t, interfaces.UploadStatusFailed, receipt.UploadStatus)
		assert.Equal(t, "https://explorer.example/r/rep-42", receipt.SecondaryVerificationURL)
	})

	t.Run("secondary falls back to checksum", func(t *testing.T) {
		primary := new(MockService)
		primary.On("Upload", mock.Anything, mock.Anything).Return(&UploadResponse{}, nil)
		secondary := new(MockService)
		secondary.On("Upload", mock.Anything, mock.Anything).Return(&UploadResponse{}, nil)

		receipt := newTestUploader(t, primary, secondary).Upload(context.Background(), []byte("q"), nil, nil)
		assert.Equal(t, "https://explorer.example/r/"+Checksum([]byte("q")), receipt.SecondaryVerificationURL)
		assert.Len(t, receipt.URLs(), 2)
	})
}

func TestNewUploader_Validation(t *testing.T) {
	_, err := NewUploader(Config{PrimaryURLBase: "x", Policy: DefaultRetryPolicy()}, discardLogger, nil)
	assert.Error(t, err)

	_, err = NewUploader(Config{Primary: new(MockService), Policy: DefaultRetryPolicy()}, discardLogger, nil)
	assert.Error(t, err)

	_, err = NewUploader(Config{Primary: new(MockService), PrimaryURLBase: "x", Secondary: new(MockService), Policy: DefaultRetryPolicy()}, discardLogger, nil)
	assert.Error(t, err)

	_, err = NewUploader(Config{Primary: new(MockService), PrimaryURLBase: "x"}, discardLogger, nil)
	assert.Error(t, err)
}

func TestNewUploader_NilLogger(t *testing.T) {
	primary := new(MockService)
	primary.On("Upload", mock.Anything, mock.Anything).Return(&UploadResponse{}, nil).Once()

	u, err := NewUploader(Config{
		Primary:        primary,
		PrimaryURLBase: "https://verify.example/reports",
		Policy:         DefaultRetryPolicy(),
	}, nil, nil)
	require.NoError(t, err)

	receipt := u.Upload(context.Background(), []byte("q"), nil, nil)
	assert.Equal(t, interfaces.UploadStatusUploaded, receipt.UploadStatus)
	primary.AssertExpectations(t)
}

func TestHTTPService_Multipart(t *testing.T) {
	var received struct {
		quote    []byte
		eventLog string
		checksum string
		metadata map[string]string
		auth     string
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		received.quote, _ = io.ReadAll(file)
		received.eventLog = r.FormValue("event_log")
		received.checksum = r.FormValue("checksum")
		_ = json.Unmarshal([]byte(r.FormValue("metadata")), &received.metadata)
		received.auth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"report-1","url":"https://verify.example/reports/report-1"}`))
	}))
	defer srv.Close()

	svc, err := NewHTTPService("primary", srv.URL, "secret", srv.Client())
	require.NoError(t, err)

	resp, err := svc.Upload(context.Background(), UploadRequest{
		Quote:    []byte{0x01, 0x02},
		EventLog: []byte(`[]`),
		Checksum: "abc",
		Metadata: map[string]string{"operation": "signup"},
	})
	require.NoError(t, err)

	assert.Equal(t, "report-1", resp.ReportID)
	assert.Equal(t, "https://verify.example/reports/report-1", resp.URL)
	assert.Equal(t, []byte{0x01, 0x02}, received.quote)
	assert.Equal(t, `[]`, received.eventLog)
	assert.Equal(t, "abc", received.checksum)
	assert.Equal(t, "signup", received.metadata["operation"])
	assert.Equal(t, "Bearer secret", received.auth)
}

func TestHTTPService_NonJSONAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	svc, err := NewHTTPService("secondary", srv.URL, "", nil)
	require.NoError(t, err)
	resp, err := svc.Upload(context.Background(), UploadRequest{Quote: []byte{1}})
	require.NoError(t, err)
	assert.Empty(t, resp.ReportID)
}

func TestHTTPService_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"checksum":"x"}`))
	}))
	defer srv.Close()

	svc, err := NewHTTPService("primary", srv.URL, "", srv.Client())
	require.NoError(t, err)

	receipt := newTestUploader(t, svc, nil).Upload(context.Background(), []byte("quote"), nil, nil)
	assert.Equal(t, interfaces.UploadStatusUploaded, receipt.UploadStatus)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPService_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "malformed quote", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	svc, err := NewHTTPService("primary", srv.URL, "", srv.Client())
	require.NoError(t, err)

	receipt := newTestUploader(t, svc, nil).Upload(context.Background(), []byte("quote"), nil, nil)
	assert.Equal(t, interfaces.UploadStatusFailed, receipt.UploadStatus)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStatusError_Retryable(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusNotFound:            false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
	}
	for code, retryable := range cases {
		err := &StatusError{Service: "svc", StatusCode: code}
		assert.Equal(t, retryable, err.Retryable(), "status %d", code)
		assert.Equal(t, retryable, IsRetryable(err), "status %d", code)
	}
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
}

func TestNewHTTPService_InvalidEndpoint(t *testing.T) {
	_, err := NewHTTPService("primary", "ftp://example", "", nil)
	assert.Error(t, err)
}
