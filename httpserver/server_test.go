package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-attested-wallet/api"
	"github.com/ruteri/tee-attested-wallet/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/api/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	r.Get("/api/panic", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
}

func newTestServer(t *testing.T, readiness func(context.Context) error) *Server {
	t.Helper()
	metricsSrv, err := metrics.New("test", "")
	require.NoError(t, err)

	srv, err := New(&api.HTTPServerConfig{
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ReadinessCheck:           readiness,
		GracefulShutdownDuration: time.Second,
	}, metricsSrv, pingRoutes{})
	require.NoError(t, err)
	return srv
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestRoutesAreMounted(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := get(srv, "/api/ping")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", rr.Body.String())

	rr = get(srv, "/livez")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rr.Body.String())

	rr = get(srv, "/api/panic")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestDrainUndrain(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, get(srv, "/readyz").Code)

	rr := get(srv, "/drain")
	assert.JSONEq(t, `{"status":"draining"}`, rr.Body.String())
	rr = get(srv, "/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, rr.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get(srv, "/readyz").Code)

	rr = get(srv, "/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())
	rr = get(srv, "/undrain")
	assert.JSONEq(t, `{"status":"already ready"}`, rr.Body.String())
	assert.Equal(t, http.StatusOK, get(srv, "/readyz").Code)
}

func TestReadinessCheck(t *testing.T) {
	healthy := true
	srv := newTestServer(t, func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("tee unreachable")
	})

	assert.Equal(t, http.StatusOK, get(srv, "/readyz").Code)
	healthy = false
	rr := get(srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"not ready"}`, rr.Body.String())
}

func TestNewRequiresMetricsServer(t *testing.T) {
	_, err := New(&api.HTTPServerConfig{MetricsAddr: ":9090", Log: slog.Default()}, nil)
	assert.Error(t, err)
}
