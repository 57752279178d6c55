package wallethandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
	"github.com/ruteri/tee-attested-wallet/wallet"
)

// maxBodySize bounds request bodies. Messages are further bounded by
// interfaces.MaxMessageSize.
const maxBodySize = 2 * interfaces.MaxMessageSize

// Wallet is the set of wallet operations served over HTTP.
type Wallet interface {
	Signup(ctx context.Context, userID, email string) (*wallet.SignupResult, error)
	Sign(ctx context.Context, userID, message string) (*wallet.SignResult, error)
	Verify(ctx context.Context, req wallet.VerifyRequest) (*wallet.VerifyResult, error)
	KeyInfo(ctx context.Context, userID string) (*wallet.KeyInfoResult, error)
	Identity(ctx context.Context, userID string) (*interfaces.Identity, error)
	AuditTrail(ctx context.Context, userID string, filter interfaces.AuditFilter) ([]*interfaces.AuditRecord, error)
	AuditStats(ctx context.Context, userID string) (*interfaces.AuditStats, error)
	TEEInfo(ctx context.Context) (*interfaces.TEEInfo, error)
	FetchArtifact(ctx context.Context, checksum string, contentType interfaces.ContentType) ([]byte, error)
}

// Handler serves the wallet API.
//
// Errors are mapped to status codes as follows: validation 400, unknown user
// or artifact 404, duplicate signup 409, rate limited 429, TEE unavailable
// 503, anything else 500.
type Handler struct {
	wallet  Wallet
	limiter *RateLimiter
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHandler creates a handler. limiter may be nil to disable rate limiting.
func NewHandler(w Wallet, limiter *RateLimiter, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		wallet:  w,
		limiter: limiter,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/wallet/signup", h.HandleSignup)
	r.Post("/api/wallet/sign", h.HandleSign)
	r.Post("/api/wallet/verify", h.HandleVerify)
	r.Get("/api/wallet/identity/{user_id}", h.HandleIdentity)
	r.Get("/api/wallet/keys/{user_id}", h.HandleKeyInfo)
	r.Get("/api/wallet/audit/{user_id}", h.HandleAuditTrail)
	r.Get("/api/wallet/audit-stats", h.HandleAuditStats)
	r.Get("/api/public/tee/info", h.HandleTEEInfo)
	r.Get("/api/public/attestations/{checksum}", h.HandleAttestation)
}

// HandleSignup creates a wallet identity.
//
// URL format: POST /api/wallet/signup
// Request body: SignupRequest
// Response: wallet.SignupResult with status 201
func (h *Handler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.allow(w, "user:"+req.UserID) {
		return
	}

	result, err := h.wallet.Signup(r.Context(), req.UserID, req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// HandleSign signs a message with the user's derived key.
//
// URL format: POST /api/wallet/sign
// Request body: SignRequest
// Response: wallet.SignResult
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.allow(w, "user:"+req.UserID) {
		return
	}

	result, err := h.wallet.Sign(r.Context(), req.UserID, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleVerify checks a signature. An invalid signature is a 200 response
// with valid set to false.
//
// URL format: POST /api/wallet/verify
// Request body: VerifyRequest
// Response: wallet.VerifyResult
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.allow(w, "ip:"+clientIP(r)) {
		return
	}

	result, err := h.wallet.Verify(r.Context(), wallet.VerifyRequest{
		Message:   req.Message,
		Signature: req.Signature,
		Address:   req.Address,
		UserID:    req.UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleIdentity returns the stored public identity without touching the key.
func (h *Handler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.wallet.Identity(r.Context(), r.PathValue("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, identity)
}

// HandleKeyInfo re-derives the user's key and returns its public part. The
// access is audited.
func (h *Handler) HandleKeyInfo(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if !h.allow(w, "user:"+userID) {
		return
	}

	result, err := h.wallet.KeyInfo(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleAuditTrail returns a user's audit records, newest first.
//
// URL format: GET /api/wallet/audit/{user_id}?operation=sign&from=RFC3339&to=RFC3339&limit=50&offset=0
func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	filter, err := parseAuditFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	records, err := h.wallet.AuditTrail(r.Context(), userID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuditTrailResponse{UserID: userID, Count: len(records), Records: records})
}

// HandleAuditStats aggregates the audit log.
//
// URL format: GET /api/wallet/audit-stats[?user_id=alice]
func (h *Handler) HandleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.wallet.AuditStats(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleTEEInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.wallet.TEEInfo(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// HandleAttestation serves an archived artifact by the SHA-256 of its
// content. For quotes this is the attestation checksum; event logs are
// requested with ?type=eventlog and their own digest.
//
// URL format: GET /api/public/attestations/{checksum}[?type=eventlog]
// Response: raw artifact bytes
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	contentType := interfaces.QuoteType
	switch r.URL.Query().Get("type") {
	case "", interfaces.QuoteType.String():
	case interfaces.EventLogType.String():
		contentType = interfaces.EventLogType
	default:
		h.writeError(w, r, interfaces.NewValidationError("type", "must be quote or eventlog"))
		return
	}

	data, err := h.wallet.FetchArtifact(r.Context(), r.PathValue("checksum"), contentType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		h.log.Debug("could not write artifact", "err", err)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) allow(w http.ResponseWriter, key string) bool {
	if h.limiter.Allow(key, h.now()) {
		return true
	}
	h.metrics.IncRateLimited()
	w.Header().Set("Retry-After", "1")
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("wallet request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	http.Error(w, err.Error(), status)
}

// StatusForError maps the wallet error taxonomy to HTTP status codes.
func StatusForError(err error) int {
	if _, ok := interfaces.AsValidationError(err); ok {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrTeeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseAuditFilter(r *http.Request) (interfaces.AuditFilter, error) {
	q := r.URL.Query()
	filter := interfaces.AuditFilter{Operation: interfaces.Operation(q.Get("operation"))}

	var err error
	if filter.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parseInt(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseInt(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, interfaces.NewValidationError(field, "must be an RFC 3339 timestamp")
	}
	return t, nil
}

func parseInt(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, interfaces.NewValidationError(field, "must be an integer")
	}
	return n, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
