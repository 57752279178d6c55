// Package verification publishes attestation quotes to external verification
// services.
//
// Every quote is identified by its checksum, the hex SHA-256 of the raw quote
// bytes, which is computed before any network I/O and is therefore available
// even when every upload fails. The primary service is retried according to a
// RetryPolicy; the secondary service gets a single attempt and its outcome
// never affects the primary fields of the receipt. Upload never returns an
// error: failures are reported through the receipt's UploadStatus.
package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
	"golang.org/x/sync/errgroup"
)

// Checksum returns the hex SHA-256 of the quote bytes.
func Checksum(quote []byte) string {
	sum := sha256.Sum256(quote)
	return hex.EncodeToString(sum[:])
}

// ReportURL joins a service's public URL base and a report identifier.
func ReportURL(base, id string) string {
	return strings.TrimSuffix(base, "/") + "/" + id
}

// Config configures an Uploader.
type Config struct {
	Primary        Service
	PrimaryURLBase string

	// Secondary is optional.
	Secondary        Service
	SecondaryURLBase string

	Policy RetryPolicy

	// NewTimer overrides the timer used between retries. Nil uses real time.
	NewTimer func() backoff.Timer
}

// Uploader submits quotes to the configured verification services.
type Uploader struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewUploader(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Uploader, error) {
	if cfg.Primary == nil {
		return nil, errors.New("primary verification service is required")
	}
	if cfg.PrimaryURLBase == "" {
		return nil, errors.New("primary verification url base is required")
	}
	if cfg.Secondary != nil && cfg.SecondaryURLBase == "" {
		return nil, errors.New("secondary verification url base is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{cfg: cfg, log: log, metrics: m}, nil
}

// Upload computes the quote checksum and submits the quote to the primary and,
// if configured, the secondary service concurrently. It returns once both
// uploads have finished or ctx is done.
func (u *Uploader) Upload(ctx context.Context, quote, eventLog []byte, metadata map[string]string) *interfaces.VerificationReceipt {
	checksum := Checksum(quote)
	receipt := &interfaces.VerificationReceipt{
		Checksum:               checksum,
		UploadStatus:           interfaces.UploadStatusFailed,
		PrimaryVerificationURL: ReportURL(u.cfg.PrimaryURLBase, checksum),
	}

	req := UploadRequest{Quote: quote, EventLog: eventLog, Checksum: checksum, Metadata: metadata}
	log := u.log.With("checksum", checksum)

	var (
		primaryErr   error
		secondaryURL string
		g            errgroup.Group
	)

	g.Go(func() error {
		primaryErr = u.uploadPrimary(ctx, log, req)
		return nil
	})

	if u.cfg.Secondary != nil {
		g.Go(func() error {
			secondaryURL = u.uploadSecondary(ctx, log, req)
			return nil
		})
	}

	_ = g.Wait()

	if primaryErr == nil {
		receipt.UploadStatus = interfaces.UploadStatusUploaded
	}
	receipt.SecondaryVerificationURL = secondaryURL
	return receipt
}

func (u *Uploader) uploadPrimary(ctx context.Context, log *slog.Logger, req UploadRequest) error {
	service := u.cfg.Primary

	var timer backoff.Timer
	if u.cfg.NewTimer != nil {
		timer = u.cfg.NewTimer()
	}

	notify := func(attempt int, err error, next time.Duration) {
		log.Warn("verification upload failed, retrying", "service", service.Name(), "attempt", attempt, "next", next, "err", err)
	}

	attempts, err := u.cfg.Policy.Do(ctx, timer, notify, func(ctx context.Context) error {
		_, err := service.Upload(ctx, req)
		u.metrics.IncUploadAttempt(metrics.ServicePrimary, err)
		if err != nil && !IsRetryable(err) {
			return Permanent(err)
		}
		return err
	})
	u.metrics.IncUpload(metrics.ServicePrimary, err)

	if err != nil {
		log.Error("verification upload failed", "service", service.Name(), "attempts", attempts,
			"err", errors.Join(interfaces.ErrUploadFailure, err))
		return err
	}
	log.Info("quote uploaded", "service", service.Name(), "attempts", attempts)
	return nil
}

// uploadSecondary makes a single attempt and returns the report URL, or "" on failure.
func (u *Uploader) uploadSecondary(ctx context.Context, log *slog.Logger, req UploadRequest) string {
	service := u.cfg.Secondary

	attemptCtx, cancel := context.WithTimeout(ctx, u.cfg.Policy.AttemptTimeout)
	defer cancel()

	resp, err := service.Upload(attemptCtx, req)
	u.metrics.IncUploadAttempt(metrics.ServiceSecondary, err)
	u.metrics.IncUpload(metrics.ServiceSecondary, err)
	if err != nil {
		log.Warn("secondary verification upload failed", "service", service.Name(), "err", err)
		return ""
	}

	id := req.Checksum
	if resp != nil && resp.ReportID != "" {
		id = resp.ReportID
	}
	return ReportURL(u.cfg.SecondaryURLBase, id)
}
