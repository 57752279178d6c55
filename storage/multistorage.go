package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/tee-attested-wallet/interfaces"
	"golang.org/x/sync/errgroup"
)

// MultiStorageBackend writes to every available backend concurrently and
// reads from the first backend that holds the content.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch tries backends in order. ErrContentNotFound is returned only when
// every reachable backend reported the content missing.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", "backend", backend.Name(), "contentID", id.String())
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			m.log.Debug("Fetched artifact",
				"backend", backend.Name(),
				"contentID", id.String(),
				"duration", time.Since(start))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	if notFound > 0 && notFound == len(m.reachable(errs)) {
		return nil, interfaces.ErrContentNotFound
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id.String(), errors.Join(errs...))
}

// reachable drops the availability errors from errs.
func (m *MultiStorageBackend) reachable(errs []error) []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrBackendUnavailable) {
			out = append(out, err)
		}
	}
	return out
}

// Store succeeds when at least one backend stored the data.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)

	var (
		mu     sync.Mutex
		errs   []error
		stored int
	)

	var g errgroup.Group
	for _, backend := range m.backends {
		g.Go(func() error {
			if !backend.Available(ctx) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
				mu.Unlock()
				return nil
			}

			got, err := backend.Store(ctx, data, contentType)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			case !got.Equal(id):
				m.log.Warn("Inconsistent content id from backend",
					"backend", backend.Name(),
					"expected", id.String(),
					"actual", got.String())
				errs = append(errs, fmt.Errorf("%s: inconsistent content id %s", backend.Name(), got.String()))
			default:
				stored++
			}
			return nil
		})
	}
	_ = g.Wait()

	if stored == 0 {
		m.log.Error("All backends failed to store artifact",
			slog.Int("failedBackends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return id, interfaces.ErrBackendUnavailable
		}
		return id, fmt.Errorf("all backends failed to store data: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		m.log.Warn("Artifact stored on a subset of backends",
			"contentID", id.String(),
			"stored", stored,
			"err", errors.Join(errs...))
	}

	return id, nil
}

func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
