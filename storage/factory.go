package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// StorageBackendFactory creates archive backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a backend for location.
//
// Supported locations:
//   - file:///var/lib/wallet/attestations
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=https://minio:9000&public=true&path_style=true
//   - ipfs://localhost:5001/wallet-attestations?timeout=30s
//   - vault://[TOKEN@]vault.example.com:8200/secret/wallet?tls=false
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch {
	case location.IsFile():
		return sf.createFileBackend(location)
	case location.IsS3():
		return sf.createS3Backend(location)
	case location.IsIPFS():
		return sf.createIPFSBackend(location)
	case location.IsVault():
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend skips locations that fail to produce a backend and
// errors only when none remain.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))

	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, "location", location.String())
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// ParseLocations parses a list of location URIs.
func ParseLocations(uris []string) ([]interfaces.StorageBackendLocation, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrInvalidLocationURI, uri, err)
		}
		locations = append(locations, location)
	}
	return locations, nil
}

func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		// file://./relative/path
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	cfg := S3Config{
		Bucket:     location.Host,
		Prefix:     strings.TrimPrefix(location.Path, "/"),
		Region:     location.GetParam("region"),
		Endpoint:   location.GetParam("endpoint"),
		PublicRead: location.GetParamBool("public"),
		PathStyle:  location.GetParamBool("path_style"),
	}

	if location.Auth != "" {
		accessKey, secretKey, _ := strings.Cut(location.Auth, ":")
		cfg.AccessKey = accessKey
		cfg.SecretKey = secretKey
		sf.log.Debug("Using embedded S3 credentials", "bucket", cfg.Bucket)
	}

	return NewS3Backend(cfg, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port, _ := strings.Cut(location.Host, ":")

	timeout := 30 * time.Second
	if raw := location.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ipfs timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	return NewIPFSBackend(host, port, location.Path, timeout, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: vault host is required", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if location.GetParam("tls") == "false" {
		scheme = "http"
	}

	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(location.Path, "/"), "/")

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, location.Host), mount, dataPath, location.Auth, sf.log)
}
