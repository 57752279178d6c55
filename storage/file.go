package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// FileBackend archives artifacts on the local file system under
// {baseDir}/{contentType}/{id[:2]}/{id}.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates the base directory if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch returns the artifact for id. Files whose content no longer hashes to
// id are reported as missing.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath := b.filePath(id, contentType)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if !interfaces.ComputeID(data).Equal(id) {
		b.log.Warn("Archived artifact does not match its content id", "path", filePath)
		return nil, interfaces.ErrContentNotFound
	}

	b.log.Debug("Fetched artifact from file", "path", filePath, "size", len(data))
	return data, nil
}

// Store writes data through a temporary file and a rename so readers never
// observe partial artifacts. Storing the same content twice is a no-op.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.filePath(id, contentType)

	if _, err := os.Stat(filePath); err == nil {
		return id, nil
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return id, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return id, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return id, fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Archived artifact to file", "path", filePath, "contentID", id.String())
	return id, nil
}

func (b *FileBackend) Available(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	if err != nil || !info.IsDir() {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	idStr := id.String()
	return filepath.Join(b.baseDir, contentType.String(), idStr[:2], idStr)
}
