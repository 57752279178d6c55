package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// IPFSBackend archives artifacts in the mutable file system (MFS) of an IPFS
// node under {root}/{contentType}/{id}, which pins them on that node.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend connects to the IPFS HTTP API at host:port. root is the MFS
// directory artifacts are written under.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: ipfs host is required", interfaces.ErrInvalidLocationURI)
	}
	if port == "" {
		port = "5001"
	}
	if root == "" || root == "/" {
		root = "/wallet-attestations"
	}
	root = "/" + strings.Trim(root, "/")

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, root, timeout),
	}, nil
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	mfsPath := b.mfsPath(id, contentType)

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", "host", b.host, "port", b.port)
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, mfsPath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to read artifact from IPFS", "path", mfsPath, "err", err)
		return nil, fmt.Errorf("failed to read artifact from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact from IPFS: %w", err)
	}
	if !interfaces.ComputeID(data).Equal(id) {
		b.log.Warn("IPFS artifact does not match its content id", "path", mfsPath)
		return nil, interfaces.ErrContentNotFound
	}

	b.log.Debug("Fetched artifact from IPFS",
		slog.String("path", mfsPath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	mfsPath := b.mfsPath(id, contentType)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	err := b.shell.FilesWrite(ctx, mfsPath, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write artifact to IPFS: %w", err)
	}

	b.log.Debug("Archived artifact to IPFS", "path", mfsPath, "contentID", id.String())
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) mfsPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.root, contentType.String(), id.String())
}
