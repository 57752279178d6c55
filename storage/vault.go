package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// VaultBackend archives artifacts in a HashiCorp Vault KV v2 secrets engine
// under {mount}/data/{dataPath}/{contentType}/{id}. Content is stored base64
// encoded since quotes are binary.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend authenticates with a static token. When token is empty the
// VAULT_TOKEN environment variable read by the Vault client is used.
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	secretPath := b.secretPath(id, contentType)

	secret, err := b.client.KVv2(b.mountPath).Get(ctx, secretPath)
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to read artifact from Vault", "path", secretPath, "err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	encoded, ok := secret.Data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault secret %s", secretPath)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault secret %s: %w", secretPath, err)
	}
	if !interfaces.ComputeID(data).Equal(id) {
		b.log.Warn("Vault artifact does not match its content id", "path", secretPath)
		return nil, interfaces.ErrContentNotFound
	}

	return data, nil
}

func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	secretPath := b.secretPath(id, contentType)

	_, err := b.client.KVv2(b.mountPath).Put(ctx, secretPath, map[string]interface{}{
		"content": base64.StdEncoding.EncodeToString(data),
		"type":    contentType.String(),
	})
	if err != nil {
		b.log.Error("Failed to write artifact to Vault", "path", secretPath, "err", err)
		return id, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Archived artifact to Vault", "path", secretPath, "contentID", id.String())
	return id, nil
}

// Available reports whether Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available", "initialized", health.Initialized, "sealed", health.Sealed)
		return false
	}
	return true
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/%s", contentType.String(), id.String())
	}
	return fmt.Sprintf("%s/%s/%s", b.dataPath, contentType.String(), id.String())
}
