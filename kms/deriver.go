package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/tee-attested-wallet/cryptoutils"
	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// DerivationPath returns the TEE key path for userID within namespace.
// The user id is hashed so the path has a fixed length and a safe alphabet
// regardless of the user id content.
func DerivationPath(namespace, userID string) string {
	userHash := sha256.Sum256([]byte(userID))
	return fmt.Sprintf("wallet/%s/eth/%s", namespace, hex.EncodeToString(userHash[:]))
}

// DerivedKey is a user's signing key as re-derived from the TEE. It is never
// persisted.
type DerivedKey struct {
	UserID       string
	Path         string
	Address      common.Address
	PublicKeyHex string

	privateKey *ecdsa.PrivateKey
}

// AddressHex returns the checksummed address.
func (k *DerivedKey) AddressHex() string {
	return k.Address.Hex()
}

// Sign produces an EIP-191 personal-message signature (r||s||v, v in {27,28}).
func (k *DerivedKey) Sign(message []byte) ([]byte, error) {
	return cryptoutils.SignPersonalMessage(k.privateKey, message)
}

// Deriver derives per-user keys from a TEE within one application namespace.
type Deriver struct {
	tee       interfaces.TEE
	namespace string
}

// NewDeriver creates a deriver. The namespace separates applications sharing
// the same TEE and must not contain '/'.
func NewDeriver(tee interfaces.TEE, namespace string) (*Deriver, error) {
	if tee == nil {
		return nil, errors.New("nil tee")
	}
	if namespace == "" || strings.Contains(namespace, "/") {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}
	return &Deriver{tee: tee, namespace: namespace}, nil
}

func (d *Deriver) Namespace() string {
	return d.namespace
}

// Derive requests the key for userID from the TEE. The user id is passed as
// the subject label only. Any TEE failure is reported as ErrTeeUnavailable.
func (d *Deriver) Derive(ctx context.Context, userID string) (*DerivedKey, error) {
	if err := interfaces.ValidateUserID(userID); err != nil {
		return nil, err
	}

	path := DerivationPath(d.namespace, userID)
	resp, err := d.tee.GetKey(ctx, path, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTeeUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrTeeUnavailable, err)
	}

	privateKey, err := cryptoutils.PrivateKeyFromKeyMaterial(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: unusable key material: %w", interfaces.ErrTeeUnavailable, err)
	}

	return &DerivedKey{
		UserID:       userID,
		Path:         path,
		Address:      cryptoutils.AddressOf(&privateKey.PublicKey),
		PublicKeyHex: cryptoutils.PublicKeyHex(&privateKey.PublicKey),
		privateKey:   privateKey,
	}, nil
}
