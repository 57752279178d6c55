package tee

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/tee-attested-wallet/cryptoutils"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"golang.org/x/crypto/hkdf"
)

// ErrNotAttestable is returned by backends that cannot produce quotes.
var ErrNotAttestable = errors.New("tee backend cannot produce quotes")

// Simulator derives keys from a local seed. It exists for development and
// tests only and provides no isolation; New refuses it in production.
//
// Keys are HKDF-SHA256(seed, info=path). The subject never enters derivation.
type Simulator struct {
	seed     []byte
	attestor cryptoutils.AttestationProvider
}

// NewSimulator creates a simulator over seed (at least 32 bytes). attestor may
// be nil, in which case every quote request fails with ErrNotAttestable.
func NewSimulator(seed []byte, attestor cryptoutils.AttestationProvider) (*Simulator, error) {
	if len(seed) < 32 {
		return nil, errors.New("simulator seed must be at least 32 bytes")
	}
	s := &Simulator{seed: make([]byte, len(seed)), attestor: attestor}
	copy(s.seed, seed)
	return s, nil
}

func (s *Simulator) GetKey(ctx context.Context, path, _ string) (*interfaces.DerivedKeyResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.seed, nil, []byte(path)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return &interfaces.DerivedKeyResponse{Key: key}, nil
}

func (s *Simulator) GetQuote(ctx context.Context, reportData []byte) (*interfaces.QuoteResponse, error) {
	if s.attestor == nil {
		return nil, ErrNotAttestable
	}

	rd, err := cryptoutils.ReportDataFromBytes(reportData)
	if err != nil {
		return nil, err
	}
	quote, err := s.attestor.Attest(ctx, rd)
	if err != nil {
		return nil, fmt.Errorf("%s attestation: %w", s.attestor.AttestationType().StringID, err)
	}
	return &interfaces.QuoteResponse{Quote: quote}, nil
}

func (s *Simulator) Info(_ context.Context) (*interfaces.TEEInfo, error) {
	info := &interfaces.TEEInfo{
		Backend:    "simulator",
		AppName:    "simulator",
		Attestable: s.attestor != nil,
		Insecure:   true,
	}
	if s.attestor != nil {
		info.TCBInfo = s.attestor.AttestationType().StringID
	}
	return info, nil
}
