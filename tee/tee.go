// Package tee provides the TEE capability used by the wallet: a client for the
// dstack guest agent and an explicitly selected development simulator.
//
// There is no automatic fallback between backends. A dstack backend that
// cannot be reached fails every key request with interfaces.ErrTeeUnavailable,
// and the simulator can only be selected outside of production.
package tee

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/tee-attested-wallet/cryptoutils"
	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// Backend names accepted by New.
const (
	BackendDstack    = "dstack"
	BackendSimulator = "simulator"
)

// ErrInsecureBackend is returned when the simulator is requested in production.
var ErrInsecureBackend = errors.New("simulator tee backend is not allowed in production")

// Config selects and configures a TEE backend.
type Config struct {
	Backend     string
	Environment interfaces.Environment

	// Endpoint of the dstack guest agent.
	Endpoint       string
	RequestTimeout time.Duration

	// SimulatorSeedHex is the hex encoded simulator seed.
	SimulatorSeedHex string
	// SimulatorAttestation is parsed by cryptoutils.AttestationProviderFromString.
	// Empty disables quotes.
	SimulatorAttestation string
}

// New constructs the configured backend.
func New(cfg Config) (interfaces.TEE, error) {
	switch cfg.Backend {
	case BackendDstack, "":
		return NewDstackClient(cfg.Endpoint, cfg.RequestTimeout)

	case BackendSimulator:
		if cfg.Environment.IsProduction() {
			return nil, ErrInsecureBackend
		}

		seed, err := hex.DecodeString(cfg.SimulatorSeedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid simulator seed: %w", err)
		}

		var attestor cryptoutils.AttestationProvider
		if cfg.SimulatorAttestation != "" {
			attestor, err = cryptoutils.AttestationProviderFromString(cfg.SimulatorAttestation)
			if err != nil {
				return nil, err
			}
		}
		return NewSimulator(seed, attestor)

	default:
		return nil, fmt.Errorf("unknown tee backend %q", cfg.Backend)
	}
}
