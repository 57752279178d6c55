package wallet

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// State is a step of a wallet operation.
type State int

const (
	StateRequested State = iota
	// StateKeyDerived is reached once the key (or, for verify, the expected
	// address) is resolved.
	StateKeyDerived
	StateSigned
	// StateVerificationOnly marks operations that never produce a signature.
	StateVerificationOnly
	StateAttested
	StateUploaded
	StateAudited
	StateCompleted
)

var stateNames = map[State]string{
	StateRequested:        "requested",
	StateKeyDerived:       "key-derived",
	StateSigned:           "signed",
	StateVerificationOnly: "verification-only",
	StateAttested:         "attested",
	StateUploaded:         "uploaded",
	StateAudited:          "audited",
	StateCompleted:        "completed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Only Attested and Uploaded may be skipped.
var transitions = map[State][]State{
	StateRequested:        {StateKeyDerived},
	StateKeyDerived:       {StateSigned, StateVerificationOnly},
	StateSigned:           {StateAttested, StateAudited},
	StateVerificationOnly: {StateAttested, StateAudited},
	StateAttested:         {StateUploaded, StateAudited},
	StateUploaded:         {StateAudited},
	StateAudited:          {StateCompleted},
}

var ErrIllegalTransition = errors.New("illegal operation state transition")

// CanTransition reports whether to may directly follow from.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// operation tracks the progress of one wallet call.
type operation struct {
	kind    interfaces.Operation
	state   State
	history []State
	started time.Time
	log     *slog.Logger
}

func newOperation(kind interfaces.Operation, log *slog.Logger) *operation {
	return &operation{
		kind:    kind,
		state:   StateRequested,
		history: []State{StateRequested},
		started: time.Now(),
		log:     log.With("operation", kind),
	}
}

func (o *operation) advance(to State) error {
	if !CanTransition(o.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.state, to)
	}
	o.log.Debug("operation state", "from", o.state, "to", to, "elapsed", time.Since(o.started))
	o.state = to
	o.history = append(o.history, to)
	return nil
}

func (o *operation) reached(s State) bool {
	for _, h := range o.history {
		if h == s {
			return true
		}
	}
	return false
}

func (o *operation) path() string {
	names := make([]string, len(o.history))
	for i, s := range o.history {
		names[i] = s.String()
	}
	return strings.Join(names, " -> ")
}
