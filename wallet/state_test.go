package wallet

import (
	"testing"

	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateRequested, StateKeyDerived, true},
		{StateKeyDerived, StateSigned, true},
		{StateKeyDerived, StateVerificationOnly, true},
		{StateSigned, StateAttested, true},
		{StateSigned, StateAudited, true},
		{StateAttested, StateUploaded, true},
		{StateAttested, StateAudited, true},
		{StateUploaded, StateAudited, true},
		{StateAudited, StateCompleted, true},

		{StateRequested, StateSigned, false},
		{StateRequested, StateAudited, false},
		{StateKeyDerived, StateAudited, false},
		{StateSigned, StateUploaded, false},
		{StateSigned, StateVerificationOnly, false},
		{StateUploaded, StateCompleted, false},
		{StateCompleted, StateRequested, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestOperation_Advance(t *testing.T) {
	op := newOperation(interfaces.OperationSign, discardLogger)
	for _, s := range []State{StateKeyDerived, StateSigned, StateAttested, StateAudited, StateCompleted} {
		require.NoError(t, op.advance(s))
	}
	assert.True(t, op.reached(StateAttested))
	assert.False(t, op.reached(StateUploaded))
	assert.Equal(t, "requested -> key-derived -> signed -> attested -> audited -> completed", op.path())

	err := op.advance(StateRequested)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateCompleted, op.state)
}

func TestOperation_CannotSkipKeyDerivation(t *testing.T) {
	op := newOperation(interfaces.OperationSignup, discardLogger)
	assert.ErrorIs(t, op.advance(StateVerificationOnly), ErrIllegalTransition)
	assert.Equal(t, StateRequested, op.state)
	assert.Equal(t, "state(42)", State(42).String())
}
