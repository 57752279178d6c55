package kms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/tee-attested-wallet/cryptoutils"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/tee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTEE struct {
	mock.Mock
}

func (m *MockTEE) GetKey(ctx context.Context, path, subject string) (*interfaces.DerivedKeyResponse, error) {
	args := m.Called(ctx, path, subject)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.DerivedKeyResponse), args.Error(1)
}

func (m *MockTEE) GetQuote(ctx context.Context, reportData []byte) (*interfaces.QuoteResponse, error) {
	args := m.Called(ctx, reportData)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.QuoteResponse), args.Error(1)
}

func (m *MockTEE) Info(ctx context.Context) (*interfaces.TEEInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(*interfaces.TEEInfo), args.Error(1)
}

func newSimulatorDeriver(t *testing.T, namespace string) *Deriver {
	sim, err := tee.NewSimulator([]byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)
	d, err := NewDeriver(sim, namespace)
	require.NoError(t, err)
	return d
}

func TestDerivationPath(t *testing.T) {
	path := DerivationPath("myapp", "alice")
	assert.True(t, strings.HasPrefix(path, "wallet/myapp/eth/"))
	// sha256 in hex
	assert.Len(t, strings.TrimPrefix(path, "wallet/myapp/eth/"), 64)

	unicodePath := DerivationPath("myapp", "ユーザー/../../etc")
	assert.Len(t, unicodePath, len(path))
	assert.Equal(t, 3, strings.Count(unicodePath, "/"))
}

func TestDeriver_Determinism(t *testing.T) {
	ctx := context.Background()
	d := newSimulatorDeriver(t, "myapp")

	first, err := d.Derive(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := d.Derive(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, first.Address, again.Address)
		assert.Equal(t, first.PublicKeyHex, again.PublicKeyHex)
	}

	assert.True(t, strings.HasPrefix(first.PublicKeyHex, "0x04"))
	assert.True(t, strings.HasPrefix(first.AddressHex(), "0x"))
	assert.Len(t, first.AddressHex(), 42)
}

func TestDeriver_Uniqueness(t *testing.T) {
	ctx := context.Background()
	d := newSimulatorDeriver(t, "myapp")

	seen := make(map[string]string)
	for i := 0; i < 50; i++ {
		userID := fmt.Sprintf("user-%03d", i)
		key, err := d.Derive(ctx, userID)
		require.NoError(t, err)
		prev, dup := seen[key.AddressHex()]
		require.False(t, dup, "address collision between %s and %s", prev, userID)
		seen[key.AddressHex()] = userID
	}
}

func TestDeriver_NamespaceSeparation(t *testing.T) {
	ctx := context.Background()

	a, err := newSimulatorDeriver(t, "app-a").Derive(ctx, "alice")
	require.NoError(t, err)
	b, err := newSimulatorDeriver(t, "app-b").Derive(ctx, "alice")
	require.NoError(t, err)

	assert.NotEqual(t, a.Address, b.Address)
}

func TestDeriver_Concurrent(t *testing.T) {
	ctx := context.Background()
	d := newSimulatorDeriver(t, "myapp")

	expected, err := d.Derive(ctx, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := d.Derive(ctx, "alice")
			if err != nil {
				errs <- err
				return
			}
			if key.Address != expected.Address {
				errs <- errors.New("address mismatch")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDeriver_SignRecover(t *testing.T) {
	key, err := newSimulatorDeriver(t, "myapp").Derive(context.Background(), "alice")
	require.NoError(t, err)

	sig, err := key.Sign([]byte("hello"))
	require.NoError(t, err)

	signer, err := cryptoutils.RecoverPersonalSigner([]byte("hello"), sig)
	require.NoError(t, err)
	assert.Equal(t, key.Address, signer)
}

func TestDeriver_SubjectIsLabelOnly(t *testing.T) {
	mockTEE := new(MockTEE)
	path := DerivationPath("myapp", "alice")
	mockTEE.On("GetKey", mock.Anything, path, "alice").
		Return(&interfaces.DerivedKeyResponse{Key: []byte("fixed key material")}, nil)

	d, err := NewDeriver(mockTEE, "myapp")
	require.NoError(t, err)

	key, err := d.Derive(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, path, key.Path)

	expected, err := cryptoutils.PrivateKeyFromKeyMaterial([]byte("fixed key material"))
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.AddressOf(&expected.PublicKey), key.Address)

	mockTEE.AssertExpectations(t)
}

func TestDeriver_TeeUnavailable(t *testing.T) {
	t.Run("wraps plain errors", func(t *testing.T) {
		mockTEE := new(MockTEE)
		mockTEE.On("GetKey", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		d, err := NewDeriver(mockTEE, "myapp")
		require.NoError(t, err)

		_, err = d.Derive(context.Background(), "alice")
		assert.ErrorIs(t, err, interfaces.ErrTeeUnavailable)
	})

	t.Run("keeps sentinel", func(t *testing.T) {
		mockTEE := new(MockTEE)
		mockTEE.On("GetKey", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: socket missing", interfaces.ErrTeeUnavailable))

		d, err := NewDeriver(mockTEE, "myapp")
		require.NoError(t, err)

		_, err = d.Derive(context.Background(), "alice")
		assert.ErrorIs(t, err, interfaces.ErrTeeUnavailable)
	})

	t.Run("empty key material", func(t *testing.T) {
		mockTEE := new(MockTEE)
		mockTEE.On("GetKey", mock.Anything, mock.Anything, mock.Anything).Return(&interfaces.DerivedKeyResponse{}, nil)

		d, err := NewDeriver(mockTEE, "myapp")
		require.NoError(t, err)

		_, err = d.Derive(context.Background(), "alice")
		assert.ErrorIs(t, err, interfaces.ErrTeeUnavailable)
	})
}

func TestDeriver_Validation(t *testing.T) {
	d := newSimulatorDeriver(t, "myapp")

	for _, userID := range []string{"", "ab", "   ", strings.Repeat("x", 51), "bad\nid"} {
		_, err := d.Derive(context.Background(), userID)
		_, isValidation := interfaces.AsValidationError(err)
		assert.True(t, isValidation, "expected validation error for %q, got %v", userID, err)
	}

	_, err := NewDeriver(nil, "myapp")
	assert.Error(t, err)

	sim, err := tee.NewSimulator([]byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)
	_, err = NewDeriver(sim, "")
	assert.Error(t, err)
	_, err = NewDeriver(sim, "a/b")
	assert.Error(t, err)
}
