package cryptoutils

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateKeyFromKeyMaterial_Deterministic(t *testing.T) {
	material := []byte("tee key material for alice")

	k1, err := PrivateKeyFromKeyMaterial(material)
	require.NoError(t, err)
	k2, err := PrivateKeyFromKeyMaterial(material)
	require.NoError(t, err)

	assert.Equal(t, AddressOf(&k1.PublicKey), AddressOf(&k2.PublicKey))
	assert.Equal(t, PublicKeyHex(&k1.PublicKey), PublicKeyHex(&k2.PublicKey))

	other, err := PrivateKeyFromKeyMaterial([]byte("tee key material for bob"))
	require.NoError(t, err)
	assert.NotEqual(t, AddressOf(&k1.PublicKey), AddressOf(&other.PublicKey))

	_, err = PrivateKeyFromKeyMaterial(nil)
	assert.Error(t, err)
}

func TestPublicKeyHex_Uncompressed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	pub := PublicKeyHex(&key.PublicKey)
	assert.True(t, len(pub) == 2+130, "unexpected length %d", len(pub))
	assert.Equal(t, "0x04", pub[:4])
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := AddressOf(&key.PublicKey)

	sig, err := SignPersonalMessage(key, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := RecoverPersonalSigner([]byte("hello"), sig)
	require.NoError(t, err)
	assert.Equal(t, address, recovered)

	// 0/1 recovery ids are accepted as well
	raw := append([]byte{}, sig...)
	raw[64] -= 27
	recovered, err = RecoverPersonalSigner([]byte("hello"), raw)
	require.NoError(t, err)
	assert.Equal(t, address, recovered)

	tampered, err := RecoverPersonalSigner([]byte("hellp"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, address, tampered)
}

func TestRecoverPersonalSigner_Malformed(t *testing.T) {
	_, err := RecoverPersonalSigner([]byte("hello"), make([]byte, 64))
	assert.ErrorIs(t, err, ErrMalformedSignature)

	sig := make([]byte, SignatureLength)
	sig[64] = 35
	_, err = RecoverPersonalSigner([]byte("hello"), sig)
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestRecoverPersonalSigner_Unrecoverable(t *testing.T) {
	sig := make([]byte, SignatureLength)
	sig[64] = 27
	_, err := RecoverPersonalSigner([]byte("hello"), sig)
	assert.ErrorIs(t, err, ErrUnrecoverableSignature)
	assert.NotErrorIs(t, err, ErrMalformedSignature)
}

func TestDecodeHex(t *testing.T) {
	b, err := DecodeHex("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	b, err = DecodeHex("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	_, err = DecodeHex("0xabc")
	assert.Error(t, err)
}

func TestReportDataFromBytes(t *testing.T) {
	rd, err := ReportDataFromBytes([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, byte(1), rd[0])
	assert.Equal(t, byte(0), rd[63])

	_, err = ReportDataFromBytes(make([]byte, 65))
	assert.Error(t, err)
}
