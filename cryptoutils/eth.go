package cryptoutils

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the length of an r||s||v personal-sign signature.
const SignatureLength = crypto.SignatureLength

var (
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrUnrecoverableSignature is returned for well-formed signatures that
	// do not recover to any public key.
	ErrUnrecoverableSignature = errors.New("unrecoverable signature")
)

// PrivateKeyFromKeyMaterial converts raw TEE key material into a secp256k1
// private key. The material is hashed first so that structured input (such as
// DER-encoded keys whose leading bytes are fixed headers) contributes fully.
func PrivateKeyFromKeyMaterial(keyMaterial []byte) (*ecdsa.PrivateKey, error) {
	if len(keyMaterial) == 0 {
		return nil, errors.New("empty key material")
	}
	key, err := crypto.ToECDSA(crypto.Keccak256(keyMaterial))
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
	}
	return key, nil
}

// PublicKeyHex returns the 0x-prefixed uncompressed public key (0x04||X||Y).
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hexutil.Encode(crypto.FromECDSAPub(pub))
}

// AddressOf returns the Ethereum address of a public key.
func AddressOf(pub *ecdsa.PublicKey) common.Address {
	return crypto.PubkeyToAddress(*pub)
}

// SignPersonalMessage signs message with the EIP-191 personal-message prefix.
// The recovery id is returned in the 27/28 form.
func SignPersonalMessage(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverPersonalSigner returns the address that produced sig over message.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverPersonalSigner(message, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrUnrecoverableSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeHex decodes a hex string with or without the 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// ParseAddress parses a hex Ethereum address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
