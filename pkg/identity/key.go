package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Key is a secp256k1 signing key. It backs both participant wallets in
// tests and the attester key held by the oracle.
type Key struct {
	priv *ecdsa.PrivateKey
}

// GenerateKey creates a fresh random key.
func GenerateKey() (*Key, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Key{priv: priv}, nil
}

// KeyFromHex loads a key from a 0x-prefixed or bare hex-encoded scalar.
func KeyFromHex(s string) (*Key, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	priv, err := ethcrypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	return &Key{priv: priv}, nil
}

// Address returns the address derived from the key's public half.
func (k *Key) Address() Address {
	return Address(ethcrypto.PubkeyToAddress(k.priv.PublicKey))
}

// Sign produces a 65-byte r||s||v signature over a 32-byte digest.
func (k *Key) Sign(digest [32]byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest[:], k.priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Hex returns the hex-encoded private scalar. Handle with care.
func (k *Key) Hex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(k.priv))
}
