// Package identity provides the participant identity model: 20-byte
// secp256k1-derived addresses and the ECDSA signing/recovery primitives
// the settlement ledger verifies against.
package identity

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressLength is the byte length of an address.
const AddressLength = 20

// SignatureLength is the expected length of an ECDSA signature (r||s||v).
const SignatureLength = 65

// Address identifies a participant or the attester. The zero value is
// never a valid identity.
type Address [AddressLength]byte

// ZeroAddress is the invalid all-zero identity.
var ZeroAddress Address

// ParseAddress decodes a 0x-prefixed or bare hex address string.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address hex: %w", err)
	}
	if len(raw) != AddressLength {
		return Address{}, fmt.Errorf("invalid address length: expected %d bytes, got %d", AddressLength, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// Hex returns the 0x-prefixed lowercase hex encoding.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// String implements fmt.Stringer.
func (a Address) String() string { return a.Hex() }

// IsZero reports whether the address is the all-zero identity.
func (a Address) IsZero() bool {
	return bytes.Equal(a[:], ZeroAddress[:])
}

// Recover returns the address whose key produced sig over the 32-byte
// digest. sig is r||s||v as emitted by Key.Sign.
func Recover(digest [32]byte, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, fmt.Errorf("invalid signature length: expected %d, got %d", SignatureLength, len(sig))
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return Address(ethcrypto.PubkeyToAddress(*pub)), nil
}
