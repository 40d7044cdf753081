// Package addr defines the 20-byte account address used across the service
// and the deterministic derivation scheme the token factory relies on.
package addr

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Size is the address width in bytes.
const Size = 20

// deriveTag domain-separates factory derivation from every other use of the
// hash. The derived address depends only on (factory, owner, template hash),
// so callers can compute it before the token exists.
const deriveTag = 0xf5

// Address identifies an account, a token or a contract-like principal.
type Address [Size]byte

// Zero is the empty address.
var Zero Address

var ErrInvalidAddress = errors.New("invalid address")

// String renders the address as 0x-prefixed lower-case hex.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Zero }

// MarshalText implements encoding.TextMarshaler for JSON payloads.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse decodes a 0x-prefixed (or bare) 40-char hex address.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s) != Size*2 {
		return Zero, ErrInvalidAddress
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Zero, ErrInvalidAddress
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// FromPublicKey maps an ed25519 public key to its account address: the last
// 20 bytes of the key's SHA-256 digest. Permit signatures are bound to owner
// addresses through this mapping.
func FromPublicKey(pub ed25519.PublicKey) Address {
	sum := sha256.Sum256(pub)
	var a Address
	copy(a[:], sum[len(sum)-Size:])
	return a
}

// TemplateHash identifies a token code template by name. The factory feeds it
// into Derive so different templates land at different addresses.
func TemplateHash(template string) [32]byte {
	return sha256.Sum256([]byte(template))
}

// Derive computes the deterministic address a factory deploys a token to for
// a given owner. It is a pure function of its inputs: callers may compute the
// target address before deployment and verify the deploy landed exactly there.
func Derive(factory, owner Address, templateHash [32]byte) Address {
	h := sha256.New()
	h.Write([]byte{deriveTag})
	h.Write(factory[:])
	h.Write(owner[:])
	h.Write(templateHash[:])
	sum := h.Sum(nil)
	var a Address
	copy(a[:], sum[len(sum)-Size:])
	return a
}
