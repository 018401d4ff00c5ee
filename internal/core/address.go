package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressSize is the byte length of an account address.
const AddressSize = 32

// threadSeed prefixes every thread address derivation.
const threadSeed = "thread"

// Address identifies an account, program, authority or worker.
// Its text form is base58.
type Address [AddressSize]byte

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("decode address %q: %w", s, err)
	}
	if len(raw) != AddressSize {
		return a, fmt.Errorf("address %q is %d bytes, want %d", s, len(raw), AddressSize)
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the base58 encoding of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ThreadAddress derives the address of the thread named id owned by authority.
// The same (authority, id) pair always yields the same address.
func ThreadAddress(authority Address, id string) Address {
	h := sha256.New()
	h.Write([]byte(threadSeed))
	h.Write(authority[:])
	h.Write([]byte(id))
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// Sighash returns the first 8 bytes of sha256(namespace + ":" + name).
func Sighash(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
