// Package chain holds account addressing for the strategy layer.
//
// Addresses are Neo N3 script hashes. Registrar identities resolve to a
// script hash of the identity bytes; strategy and token identities are
// derived from a parent address and a seed the same way resource accounts
// are: sha3-256(parent || seed || 0xFF) truncated to 20 bytes.
package chain

import (
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"golang.org/x/crypto/sha3"
)

// Address identifies an account, a strategy or a token.
type Address = util.Uint160

// ZeroAddress is the null account. An owner offer to it revokes ownership.
var ZeroAddress Address

const derivationScheme = 0xFF

// ResolveRegistrarAddress maps an external owner identity to its address.
func ResolveRegistrarAddress(identity string) Address {
	return hash.Hash160([]byte(strings.TrimSpace(identity)))
}

// DeriveAddress derives a child address from parent and seed. It is a pure
// function of its inputs.
func DeriveAddress(parent Address, seed []byte) Address {
	buf := make([]byte, 0, util.Uint160Size+len(seed)+1)
	buf = append(buf, parent.BytesBE()...)
	buf = append(buf, seed...)
	buf = append(buf, derivationScheme)
	sum := sha3.Sum256(buf)

	var out Address
	copy(out[:], sum[:util.Uint160Size])
	return out
}

// StrategyAddress is the deterministic identity of a strategy name under a registrar.
func StrategyAddress(registrar Address, name string) Address {
	return DeriveAddress(registrar, []byte(name))
}

// TokenAddress is the deterministic identity of a minted unit.
func TokenAddress(strategy Address, name string, sequence uint64) Address {
	return DeriveAddress(strategy, []byte(fmt.Sprintf("%s #%d", name, sequence)))
}

// ParseAddress accepts either a Neo address ("N...") or a 0x-prefixed
// little-endian script hash.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ZeroAddress, fmt.Errorf("address required")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		u, err := util.Uint160DecodeStringLE(raw[2:])
		if err != nil {
			return ZeroAddress, fmt.Errorf("invalid script hash %q: %w", raw, err)
		}
		return u, nil
	}
	u, err := address.StringToUint160(raw)
	if err != nil {
		return ZeroAddress, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return u, nil
}

// FormatAddress renders a as a Neo address.
func FormatAddress(a Address) string {
	return address.Uint160ToString(a)
}

// Hex renders a as a 0x-prefixed little-endian script hash.
func Hex(a Address) string {
	return "0x" + a.StringLE()
}

// IsZero reports whether a is the null account.
func IsZero(a Address) bool {
	return a.Equals(ZeroAddress)
}
