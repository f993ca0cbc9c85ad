// Package ilp holds the Interledger primitives shared by the receiver and the
// HTTP surface: addresses, the payment packet and credential tokens.
package ilp

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid ILP address")

// ValidAddress reports whether addr is a dot separated ILP address whose
// segments use the characters [A-Za-z0-9_~-]. A trailing dot marks a prefix
// and is accepted.
func ValidAddress(addr string) bool {
	if addr == "" {
		return false
	}
	segments := strings.Split(strings.TrimSuffix(addr, "."), ".")
	for _, s := range segments {
		if s == "" {
			return false
		}
		for _, r := range s {
			if !isAddressRune(r) {
				return false
			}
		}
	}
	return true
}

func isAddressRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '~' || r == '-':
		return true
	}
	return false
}

// Suffix splits addr below prefix into its remaining segments.
func Suffix(prefix, addr string) ([]string, error) {
	if !ValidAddress(addr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	if !strings.HasPrefix(addr, prefix) {
		return nil, fmt.Errorf("%w: %q is not below %q", ErrInvalidAddress, addr, prefix)
	}
	rest := strings.TrimPrefix(addr, prefix)
	if rest == "" {
		return nil, fmt.Errorf("%w: %q has nothing below %q", ErrInvalidAddress, addr, prefix)
	}
	return strings.Split(rest, "."), nil
}
