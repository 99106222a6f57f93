package payment

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidAddress means the value is not a 0x-prefixed 20-byte hex
// address.
var ErrInvalidAddress = errors.New("invalid ethereum address format")

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// NormalizeAddress lower-cases an address. Addresses are stored and
// compared in this form to avoid checksum-case mismatches.
func NormalizeAddress(address string) string {
	return strings.ToLower(address)
}

// ValidAddress reports whether the address has the 0x + 40 hex shape.
func ValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// ValidateAndNormalizeAddress validates the address shape and returns
// its normalized form.
func ValidateAndNormalizeAddress(address string) (string, error) {
	if !ValidAddress(address) {
		return "", ErrInvalidAddress
	}
	return NormalizeAddress(address), nil
}
