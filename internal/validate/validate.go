// Package validate provides stateless input-shape checks used by the
// lifecycle engines. Every check is pure: it inspects its arguments and
// returns a field-scoped validation error or nil.
package validate

import (
	"strings"

	"github.com/healthlane/rxledger/internal/errs"
)

// maxIDLength bounds identifiers so they stay usable as ledger keys.
const maxIDLength = 128

// injectionChars are rejected in identifiers to keep them safe for key
// construction and rich-query selectors.
const injectionChars = "\"'`<>&;\\{}$\x00"

// ID checks an identifier: non-empty, bounded, no control or injection-style
// characters, no surrounding whitespace.
func ID(field, value string) error {
	if value == "" {
		return errs.MissingField(field)
	}
	if len(value) > maxIDLength {
		return errs.Validation(field, "identifier exceeds %d characters", maxIDLength)
	}
	if strings.TrimSpace(value) != value {
		return errs.Validation(field, "identifier has leading or trailing whitespace")
	}
	if strings.ContainsAny(value, injectionChars) {
		return errs.Validation(field, "identifier contains forbidden characters")
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return errs.Validation(field, "identifier contains control characters")
		}
	}
	return nil
}

// NonEmpty checks that a free-text value is present.
func NonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errs.MissingField(field)
	}
	return nil
}

// Positive checks that a numeric value is strictly greater than zero.
func Positive(field string, value float64) error {
	if value <= 0 {
		return errs.Validation(field, "must be a positive number, got %v", value)
	}
	return nil
}

// NonNegative checks that a numeric value is zero or greater.
func NonNegative(field string, value int) error {
	if value < 0 {
		return errs.Validation(field, "must not be negative, got %d", value)
	}
	return nil
}
