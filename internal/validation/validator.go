// Package validation checks client-supplied keys and values at the
// system boundary before they reach the LSM engine, grounded on
// storage-node/internal/validation/validator.go — narrowed to this
// store's boundary (no tenant id, no vector-clock entry limits; this
// design's per-key vector clocks live in internal/clock and are bounded
// by replica count, not client input).
package validation

import (
	"strings"
	"unicode"

	"github.com/devrev/pairdb-core/internal/errors"
)

const (
	MaxKeySize   = 1024
	MaxValueSize = 10 * 1024 * 1024
)

// Validator enforces size and character limits on keys and values.
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a Validator with the default limits.
func NewValidator() *Validator {
	return &Validator{maxKeySize: MaxKeySize, maxValueSize: MaxValueSize}
}

// NewValidatorWithLimits creates a Validator with custom limits.
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{maxKeySize: maxKeySize, maxValueSize: maxValueSize}
}

// ValidateWrite checks both key and value ahead of a Put.
func (v *Validator) ValidateWrite(key string, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateKey rejects empty keys, oversized keys, and keys carrying
// control characters or null bytes (the null-byte check specifically
// guards against a key that would sort or compare unexpectedly against
// internal range-scan bounds, which are plain Go strings).
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidArgument("key exceeds maximum size")
	}
	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidArgument("key cannot contain control characters")
		}
	}
	if strings.Contains(key, "\x00") {
		return errors.InvalidArgument("key cannot contain null bytes")
	}
	return nil
}

// ValidateValue allows nil/empty (tombstones write a nil value) but
// rejects anything over the configured limit.
func (v *Validator) ValidateValue(value []byte) error {
	if value == nil {
		return nil
	}
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument("value exceeds maximum size")
	}
	return nil
}
