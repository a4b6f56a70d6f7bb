package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateKeyRejectsEmptyAndOversized(t *testing.T) {
	v := NewValidator()
	require.Error(t, v.ValidateKey(""))
	require.Error(t, v.ValidateKey(strings.Repeat("a", MaxKeySize+1)))
	require.NoError(t, v.ValidateKey("ok"))
}

func TestValidateKeyRejectsNullBytes(t *testing.T) {
	v := NewValidator()
	require.Error(t, v.ValidateKey("bad\x00key"))
}

func TestValidateValueAllowsNilForTombstones(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.ValidateValue(nil))
}

func TestValidateValueRejectsOversized(t *testing.T) {
	v := NewValidatorWithLimits(MaxKeySize, 4)
	require.Error(t, v.ValidateValue([]byte("too long")))
}
