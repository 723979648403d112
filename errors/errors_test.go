package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"schema violation", fmt.Errorf("key a: %w", ErrSchemaViolation), ErrorInvalid},
		{"state forbidden", ErrStateForbidden, ErrorInvalid},
		{"remote timeout", ErrRemoteTimeout, ErrorTransient},
		{"instance gone", ErrInstanceGone, ErrorTransient},
		{"channel error", fmt.Errorf("read: %w", ErrChannel), ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: errors.New("x")}, ErrorFatal},
		{"unknown", errors.New("something odd"), ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestWrapPreservesKind(t *testing.T) {
	err := WrapInvalid(ErrSchemaViolation, "Validator", "Validate", "check bounds")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaViolation))
	assert.True(t, IsInvalid(err))
	assert.Contains(t, err.Error(), "Validator.Validate: check bounds failed")

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Validator", ce.Component)
	assert.Equal(t, "Validate", ce.Operation)

	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{Instance: "dev1", Slot: "slotReconfigure", Message: "boom", Details: "trace"}
	assert.Equal(t, "remote exception from dev1.slotReconfigure: boom", err.Error())
}
