package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeConnection, "backend unreachable")

	assert.Equal(t, ErrorTypeConnection, err.Type)
	assert.Contains(t, err.Error(), "connection: backend unreachable")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := Wrap(cause, ErrorTypeConnection, "failed to reach backend")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestWrapNilReturnsNil(t *testing.T) {
	var typed *Error = Wrap(nil, ErrorTypeInternal, "ignored")
	assert.Nil(t, typed)
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeData, "bad payload").
		WithDetail("envelope_id", "abc").
		WithDetail("source", "NCA")

	assert.Equal(t, "abc", err.Details["envelope_id"])
	assert.Equal(t, "NCA", err.Details["source"])
}

func TestRetryableClassification(t *testing.T) {
	for _, typ := range []ErrorType{ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection} {
		assert.True(t, IsRetryable(New(typ, "x")), "%s must be retryable", typ)
		assert.False(t, IsTerminal(New(typ, "x")), "%s must not be terminal", typ)
	}
}

func TestTerminalClassification(t *testing.T) {
	for _, typ := range []ErrorType{ErrorTypeValidation, ErrorTypePolicy, ErrorTypeData, ErrorTypeCapability} {
		assert.True(t, IsTerminal(New(typ, "x")), "%s must be terminal", typ)
		assert.False(t, IsRetryable(New(typ, "x")), "%s must not be retryable", typ)
	}
}

func TestInternalIsNeitherRetryableNorTerminal(t *testing.T) {
	err := New(ErrorTypeInternal, "bug")
	assert.False(t, IsRetryable(err))
	assert.False(t, IsTerminal(err))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := New(ErrorTypeRateLimit, "throttled")
	outer := fmt.Errorf("collect failed: %w", inner)

	assert.True(t, IsRetryable(outer))
	assert.True(t, IsType(outer, ErrorTypeRateLimit))
	assert.Equal(t, ErrorTypeRateLimit, TypeOf(outer))
}

func TestTypeOfForeignError(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(stderrors.New("plain")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestWrapKeepsOriginalStack(t *testing.T) {
	inner := New(ErrorTypeConnection, "refused")
	outer := Wrap(inner, ErrorTypeConnection, "delivery failed")

	require.NotEmpty(t, outer.Stack)
	assert.Equal(t, inner.Stack[0], outer.Stack[0])
}
