package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ErrorString(t *testing.T) {
	e := New(KindInvalidArgument, "unknown reference foo")
	assert.Equal(t, "INVALID_ARGUMENT: unknown reference foo", e.Error())

	wrapped := Wrap(KindLibraryLoad, "failed to open plugin", errors.New("file not found"))
	assert.Equal(t, "LIBRARY_LOAD: failed to open plugin: file not found", wrapped.Error())
}

func TestError_IsSentinel(t *testing.T) {
	err := Wrap(KindCircularReference, "cycle {1,3,5}", nil)

	assert.True(t, errors.Is(err, ErrKindCircularReference))
	assert.False(t, errors.Is(err, ErrKindComponentActivation))
}

func TestError_AsUnwrapsCause(t *testing.T) {
	cause := errors.New("symbol not found")
	err := Wrap(KindLibraryLoad, "activator lookup failed", cause)

	var target *Error
	require.True(t, errors.As(err, &target))
	assert.Equal(t, KindLibraryLoad, target.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(New(KindManifestParse, "missing header"))
	require.True(t, ok)
	assert.Equal(t, KindManifestParse, kind)

	_, ok = KindOf(errors.New("plain error"))
	assert.False(t, ok)
}
