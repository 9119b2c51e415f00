package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMultiError_ErrNilWhenEmpty(t *testing.T) {
	var m MultiError
	require.NoError(t, m.Err())
}

func TestMultiError_AddSkipsNil(t *testing.T) {
	var m MultiError
	m.Add(nil, nil)
	require.NoError(t, m.Err())
}

func TestMultiError_AddCombinesMessages(t *testing.T) {
	m := NewMultiError(errors.New("first"), errors.New("second"))
	err := m.Err()
	require.Error(t, err)
	require.Contains(t, err.Error(), "first")
	require.Contains(t, err.Error(), "second")
	require.Contains(t, err.Error(), "2 errors")
}

func TestMultiError_AddFlattensNestedMultiError(t *testing.T) {
	inner := NewMultiError(errors.New("a"), errors.New("b"))

	var outer MultiError
	outer.Add(inner.Err(), errors.New("c"))

	require.Len(t, outer, 3)
}
