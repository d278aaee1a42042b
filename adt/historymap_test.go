package adt_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filstate/core/adt"
)

var errSentinel = errors.New("err")

func TestHistoryMapInsertRollback(t *testing.T) {
	h := adt.NewHistoryMap()

	h.Insert("a", 1)
	h.Insert("b", 2)
	mark := h.Len()

	h.Insert("a", 10)
	h.Insert("c", 3)
	_, _ = h.Remove("b")

	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 10, v)
	_, ok = h.Get("b")
	require.False(t, ok)
	v, ok = h.Get("c")
	require.True(t, ok)
	require.Equal(t, 3, v)

	h.Rollback(mark)

	v, ok = h.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = h.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = h.Get("c")
	require.False(t, ok)
	require.Equal(t, mark, h.Len())
}

func TestHistoryMapRollbackToZeroUndoesInserts(t *testing.T) {
	h := adt.NewHistoryMap()
	h.Insert("x", "v1")
	h.Insert("y", "v2")
	h.Rollback(0)

	_, ok := h.Get("x")
	require.False(t, ok)
	_, ok = h.Get("y")
	require.False(t, ok)
	require.Equal(t, 0, h.Len())
}

func TestHistoryMapDiscardHistoryKeepsContents(t *testing.T) {
	h := adt.NewHistoryMap()
	h.Insert("k", "v")
	h.DiscardHistory()

	v, ok := h.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Equal(t, 0, h.Len())

	// With history discarded, a rollback to 0 is a no-op: there is nothing
	// left to undo, so the committed value survives.
	h.Rollback(0)
	v, ok = h.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

// TestHistoryMapAlgebra reproduces the reference engine's history_map unit
// test step for step: a sequence of inserts, partial rollbacks, a full
// rollback, then get_or_try_insert_with exercising both the cached-hit and
// the error-bubbling paths.
func TestHistoryMapAlgebra(t *testing.T) {
	m := adt.NewHistoryMap()

	_, ok := m.Get(1)
	require.False(t, ok)
	require.Equal(t, 0, m.Len())

	m.Insert(1, "foo")
	require.Equal(t, 1, m.Len())
	v, _ := m.Get(1)
	require.Equal(t, "foo", v)

	m.Insert(2, "bar")
	require.Equal(t, 2, m.Len())
	v, _ = m.Get(1)
	require.Equal(t, "foo", v)
	v, _ = m.Get(2)
	require.Equal(t, "bar", v)

	m.Insert(1, "baz")
	require.Equal(t, 3, m.Len())
	v, _ = m.Get(1)
	require.Equal(t, "baz", v)

	m.Rollback(4) // past the end: no-op
	require.Equal(t, 3, m.Len())
	m.Rollback(3) // no-op
	require.Equal(t, 3, m.Len())
	v, _ = m.Get(1)
	require.Equal(t, "baz", v)

	m.Rollback(2) // undoes 1 -> baz
	require.Equal(t, 2, m.Len())
	v, _ = m.Get(1)
	require.Equal(t, "foo", v)
	v, _ = m.Get(2)
	require.Equal(t, "bar", v)

	m.Rollback(1) // undoes 2 -> bar
	require.Equal(t, 1, m.Len())
	v, _ = m.Get(1)
	require.Equal(t, "foo", v)
	_, ok = m.Get(2)
	require.False(t, ok)

	m.Rollback(0) // empties the map
	require.Equal(t, 0, m.Len())
	_, ok = m.Get(1)
	require.False(t, ok)

	v, err := m.GetOrInsertWith(1, func() (interface{}, error) { return "foo", nil })
	require.NoError(t, err)
	require.Equal(t, "foo", v)
	v, _ = m.Get(1)
	require.Equal(t, "foo", v)
	require.Equal(t, 1, m.Len())

	v, err = m.GetOrInsertWith(1, func() (interface{}, error) { panic("must not be called") })
	require.NoError(t, err)
	require.Equal(t, "foo", v)
	require.Equal(t, 1, m.Len())

	_, err = m.GetOrInsertWith(2, func() (interface{}, error) { return nil, errSentinel })
	require.Equal(t, errSentinel, err)
	_, ok = m.Get(2)
	require.False(t, ok)
	require.Equal(t, 1, m.Len())

	m.Rollback(0)
	require.Equal(t, 0, m.Len())
	_, ok = m.Get(1)
	require.False(t, ok)
}

func TestHistoryMapGetOrInsertWith(t *testing.T) {
	h := adt.NewHistoryMap()
	calls := 0
	compute := func() (interface{}, error) {
		calls++
		return 42, nil
	}

	v, err := h.GetOrInsertWith("k", compute)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)

	v, err = h.GetOrInsertWith("k", compute)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls, "second call should not recompute")
}
