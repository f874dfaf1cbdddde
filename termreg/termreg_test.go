package termreg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingWrapsAndPreservesOrder(t *testing.T) {
	r := newRing(4)
	r.write([]byte("ab"))
	require.Equal(t, []byte("ab"), r.snapshot())

	r.write([]byte("cdef")) // overflows the 4-byte cap
	got := r.snapshot()
	require.Len(t, got, 4)
	require.Equal(t, []byte("cdef"), got)
}

func TestRingSnapshotIsPrefixSafe(t *testing.T) {
	r := newRing(1024)
	r.write([]byte("hello world"))
	before := r.snapshot()
	r.write([]byte(", more"))
	after := r.snapshot()
	require.Equal(t, before, after[:len(before)])
}

func TestWriteToUnknownTerminal(t *testing.T) {
	reg := New(nil, nil)
	err := reg.Write("nonexistent", []byte("x"))
	require.Error(t, err)
}

func TestResizeUnknownTerminal(t *testing.T) {
	reg := New(nil, nil)
	err := reg.Resize("nonexistent", 24, 80)
	require.Error(t, err)
}

func TestMarkAwaitingReattachUnknownTerminal(t *testing.T) {
	reg := New(nil, nil)
	// A terminal id that was never opened over a real transport cannot be
	// marked awaiting-reattach because no such session exists.
	err := reg.MarkAwaitingReattach("term-missing")
	require.Error(t, err)
}
