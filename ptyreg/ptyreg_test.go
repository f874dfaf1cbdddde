package ptyreg

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnWriteReadClose(t *testing.T) {
	var mu sync.Mutex
	var out bytes.Buffer
	done := make(chan struct{})

	reg := New(nil, func(id string, data []byte) {
		mu.Lock()
		out.Write(data)
		hasMarker := bytes.Contains(out.Bytes(), []byte("PTYREG_OK"))
		mu.Unlock()
		if hasMarker {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})

	id, err := reg.Spawn(Spec{Shell: "/bin/sh", Args: []string{"-c", "cat"}, Size: Size{Rows: 24, Cols: 80}})
	require.NoError(t, err)

	require.NoError(t, reg.Write(id, []byte("echo PTYREG_OK\n")))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pty output")
	}

	require.NoError(t, reg.Resize(id, 30, 100))
	require.NoError(t, reg.Close(id))

	_, err = reg.get(id)
	require.Error(t, err)
}

func TestWriteToUnknownPTY(t *testing.T) {
	reg := New(nil, nil)
	err := reg.Write("nonexistent", []byte("x"))
	require.Error(t, err)
}
