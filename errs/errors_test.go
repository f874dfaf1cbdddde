package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var testErr = errors.New("dial tcp: connection refused")

// Sanity check for the Error[C] construction/wrapping approach: kind
// equality via errors.Is, payload recovery via errors.As.
func TestErrorStrategy(t *testing.T) {
	var unreachable error = ErrUnreachable{Inner: testErr, Context: UnreachableContext{Address: "10.0.0.5:22"}}
	var authFailed error = ErrAuthFailed{Inner: unreachable, Context: AuthFailedContext{NodeID: "node-1"}}

	require.True(t, errors.Is(unreachable, ErrUnreachable{}))
	require.True(t, errors.Is(authFailed, ErrAuthFailed{}))
	require.True(t, errors.Is(authFailed, ErrUnreachable{}))

	var downcastAuth ErrAuthFailed
	var downcastUnreachable ErrUnreachable

	require.True(t, errors.As(authFailed, &downcastAuth))
	require.True(t, errors.As(authFailed, &downcastUnreachable))
	require.Equal(t, "node-1", downcastAuth.Context.NodeID)
	require.Equal(t, "10.0.0.5:22", downcastUnreachable.Context.Address)
}

func TestBusyRetryLaterTags(t *testing.T) {
	err := ErrBusyRetryLater{Context: BusyRetryLaterContext{Tag: TagChainLockBusy}}
	require.Contains(t, err.Error(), "CHAIN_LOCK_BUSY")

	chainErr := ErrBusyRetryLater{Context: BusyRetryLaterContext{Tag: ChainFailedTag(2, 4)}}
	require.Contains(t, chainErr.Error(), "CONNECTION_CHAIN_FAILED: 2/4")
}
