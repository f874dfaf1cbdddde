package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/errs"
	"github.com/oxideterm/core/events"
	"github.com/oxideterm/core/router"
	"github.com/oxideterm/core/sshpool"
)

func newTestOrchestrator() (*Orchestrator, *router.Router) {
	bus := events.NewBus()
	pool := sshpool.New(nil, sshpool.Config{}, nil, nil)
	r := router.New(nil, pool, bus, nil)
	o := New(nil, r, bus, Config{MaxRetries: 0, DebounceWindow: 20 * time.Millisecond, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond})
	return o, r
}

type fakeDependent struct {
	id       string
	kind     string
	drained  bool
	restored bool
	failRestore bool
}

func (f *fakeDependent) Kind() string { return f.kind }
func (f *fakeDependent) ID() string   { return f.id }
func (f *fakeDependent) Drain() error {
	f.drained = true
	return nil
}
func (f *fakeDependent) Restore(client *ssh.Client) error {
	if f.failRestore {
		return errs.ErrInternal{Context: errs.InternalContext{Detail: "boom"}}
	}
	f.restored = true
	return nil
}

func TestRunIsNoOpWhenAlreadyActive(t *testing.T) {
	o, r := newTestOrchestrator()
	id := r.CreateNode(router.Node{DisplayName: "A"})
	r.SetReadinessActive(id)

	res := o.Run(context.Background(), id)
	require.NoError(t, res.Err)
	require.Empty(t, res.Succeeded)
	require.Empty(t, res.Failed)
}

func TestRunReturnsBusyWhenNodeLockHeld(t *testing.T) {
	o, r := newTestOrchestrator()
	id := r.CreateNode(router.Node{DisplayName: "A"})

	o.nodeLock(id).Lock()
	defer o.nodeLock(id).Unlock()

	res := o.Run(context.Background(), id)
	require.Error(t, res.Err)
	var busy errs.ErrBusyRetryLater
	require.ErrorAs(t, res.Err, &busy)
	require.Equal(t, errs.TagNodeLockBusy, busy.Context.Tag)
}

func TestRunReturnsBusyWhenChainLockHeld(t *testing.T) {
	o, r := newTestOrchestrator()
	id := r.CreateNode(router.Node{DisplayName: "A"})

	o.chainLock.Lock()
	defer o.chainLock.Unlock()

	res := o.Run(context.Background(), id)
	require.Error(t, res.Err)
	var busy errs.ErrBusyRetryLater
	require.ErrorAs(t, res.Err, &busy)
	require.Equal(t, errs.TagChainLockBusy, busy.Context.Tag)
}

func TestOnLinkDownDebouncesRepeatedNotifications(t *testing.T) {
	o, r := newTestOrchestrator()
	id := r.CreateNode(router.Node{DisplayName: "A"})

	o.OnLinkDown(id)
	o.OnLinkDown(id)
	o.OnLinkDown(id)

	o.mu.Lock()
	_, pending := o.pendingRoot[id]
	o.mu.Unlock()
	require.True(t, pending, "repeated link-down notifications within the debounce window should collapse to one pending root")

	time.Sleep(40 * time.Millisecond)

	o.mu.Lock()
	_, stillPending := o.pendingRoot[id]
	o.mu.Unlock()
	require.False(t, stillPending, "debounced recovery should fire once the window elapses")
}

func TestRegisterAndUnregisterDependent(t *testing.T) {
	o, r := newTestOrchestrator()
	id := r.CreateNode(router.Node{DisplayName: "A"})

	dep := &fakeDependent{id: "term-1", kind: "terminal"}
	o.RegisterDependent(id, dep)

	o.mu.Lock()
	require.Len(t, o.dependents[id], 1)
	o.mu.Unlock()

	o.UnregisterDependent(id, "term-1")

	o.mu.Lock()
	require.Empty(t, o.dependents[id])
	o.mu.Unlock()
}
