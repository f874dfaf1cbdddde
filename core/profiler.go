package core

import (
	"context"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/errs"
)

// profilerSampleInterval is how often a node's profiler dependent
// samples resource usage over its SSH connection (spec §3's profiler
// dependent, §4.7 phases 1-2's "capture/terminate profiler state").
const profilerSampleInterval = 5 * time.Second

// profilerState is one node's running sampler loop.
type profilerState struct {
	stop chan struct{}
	done chan struct{}
}

// StartProfiler borrows nodeID's connection and starts periodic resource
// sampling over it, registering the sampler with the reconnection
// orchestrator so it survives a link-down/rebind cycle (spec §3, §9).
func (c *Core) StartProfiler(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	_, exists := c.profilers[nodeID]
	c.mu.Unlock()
	if exists {
		return nil
	}

	connID, client, err := c.router.Borrow(ctx, nodeID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.profilerConns[nodeID] = connID
	c.mu.Unlock()

	c.startProfiler(nodeID, client)
	c.orchestrator.RegisterDependent(nodeID, &profilerDependent{core: c, nodeID: nodeID})
	return nil
}

// StopProfiler stops nodeID's resource sampler and releases its borrowed
// connection.
func (c *Core) StopProfiler(nodeID string) error {
	c.stopProfiler(nodeID)
	c.orchestrator.UnregisterDependent(nodeID, nodeID)

	c.mu.Lock()
	connID, ok := c.profilerConns[nodeID]
	delete(c.profilerConns, nodeID)
	c.mu.Unlock()
	if ok {
		_ = c.router.Release(connID)
	}
	return nil
}

func (c *Core) startProfiler(nodeID string, client *ssh.Client) {
	st := &profilerState{stop: make(chan struct{}), done: make(chan struct{})}
	c.mu.Lock()
	c.profilers[nodeID] = st
	c.mu.Unlock()
	go c.profilerLoop(nodeID, client, st)
}

// stopProfiler halts nodeID's sampler goroutine without releasing its
// connection, used by profilerDependent.Drain (spec §4.7 phase 2's
// "terminate profiler timers"): the connection stays borrowed until
// StopProfiler is called explicitly.
func (c *Core) stopProfiler(nodeID string) {
	c.mu.Lock()
	st, ok := c.profilers[nodeID]
	delete(c.profilers, nodeID)
	c.mu.Unlock()
	if !ok {
		return
	}
	close(st.stop)
	<-st.done
}

func (c *Core) profilerLoop(nodeID string, client *ssh.Client, st *profilerState) {
	defer close(st.done)
	ticker := time.NewTicker(profilerSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			sample, err := sampleLoadAvg(client)
			if err != nil {
				c.log.Warn("profiler sample failed", "node", nodeID, "err", err)
				continue
			}
			c.bus.EmitProfilerSample(nodeID, sample)
		}
	}
}

// sampleLoadAvg reads /proc/loadavg over a one-shot SSH exec, the
// minimal resource-monitoring signal available on a node without an
// agent (spec §3's profiler dependent, §6's profiler.sample event).
func sampleLoadAvg(client *ssh.Client) (map[string]float64, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	out, err := session.Output("cat /proc/loadavg")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(out))
	if len(fields) < 3 {
		return nil, errs.ErrInternal{Context: errs.InternalContext{Detail: "unexpected loadavg output"}}
	}

	sample := make(map[string]float64, 3)
	for i, label := range []string{"load1", "load5", "load15"} {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "parse loadavg"}}
		}
		sample[label] = v
	}
	return sample, nil
}
