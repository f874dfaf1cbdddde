// Package ptyreg implements the local PTY registry of spec §4.2: it owns
// child processes with attached pseudo-terminals, pumping each PTY's
// output through one dedicated reader goroutine. Writes run on the
// caller's goroutine and are serialized by a per-PTY write mutex, so at
// most one write is in flight per PTY; there is no dedicated writer
// goroutine. The registry's map lock is never held across I/O (spec
// §4.2, §5).
package ptyreg

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/inconshreveable/log15/v3"

	"github.com/oxideterm/core/errs"
)

// Size is a terminal's rows x cols dimension.
type Size struct {
	Rows uint16
	Cols uint16
}

// Spec describes the child process to spawn, per spec §3's Local PTY
// attributes (shell path and arguments, working directory, inherited and
// injected environment, rows x cols).
type Spec struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string // injected vars, appended to the inherited environment
	Size  Size
}

// OutputFunc receives bytes read from a PTY's master side. The registry
// calls it from the PTY's dedicated reader goroutine; implementations
// must not block for long, matching the wire framer's non-buffering
// contract (spec §4.1).
type OutputFunc func(ptyID string, data []byte)

// entry is one live child process + its pseudo-terminal pair.
type entry struct {
	id     string
	cmd    *exec.Cmd
	master *os.File
	size   Size

	writeMu sync.Mutex // guards writes to master; never held across a blocking read

	mu    sync.Mutex
	alive bool
}

// Registry owns all local PTYs. Its internal map lock is held only long
// enough to read or mutate the map itself (spec §4.2's "short-lived lock
// that never spans I/O").
type Registry struct {
	log log15.Logger
	out OutputFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Registry that reports PTY output via out.
func New(logger log15.Logger, out OutputFunc) *Registry {
	if logger == nil {
		logger = log15.New()
	}
	return &Registry{
		log:     logger.New("obj", "ptyreg"),
		out:     out,
		entries: make(map[string]*entry),
	}
}

// Spawn starts a child process attached to a new pseudo-terminal pair and
// returns its pty_id. Output is pumped on a dedicated reader goroutine
// (spec §4.2); writes are made synchronously by Write.
func (r *Registry) Spawn(spec Spec) (string, error) {
	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append([]string{}, os.Environ()...), spec.Env...)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Size.Rows, Cols: spec.Size.Cols})
	if err != nil {
		return "", errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "pty spawn failed"}}
	}

	r.mu.Lock()
	id := "pty-" + uuid.NewString()
	e := &entry{id: id, cmd: cmd, master: master, size: spec.Size, alive: true}
	r.entries[id] = e
	r.mu.Unlock()

	go r.readPump(e)
	go r.reapWhenDone(e)

	r.log.Info("pty spawned", "id", id, "shell", spec.Shell)
	return id, nil
}

// readPump is the PTY's single dedicated reader task. It never holds the
// registry lock while blocked in Read.
func (r *Registry) readPump(e *entry) {
	buf := make([]byte, 32*1024)
	for {
		n, err := e.master.Read(buf)
		if n > 0 && r.out != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.out(e.id, chunk)
		}
		if err != nil {
			r.markDead(e)
			return
		}
	}
}

func (r *Registry) reapWhenDone(e *entry) {
	_ = e.cmd.Wait()
	r.markDead(e)
}

func (r *Registry) markDead(e *entry) {
	e.mu.Lock()
	wasAlive := e.alive
	e.alive = false
	e.mu.Unlock()
	if wasAlive {
		r.log.Info("pty exited", "id", e.id)
	}
}

// Write sends bytes to the PTY's child process (spec §4.2's write
// operation, consuming Input frames). A write to a dead child returns
// broken-pipe and removes the entry from the registry.
func (r *Registry) Write(ptyID string, data []byte) error {
	e, err := r.get(ptyID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	alive := e.alive
	e.mu.Unlock()
	if !alive {
		r.remove(ptyID)
		return errs.ErrResourceExhausted{Context: errs.ResourceExhaustedContext{Resource: "broken-pipe"}}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.master.Write(data); err != nil {
		r.markDead(e)
		r.remove(ptyID)
		return errs.ErrResourceExhausted{Inner: err, Context: errs.ResourceExhaustedContext{Resource: "broken-pipe"}}
	}
	return nil
}

// Resize changes a PTY's rows/cols.
func (r *Registry) Resize(ptyID string, rows, cols uint16) error {
	e, err := r.get(ptyID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(e.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "resize failed"}}
	}
	e.mu.Lock()
	e.size = Size{Rows: rows, Cols: cols}
	e.mu.Unlock()
	return nil
}

// Close terminates the PTY's child process and releases its file
// descriptors.
func (r *Registry) Close(ptyID string) error {
	e, err := r.get(ptyID)
	if err != nil {
		return err
	}
	r.markDead(e)
	_ = e.master.Close()
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	r.remove(ptyID)
	return nil
}

// List returns the ids of all PTYs currently tracked, alive or not yet
// reaped.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// DrainCleanup removes entries whose child has exited and returns their
// ids, per spec §4.2.
func (r *Registry) DrainCleanup() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.entries {
		e.mu.Lock()
		alive := e.alive
		e.mu.Unlock()
		if !alive {
			delete(r.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *Registry) get(ptyID string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ptyID]
	if !ok {
		return nil, errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "pty", ID: ptyID}}
	}
	return e, nil
}

func (r *Registry) remove(ptyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ptyID)
}
