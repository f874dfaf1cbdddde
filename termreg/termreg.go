// Package termreg implements the session registry of spec §4.8: terminal
// sessions backed by SSH channels. Operations mirror ptyreg, but the
// channel is drawn from the SSH connection pool instead of a local PTY,
// and a session survives reconnection: on rebind the scrollback buffer,
// resize dimensions, and wire endpoint are reused in place, only the
// underlying channel handle is swapped (spec §4.8).
package termreg

import (
	"sync"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15/v3"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/errs"
)

// Size is a terminal's rows x cols dimension.
type Size struct {
	Rows uint16
	Cols uint16
}

// Status is a terminal session's streaming state (spec §3).
type Status int

const (
	StatusStreaming Status = iota
	StatusAwaitingReattach
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusStreaming:
		return "streaming"
	case StatusAwaitingReattach:
		return "awaiting-reattach"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OutputFunc receives bytes read from a terminal's channel, mirroring
// ptyreg.OutputFunc. Called from the session's dedicated reader goroutine.
type OutputFunc func(termID string, data []byte)

// ring is a bounded scrollback buffer, guarded by its own lock (spec §5c),
// acquired only by the reader task and the UI export path.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
	head int // ring index of the oldest byte once full
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 256 * 1024
	}
	return &ring{cap: capacity, buf: make([]byte, 0, capacity)}
}

func (r *ring) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		if len(r.buf) < r.cap {
			r.buf = append(r.buf, b)
		} else {
			r.full = true
			r.buf[r.head] = b
			r.head = (r.head + 1) % r.cap
		}
	}
}

// snapshot returns the scrollback contents in chronological order.
func (r *ring) snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]byte, len(r.buf))
		copy(out, r.buf)
		return out
	}
	out := make([]byte, r.cap)
	copy(out, r.buf[r.head:])
	copy(out[r.cap-r.head:], r.buf[:r.head])
	return out
}

// session is one terminal channel over an SSH connection.
type session struct {
	id       string
	nodeID   string
	scroll   *ring

	mu      sync.Mutex
	channel ssh.Channel
	size    Size
	status  Status

	readStop chan struct{}
}

// Registry owns interactive terminal channels over SSH (spec §4.8). Each
// session binds exactly one wire endpoint at a time, per spec §3's
// terminal invariant.
type Registry struct {
	log log15.Logger
	out OutputFunc

	mu       sync.Mutex
	sessions map[string]*session

	scrollbackCap int
}

// Option configures a Registry.
type Option func(*Registry)

// WithScrollbackCap overrides the default 256 KiB per-session scrollback
// retention (spec §3 I5).
func WithScrollbackCap(n int) Option {
	return func(r *Registry) { r.scrollbackCap = n }
}

// New constructs a Registry that reports terminal output via out.
func New(logger log15.Logger, out OutputFunc, opts ...Option) *Registry {
	if logger == nil {
		logger = log15.New()
	}
	r := &Registry{
		log:      logger.New("obj", "termreg"),
		out:      out,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open starts a new interactive shell channel on client and returns its
// terminal id (spec §4.8, §3: "owns exactly one channel for its
// lifetime").
func (r *Registry) Open(nodeID string, client *ssh.Client, rows, cols uint16) (string, error) {
	ch, err := openShellChannel(client, rows, cols)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	id := "term-" + uuid.NewString()
	s := &session{
		id:       id,
		nodeID:   nodeID,
		scroll:   newRing(r.scrollbackCap),
		channel:  ch,
		size:     Size{rows, cols},
		status:   StatusStreaming,
		readStop: make(chan struct{}),
	}
	r.sessions[id] = s
	r.mu.Unlock()

	go r.readPump(s)

	r.log.Info("terminal opened", "id", id, "node", nodeID)
	return id, nil
}

func openShellChannel(client *ssh.Client, rows, cols uint16) (ssh.Channel, error) {
	ch, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		return nil, errs.ErrUnreachable{Inner: err, Context: errs.UnreachableContext{Address: "ssh session channel"}}
	}
	go ssh.DiscardRequests(reqs)

	if _, err := ch.SendRequest("pty-req", true, ptyReqPayload(rows, cols)); err != nil {
		ch.Close()
		return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "pty-req failed"}}
	}
	if _, err := ch.SendRequest("shell", true, nil); err != nil {
		ch.Close()
		return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "shell request failed"}}
	}
	return ch, nil
}

func ptyReqPayload(rows, cols uint16) []byte {
	return ssh.Marshal(struct {
		Term     string
		Columns  uint32
		Rows     uint32
		Width    uint32
		Height   uint32
		ModeList string
	}{
		Term:    "xterm-256color",
		Columns: uint32(cols),
		Rows:    uint32(rows),
	})
}

// readPump is the session's single dedicated reader task (spec §4.2/§4.8
// concurrency discipline: exactly one reader per channel).
func (r *Registry) readPump(s *session) {
	buf := make([]byte, 32*1024)
	for {
		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()

		n, err := ch.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.scroll.write(chunk)
			if r.out != nil {
				r.out(s.id, chunk)
			}
		}
		if err != nil {
			s.mu.Lock()
			if s.status == StatusStreaming {
				s.status = StatusAwaitingReattach
			}
			s.mu.Unlock()
			return
		}
	}
}

// Write sends bytes to the session's channel (an Input frame payload).
func (r *Registry) Write(termID string, data []byte) error {
	s, err := r.get(termID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch, status := s.channel, s.status
	s.mu.Unlock()
	if status != StatusStreaming || ch == nil {
		return errs.ErrUnsupported{Context: errs.UnsupportedContext{Reason: "terminal is awaiting-reattach"}}
	}
	if _, err := ch.Write(data); err != nil {
		return errs.ErrResourceExhausted{Inner: err, Context: errs.ResourceExhaustedContext{Resource: "broken-pipe"}}
	}
	return nil
}

// Resize changes a session's rows/cols and forwards a window-change
// request on the live channel, if any.
func (r *Registry) Resize(termID string, rows, cols uint16) error {
	s, err := r.get(termID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = Size{rows, cols}
	if s.channel != nil && s.status == StatusStreaming {
		payload := ssh.Marshal(struct {
			Columns uint32
			Rows    uint32
			Width   uint32
			Height  uint32
		}{Columns: uint32(cols), Rows: uint32(rows)})
		_, _ = s.channel.SendRequest("window-change", false, payload)
	}
	return nil
}

// Size reports a session's current rows/cols. Rebind reuses the same
// stored dimensions when it re-creates the channel (spec §4.7 phase 5).
func (r *Registry) Size(termID string) (Size, error) {
	s, err := r.get(termID)
	if err != nil {
		return Size{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}

// Scrollback returns the session's current scrollback contents in
// chronological order, used for UI export and property tests verifying
// "prefix of pre-event contents" (spec §8).
func (r *Registry) Scrollback(termID string) ([]byte, error) {
	s, err := r.get(termID)
	if err != nil {
		return nil, err
	}
	return s.scroll.snapshot(), nil
}

// Status reports a session's current streaming state.
func (r *Registry) Status(termID string) (Status, error) {
	s, err := r.get(termID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// MarkAwaitingReattach transitions a session to awaiting-reattach without
// touching its scrollback or dimensions, called by the orchestrator's
// snapshot/drain phases (spec §4.7 phases 1-2) for sessions the reader
// hasn't yet observed as broken.
func (r *Registry) MarkAwaitingReattach(termID string) error {
	s, err := r.get(termID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	s.status = StatusAwaitingReattach
	s.mu.Unlock()
	return nil
}

// Rebind re-creates the session's channel on client after a successful
// reconnection, preserving the session id, scrollback, and dimensions
// (spec §4.8's "reused in place ... only the underlying channel handle is
// swapped").
func (r *Registry) Rebind(termID string, client *ssh.Client) error {
	s, err := r.get(termID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rows, cols := s.size.Rows, s.size.Cols
	s.mu.Unlock()

	ch, err := openShellChannel(client, rows, cols)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.channel = ch
	s.status = StatusStreaming
	s.mu.Unlock()

	go r.readPump(s)
	r.log.Info("terminal rebound", "id", termID)
	return nil
}

// Close terminates a session's channel and removes it from the registry.
func (r *Registry) Close(termID string) error {
	s, err := r.get(termID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.channel != nil {
		_ = s.channel.Close()
	}
	s.status = StatusClosed
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, termID)
	r.mu.Unlock()
	return nil
}

// List returns the ids of every terminal session currently tracked.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// NodeOf returns the owning node id for a terminal session.
func (r *Registry) NodeOf(termID string) (string, error) {
	s, err := r.get(termID)
	if err != nil {
		return "", err
	}
	return s.nodeID, nil
}

func (r *Registry) get(termID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[termID]
	if !ok {
		return nil, errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "terminal", ID: termID}}
	}
	return s, nil
}
