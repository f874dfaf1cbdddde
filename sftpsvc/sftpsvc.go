// Package sftpsvc implements SFTP sessions and the transfer queue of spec
// §4.5: a per-connection channel opened lazily on first use, a
// bounded-concurrency transfer queue with an optional global byte-rate
// cap, and the resume protocol for transfers interrupted by link-down.
package sftpsvc

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15/v3"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/oxideterm/core/errs"
	"github.com/oxideterm/core/events"
)

// Direction is a transfer's direction (spec §3).
type Direction int

const (
	DirectionUpload Direction = iota
	DirectionDownload
)

// State is exactly the set in spec §3.
type State int

const (
	StatePending State = iota
	StateActive
	StatePaused
	StateCompleted
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ConflictPolicy governs what happens when a transfer's destination
// already exists (spec §4.5). Only ConflictSkip is enforced: an existing
// destination makes the start fail with AlreadyExists. ConflictAsk and
// ConflictRename behave like ConflictOverwrite; nothing prompts and
// nothing is renamed.
type ConflictPolicy int

const (
	ConflictAsk ConflictPolicy = iota
	ConflictOverwrite
	ConflictSkip
	ConflictRename
)

// Config tunes session-wide defaults (spec §4.5).
type Config struct {
	MaxConcurrency   int           // default 3
	GlobalByteRate   rate.Limit    // 0 disables the cap
	ProgressInterval time.Duration // default 100ms
	Conflict         ConflictPolicy
	OpTimeout        time.Duration // default 60s, spec §5
}

func defaultConfig() Config {
	return Config{
		MaxConcurrency:   3,
		ProgressInterval: 100 * time.Millisecond,
		OpTimeout:        60 * time.Second,
	}
}

// Transfer tracks one upload or download (spec §3).
type Transfer struct {
	ID         string
	Direction  Direction
	LocalPath  string
	RemotePath string
	Total      int64

	mu          sync.Mutex
	transferred int64
	state       State
	errReason   string
	startedAt   time.Time
	endedAt     time.Time
	cancel      context.CancelFunc
	resumeAt    int64
}

func (t *Transfer) snapshotState() (int64, State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred, t.state
}

// Session is one lazily-opened SFTP channel over a pooled SSH connection
// (spec §4.5).
type Session struct {
	log    log15.Logger
	nodeID string
	cfg    Config

	client *sftp.Client
	cwd    string

	limiter *rate.Limiter
	sem     chan struct{}

	mu        sync.Mutex
	transfers map[string]*Transfer

	bus          *events.Bus
	lastEmit     sync.Map // transferID -> time.Time, for the bounded emission rate
}

// Open lazily establishes the SFTP subsystem channel on client, per spec
// §4.5's "opened lazily on first use against a connection".
func Open(logger log15.Logger, bus *events.Bus, nodeID string, client *ssh.Client, cfg Config) (*Session, error) {
	if logger == nil {
		logger = log15.New()
	}
	cfg = mergeDefaults(cfg)
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "sftp subsystem open failed"}}
	}

	s := &Session{
		log:       logger.New("obj", "sftpsvc", "node", nodeID),
		nodeID:    nodeID,
		cfg:       cfg,
		client:    sc,
		bus:       bus,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		transfers: make(map[string]*Transfer),
	}
	if cfg.GlobalByteRate > 0 {
		s.limiter = rate.NewLimiter(cfg.GlobalByteRate, int(cfg.GlobalByteRate))
	}
	return s, nil
}

func mergeDefaults(cfg Config) Config {
	d := defaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = d.ProgressInterval
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = d.OpTimeout
	}
	return cfg
}

// List returns directory entries at path, relative to the session's
// working directory cursor.
func (s *Session) List(path string) ([]os.FileInfo, error) {
	entries, err := s.client.ReadDir(s.resolve(path))
	if err != nil {
		return nil, errs.ErrNotFound{Inner: err, Context: errs.NotFoundContext{Kind: "remote path", ID: path}}
	}
	return entries, nil
}

// Chdir moves the session's working directory cursor.
func (s *Session) Chdir(path string) { s.cwd = path }

func (s *Session) resolve(path string) string {
	if path == "" {
		return s.cwd
	}
	if s.cwd != "" && path[0] != '/' {
		return s.client.Join(s.cwd, path)
	}
	return path
}

// StartUpload enqueues an upload transfer from localPath to remotePath,
// honoring the session's concurrency cap and byte-rate cap (spec §4.5).
func (s *Session) StartUpload(localPath, remotePath string) (*Transfer, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, errs.ErrNotFound{Inner: err, Context: errs.NotFoundContext{Kind: "local path", ID: localPath}}
	}
	if err := s.checkConflict(remotePath); err != nil {
		return nil, err
	}

	t := s.newTransfer(DirectionUpload, localPath, remotePath, fi.Size())
	go s.runUpload(t, 0)
	return t, nil
}

// StartDownload enqueues a download transfer from remotePath to localPath.
func (s *Session) StartDownload(remotePath, localPath string) (*Transfer, error) {
	fi, err := s.client.Stat(remotePath)
	if err != nil {
		return nil, errs.ErrNotFound{Inner: err, Context: errs.NotFoundContext{Kind: "remote path", ID: remotePath}}
	}
	if err := s.checkLocalConflict(localPath); err != nil {
		return nil, err
	}

	t := s.newTransfer(DirectionDownload, localPath, remotePath, fi.Size())
	go s.runDownload(t, 0)
	return t, nil
}

func (s *Session) checkConflict(remotePath string) error {
	if s.cfg.Conflict == ConflictOverwrite || s.cfg.Conflict == ConflictRename {
		return nil
	}
	if _, err := s.client.Stat(remotePath); err == nil && s.cfg.Conflict == ConflictSkip {
		return errs.ErrAlreadyExists{Context: errs.AlreadyExistsContext{Kind: "remote file", ID: remotePath}}
	}
	return nil
}

func (s *Session) checkLocalConflict(localPath string) error {
	if s.cfg.Conflict == ConflictOverwrite || s.cfg.Conflict == ConflictRename {
		return nil
	}
	if _, err := os.Stat(localPath); err == nil && s.cfg.Conflict == ConflictSkip {
		return errs.ErrAlreadyExists{Context: errs.AlreadyExistsContext{Kind: "local file", ID: localPath}}
	}
	return nil
}

func (s *Session) newTransfer(dir Direction, local, remote string, total int64) *Transfer {
	id := "xfer-" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transfer{
		ID:         id,
		Direction:  dir,
		LocalPath:  local,
		RemotePath: remote,
		Total:      total,
		state:      StatePending,
		startedAt:  time.Now(),
		cancel:     cancel,
	}
	_ = ctx

	s.mu.Lock()
	s.transfers[id] = t
	s.mu.Unlock()
	return t
}

// runUpload streams localPath to remotePath starting at offset resumeFrom
// bytes, emitting bounded progress events (spec §4.5).
func (s *Session) runUpload(t *Transfer, resumeFrom int64) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	t.mu.Lock()
	t.state = StateActive
	t.transferred = resumeFrom
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	local, err := os.Open(t.LocalPath)
	if err != nil {
		s.fail(t, "open local file: "+err.Error())
		return
	}
	defer local.Close()
	if resumeFrom > 0 {
		if _, err := local.Seek(resumeFrom, io.SeekStart); err != nil {
			s.fail(t, "seek local file: "+err.Error())
			return
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if resumeFrom == 0 {
		flags |= os.O_TRUNC
	}
	remote, err := s.client.OpenFile(t.RemotePath, flags)
	if err != nil {
		s.fail(t, "open remote file: "+err.Error())
		return
	}
	defer remote.Close()
	if resumeFrom > 0 {
		if _, err := remote.Seek(resumeFrom, io.SeekStart); err != nil {
			s.failResume(t, err)
			return
		}
	}

	s.copyLoop(ctx, t, remote, local)
}

// runDownload streams remotePath to localPath, symmetric to runUpload.
func (s *Session) runDownload(t *Transfer, resumeFrom int64) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	t.mu.Lock()
	t.state = StateActive
	t.transferred = resumeFrom
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	remote, err := s.client.Open(t.RemotePath)
	if err != nil {
		s.fail(t, "open remote file: "+err.Error())
		return
	}
	defer remote.Close()
	if resumeFrom > 0 {
		if _, err := remote.Seek(resumeFrom, io.SeekStart); err != nil {
			s.failResume(t, err)
			return
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if resumeFrom == 0 {
		flags |= os.O_TRUNC
	}
	local, err := os.OpenFile(t.LocalPath, flags, 0o644)
	if err != nil {
		s.fail(t, "open local file: "+err.Error())
		return
	}
	defer local.Close()
	if resumeFrom > 0 {
		if _, err := local.Seek(resumeFrom, io.SeekStart); err != nil {
			s.fail(t, "seek local file: "+err.Error())
			return
		}
	}

	s.copyLoop(ctx, t, local, remote)
}

// failResume marks a transfer errored with the resume-unsupported reason
// of spec §4.5, for servers that reject a seek past the file's SFTP
// handle semantics.
func (s *Session) failResume(t *Transfer, cause error) {
	s.fail(t, fmt.Sprintf("resume-unsupported: %v", cause))
}

func (s *Session) fail(t *Transfer, reason string) {
	t.mu.Lock()
	t.state = StateErrored
	t.errReason = reason
	t.endedAt = time.Now()
	t.mu.Unlock()
	s.emitProgress(t, true)
}

// copyLoop moves bytes from src to dst, honoring the session's global
// byte-rate cap and emitting progress at a bounded rate, per spec §4.5.
func (s *Session) copyLoop(ctx context.Context, t *Transfer, dst io.Writer, src io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			if t.state == StateActive {
				t.state = StateCancelled
			}
			t.endedAt = time.Now()
			t.mu.Unlock()
			s.emitProgress(t, true)
			return
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if s.limiter != nil {
				_ = s.limiter.WaitN(ctx, n)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.fail(t, werr.Error())
				return
			}
			t.mu.Lock()
			t.transferred += int64(n)
			t.mu.Unlock()
			s.emitProgress(t, false)
		}
		if rerr != nil {
			if rerr == io.EOF {
				t.mu.Lock()
				t.state = StateCompleted
				t.endedAt = time.Now()
				t.mu.Unlock()
				s.emitProgress(t, true)
				return
			}
			s.fail(t, rerr.Error())
			return
		}
	}
}

// emitProgress publishes transfer.progress at most once per
// cfg.ProgressInterval per transfer, unless force is set (terminal state
// transitions always emit), per spec §4.5.
func (s *Session) emitProgress(t *Transfer, force bool) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	if !force {
		if last, ok := s.lastEmit.Load(t.ID); ok {
			if now.Sub(last.(time.Time)) < s.cfg.ProgressInterval {
				return
			}
		}
	}
	s.lastEmit.Store(t.ID, now)

	transferred, state := t.snapshotState()
	s.bus.EmitTransferProgress(t.ID, transferred, t.Total, state.String())
}

// Pause cooperatively cancels an active transfer's copy loop, preserving
// its transferred offset for a later Resume (spec §4.5).
func (s *Session) Pause(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return nil
	}
	t.state = StatePaused
	resumeAt := t.transferred
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.mu.Lock()
	t.resumeAt = resumeAt
	t.mu.Unlock()
	return nil
}

// Resume restarts a paused or errored transfer at its preserved offset by
// reopening the remote file and seeking to that offset (spec §4.5's
// resume protocol). No server capability is probed first; a seek failure
// marks the transfer errored with a resume-unsupported reason.
func (s *Session) Resume(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.state != StatePaused && t.state != StateErrored {
		t.mu.Unlock()
		return nil
	}
	resumeAt := t.transferred
	if t.resumeAt > 0 {
		resumeAt = t.resumeAt
	}
	dir := t.Direction
	t.mu.Unlock()

	if dir == DirectionUpload {
		go s.runUpload(t, resumeAt)
	} else {
		go s.runDownload(t, resumeAt)
	}
	return nil
}

// Cancel stops a transfer permanently.
func (s *Session) Cancel(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Get returns a transfer record by id.
func (s *Session) Get(id string) (*Transfer, error) {
	return s.get(id)
}

func (s *Session) get(id string) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "transfer", ID: id}}
	}
	return t, nil
}

// Rebind reopens the SFTP subsystem channel against client in place,
// preserving the session's transfer map (including a paused or errored
// transfer's preserved offset) instead of replacing the session, so a
// transfer.start against the same transfer id resumes where it left off
// (spec §4.7 phase 5, §8 scenario "transfer resume"). Grounded on
// termreg.Registry.Rebind's in-place channel swap.
func (s *Session) Rebind(client *ssh.Client) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "sftp subsystem reopen failed"}}
	}

	s.mu.Lock()
	old := s.client
	s.client = sc
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.log.Info("sftp session rebound")
	return nil
}

// Close releases the SFTP subsystem channel, cancelling any in-flight
// transfers (used by the orchestrator's drain phase, spec §4.7 phase 2).
// Each in-flight transfer is marked errored with its transferred offset
// preserved, so Resume can restart it after a Rebind.
func (s *Session) Close() error {
	s.mu.Lock()
	for _, t := range s.transfers {
		t.mu.Lock()
		if t.cancel != nil && (t.state == StateActive || t.state == StatePending) {
			t.state = StateErrored
			t.errReason = "session closed"
			t.resumeAt = t.transferred
			t.cancel()
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()
	return s.client.Close()
}
