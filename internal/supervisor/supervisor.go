// Package supervisor launches and tracks engine processes. Every spawned
// process gets a persisted record so a separate invocation can find and
// terminate it; liveness is judged over the IPC channel, never from OS
// process status alone.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"engined/internal/ipc"
)

// Config tunes supervision timing. Zero values take the defaults below.
type Config struct {
	RecordDir string
	// GracePeriod is how long a process gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// ForcePeriod is how long to wait for death after SIGKILL.
	ForcePeriod time.Duration
	// PollInterval paces liveness and readiness checks.
	PollInterval time.Duration
	// ReadyTimeout bounds WaitReady when the caller's context has no
	// deadline of its own.
	ReadyTimeout time.Duration
}

const (
	defaultGracePeriod  = 2 * time.Second
	defaultForcePeriod  = 1 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultReadyTimeout = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ForcePeriod <= 0 {
		c.ForcePeriod = defaultForcePeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
}

// Handle is the live view of one supervised process. It is owned by the
// Supervisor that created it; other components hold it read-only.
type Handle struct {
	PID       int
	ID        string
	Host      string
	StartedAt time.Time
	Client    ipc.Client

	mu     sync.Mutex
	health ipc.HealthState

	// Set only for processes this invocation spawned.
	waitCh chan error
	stderr *bytes.Buffer
}

// Health returns the last observed health state.
func (h *Handle) Health() ipc.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

func (h *Handle) setHealth(s ipc.HealthState) {
	h.mu.Lock()
	h.health = s
	h.mu.Unlock()
}

func (h *Handle) stderrTail() string {
	if h.stderr == nil {
		return ""
	}
	s := h.stderr.String()
	if len(s) > 4096 {
		s = s[len(s)-4096:]
	}
	return s
}

// Supervisor spawns, watches, and kills engine processes.
type Supervisor struct {
	cfg     Config
	records *RecordStore
}

// New builds a Supervisor, creating the record directory if needed.
func New(cfg Config) (*Supervisor, error) {
	cfg.applyDefaults()
	records, err := NewRecordStore(cfg.RecordDir)
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg, records: records}, nil
}

// Records exposes the store for orphan discovery.
func (s *Supervisor) Records() *RecordStore { return s.records }

// SpawnSpec describes one launch.
type SpawnSpec struct {
	Command string
	Args    []string
	// ID keys the persisted process record.
	ID string
	// IPC configures how the spawned server will be reached.
	IPC ipc.Config
}

// Spawn launches the process and persists its record before returning. The
// returned handle is not yet ready; callers follow up with WaitReady.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	spec.IPC.ID = spec.ID
	client, err := ipc.New(spec.IPC)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Deliberately not CommandContext: the process must outlive the request
	// that asked for it. Its lifetime ends via Terminate.
	cmd := exec.Command(spec.Command, spec.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	pid := cmd.Process.Pid
	log.Printf("supervisor event=spawn id=%s pid=%d host=%s", spec.ID, pid, client.Host())

	if err := s.records.Write(spec.ID, pid); err != nil {
		// Without a record the process would be unfindable later; kill it
		// rather than leak it.
		_ = signalKill(pid)
		_ = cmd.Wait()
		return nil, fmt.Errorf("persist record for pid %d: %w", pid, err)
	}

	h := &Handle{
		PID:       pid,
		ID:        spec.ID,
		Host:      client.Host(),
		StartedAt: time.Now(),
		Client:    client,
		health:    ipc.HealthState{Kind: ipc.HealthStarting},
		waitCh:    make(chan error, 1),
		stderr:    &stderr,
	}
	go func() { h.waitCh <- cmd.Wait() }()
	return h, nil
}

// PollHealth observes the server once over IPC and updates the handle.
func (s *Supervisor) PollHealth(ctx context.Context, h *Handle) ipc.HealthState {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval*10)
	defer cancel()
	st := ipc.CheckHealth(ctx, h.Client)
	h.setHealth(st)
	return st
}

// WaitReady polls until the server reports Alive. It fails early when the
// process exits first, and with HealthTimeoutError when the window closes,
// carrying the last observed state.
func (s *Supervisor) WaitReady(ctx context.Context, h *Handle) error {
	timeout := s.cfg.ReadyTimeout
	if dl, ok := ctx.Deadline(); ok {
		if timeout = time.Until(dl); timeout < 0 {
			timeout = 0
		}
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if h.waitCh != nil {
			select {
			case werr := <-h.waitCh:
				_ = s.records.Remove(h.ID)
				if werr == nil {
					werr = errors.New("exited before ready")
				}
				log.Printf("supervisor event=exit_early id=%s pid=%d err=%v", h.ID, h.PID, werr)
				return &SpawnError{Command: h.ID, Err: werr, StderrTail: h.stderrTail()}
			default:
			}
		}
		if st := s.PollHealth(ctx, h); st.Kind == ipc.HealthAlive {
			log.Printf("supervisor event=ready id=%s pid=%d", h.ID, h.PID)
			return nil
		}

		select {
		case <-ctx.Done():
			return &HealthTimeoutError{After: timeout, Last: h.Health()}
		case <-ticker.C:
		}
	}
}

// Terminate walks the kill ladder: IPC stop, SIGTERM, SIGKILL, with bounded
// waits between rungs. A process that already exited is success. The record
// is removed on confirmed death and kept when the process survives, so the
// leak stays discoverable.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle) error {
	if h.Client != nil {
		stopCtx, cancel := context.WithTimeout(ctx, s.cfg.GracePeriod)
		_ = h.Client.Stop(stopCtx)
		cancel()
	}

	alive, err := pidAlive(h.PID)
	if err != nil {
		return fmt.Errorf("probe pid %d: %w", h.PID, err)
	}
	if alive {
		if err := signalTerm(h.PID); err != nil {
			return fmt.Errorf("sigterm pid %d: %w", h.PID, err)
		}
		alive = s.waitDead(h, s.cfg.GracePeriod)
	}
	if alive {
		log.Printf("supervisor event=force_kill id=%s pid=%d", h.ID, h.PID)
		if err := signalKill(h.PID); err != nil {
			return fmt.Errorf("sigkill pid %d: %w", h.PID, err)
		}
		alive = s.waitDead(h, s.cfg.ForcePeriod)
	}
	if alive {
		return &TerminationTimeoutError{PIDs: []int{h.PID}}
	}

	if err := s.records.Remove(h.ID); err != nil {
		return err
	}
	log.Printf("supervisor event=terminated id=%s pid=%d", h.ID, h.PID)
	return nil
}

// waitDead polls until the process is gone or the window closes, reporting
// whether it is still alive. Our own children are reaped through waitCh so
// they do not linger as zombies.
func (s *Supervisor) waitDead(h *Handle, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if h.waitCh != nil {
			select {
			case <-h.waitCh:
				h.waitCh = nil
				return false
			default:
			}
		}
		alive, err := pidAlive(h.PID)
		if err != nil || !alive {
			return false
		}
		if time.Now().After(deadline) {
			return true
		}
		time.Sleep(s.cfg.PollInterval)
	}
}

// Discover rebuilds a handle from a persisted record, for processes this
// invocation did not spawn. The IPC client is optional; without one,
// Terminate goes straight to signals.
func (s *Supervisor) Discover(id string, client ipc.Client) (*Handle, error) {
	pid, err := s.records.Read(id)
	if err != nil {
		return nil, err
	}
	h := &Handle{PID: pid, ID: id, Client: client}
	if client != nil {
		h.Host = client.Host()
	}
	return h, nil
}

// ReapOrphans terminates every recorded process matching the id pattern and
// removes the records regardless of whether the processes still existed. An
// empty record set is a successful no-op. Survivors are reported joined,
// after every record has been attempted.
func (s *Supervisor) ReapOrphans(ctx context.Context, pattern string) ([]string, error) {
	ids, err := s.records.List(pattern)
	if err != nil {
		return nil, err
	}
	var errs []error
	reaped := make([]string, 0, len(ids))
	for _, id := range ids {
		h, err := s.Discover(id, nil)
		if err != nil {
			// Record vanished or unreadable; either way, it is no longer
			// actionable.
			_ = s.records.Remove(id)
			reaped = append(reaped, id)
			continue
		}
		if terr := s.Terminate(ctx, h); terr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, terr))
		}
		_ = s.records.Remove(id)
		reaped = append(reaped, id)
		log.Printf("supervisor event=reap id=%s pid=%d", id, h.PID)
	}
	return reaped, errors.Join(errs...)
}
