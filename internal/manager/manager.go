// Package manager orchestrates engine-server lifecycles: it turns "ensure a
// ready server for this model and configuration" into metadata extraction,
// placement planning, spawning, and health-gated readiness, reusing a
// healthy server whenever the configuration has not drifted.
package manager

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"engined/internal/devices"
	"engined/internal/estimate"
	"engined/internal/gguf"
	"engined/internal/ipc"
	"engined/internal/supervisor"
)

// ProcessSupervisor is the subset of the supervisor the orchestrator needs;
// tests substitute their own.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, spec supervisor.SpawnSpec) (*supervisor.Handle, error)
	WaitReady(ctx context.Context, h *supervisor.Handle) error
	PollHealth(ctx context.Context, h *supervisor.Handle) ipc.HealthState
	Terminate(ctx context.Context, h *supervisor.Handle) error
	ReapOrphans(ctx context.Context, pattern string) ([]string, error)
}

// InventoryProber supplies device budgets; refreshed on every placement
// decision since free memory drifts.
type InventoryProber interface {
	Collect() (*devices.Inventory, error)
}

type Manager struct {
	cfg    ManagerConfig
	sup    ProcessSupervisor
	prober InventoryProber
	// extract is swapped out in tests to avoid real model files.
	extract func(path string) (*gguf.Metadata, error)

	mu      sync.Mutex
	servers map[string]*Server
	// metaCache holds extracted metadata per model path; model files are
	// immutable once on disk.
	metaCache map[string]*gguf.Metadata
}

// NewWithConfig constructs a Manager from ManagerConfig, building the real
// supervisor and device prober.
func NewWithConfig(cfg ManagerConfig) (*Manager, error) {
	cfg.applyDefaults()
	sup, err := supervisor.New(supervisor.Config{
		RecordDir:    cfg.RecordDir,
		ReadyTimeout: cfg.ReadyTimeout,
	})
	if err != nil {
		return nil, err
	}
	return newManager(cfg, sup, devices.NewProber(), gguf.Extract), nil
}

func newManager(cfg ManagerConfig, sup ProcessSupervisor, prober InventoryProber, extract func(string) (*gguf.Metadata, error)) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		sup:       sup,
		prober:    prober,
		extract:   extract,
		servers:   make(map[string]*Server),
		metaCache: make(map[string]*gguf.Metadata),
	}
}

// EnsureRequest names a model and its runtime dimensions. Zero values fall
// back to the manager defaults.
type EnsureRequest struct {
	ModelPath     string
	ContextLength uint64
	BatchSize     uint64
}

func (m *Manager) params(req EnsureRequest) estimate.Params {
	p := estimate.Params{
		ContextLength: req.ContextLength,
		BatchSize:     req.BatchSize,
		Headroom:      m.cfg.Headroom,
	}
	if p.ContextLength == 0 {
		p.ContextLength = m.cfg.ContextLength
	}
	if p.BatchSize == 0 {
		p.BatchSize = m.cfg.BatchSize
	}
	return p
}

// identity derives the stable server id from the model file name. The id
// keys the process record, so it must be filesystem safe and identical
// across invocations.
func identity(modelPath string) string {
	base := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, base)
	return "engine-" + base
}

func (m *Manager) server(id string) *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	if !ok {
		srv = &Server{ID: id, State: StateNotStarted}
		m.servers[id] = srv
	}
	return srv
}

// metadata extracts and caches the model's structural metadata.
func (m *Manager) metadata(path string) (*gguf.Metadata, error) {
	m.mu.Lock()
	if meta, ok := m.metaCache[path]; ok {
		m.mu.Unlock()
		return meta, nil
	}
	m.mu.Unlock()

	meta, err := m.extract(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.metaCache[path] = meta
	m.mu.Unlock()
	return meta, nil
}

// EnsureReady returns a handle to a ready server for the request. A tracked
// server with a matching configuration and Alive health is returned as-is;
// anything else is torn down and replaced by exactly one fresh spawn. The
// per-identity lock is held for the whole sequence.
func (m *Manager) EnsureReady(ctx context.Context, req EnsureRequest) (*supervisor.Handle, error) {
	if strings.TrimSpace(req.ModelPath) == "" {
		return nil, fmt.Errorf("model path is empty")
	}
	if path, ok := m.ResolveModel(req.ModelPath); ok {
		req.ModelPath = path
	}
	id := identity(req.ModelPath)
	params := m.params(req)
	sig := fmt.Sprintf("model=%s ctx=%d batch=%d", req.ModelPath, params.ContextLength, params.BatchSize)

	srv := m.server(id)
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.Handle != nil && srv.signature == sig {
		if st := m.sup.PollHealth(ctx, srv.Handle); st.Kind == ipc.HealthAlive {
			srv.State = StateReady
			srv.LastUsed = time.Now()
			return srv.Handle, nil
		}
		log.Printf("manager event=stale_server id=%s health=%s", id, srv.Handle.Health())
	}

	// Drift, degradation, or first launch: tear down whatever is there.
	// A process that is already gone is not an error here.
	if srv.Handle != nil {
		srv.State = StateStopping
		if err := m.sup.Terminate(ctx, srv.Handle); err != nil {
			if supervisor.IsTerminationTimeout(err) {
				// The survivor still holds device memory; spawning next to
				// it would poison the placement, so give up loudly.
				srv.State = StateFailed
				srv.Err = err.Error()
				return nil, err
			}
			log.Printf("manager event=terminate_error id=%s err=%v", id, err)
		}
		srv.Handle = nil
	}

	return m.spawnLocked(ctx, srv, req.ModelPath, params, sig)
}

// spawnLocked runs one spawn attempt. Caller holds srv.mu.
func (m *Manager) spawnLocked(ctx context.Context, srv *Server, modelPath string, params estimate.Params, sig string) (*supervisor.Handle, error) {
	srv.State = StateStarting
	srv.ModelPath = modelPath
	srv.Err = ""

	meta, err := m.metadata(modelPath)
	if err != nil {
		srv.State = StateFailed
		srv.Err = err.Error()
		return nil, err
	}
	inv, err := m.prober.Collect()
	if err != nil {
		srv.State = StateFailed
		srv.Err = err.Error()
		return nil, err
	}
	plan := estimate.Plan(meta, inv, params)
	if err := plan.Check(); err != nil {
		srv.State = StateFailed
		srv.Err = err.Error()
		return nil, err
	}

	ipcCfg, hostArg, err := m.endpoint(srv.ID)
	if err != nil {
		srv.State = StateFailed
		srv.Err = err.Error()
		return nil, err
	}
	ipcCfg.CallTimeout = m.cfg.CallTimeout

	spec := supervisor.SpawnSpec{
		Command: m.cfg.EngineBin,
		Args:    m.launchArgs(modelPath, hostArg, params, plan),
		ID:      srv.ID,
		IPC:     ipcCfg,
	}
	log.Printf("manager event=spawn id=%s model=%s offload=%d ctx=%d", srv.ID, modelPath, plan.OffloadLayers(), params.ContextLength)
	h, err := m.sup.Spawn(ctx, spec)
	if err != nil {
		srv.State = StateFailed
		srv.Err = err.Error()
		return nil, err
	}
	if err := m.sup.WaitReady(ctx, h); err != nil {
		if ctx.Err() != nil {
			// The caller abandoned its wait; the process keeps running and
			// a later ensure with the same identity picks it up.
			srv.Handle = h
			srv.signature = sig
			srv.Err = err.Error()
			return nil, err
		}
		// The engine itself never became ready; tear it down so a
		// half-started process does not linger.
		_ = m.sup.Terminate(ctx, h)
		srv.State = StateFailed
		srv.Err = err.Error()
		return nil, err
	}

	srv.Handle = h
	srv.Plan = plan
	srv.signature = sig
	srv.State = StateReady
	srv.LastUsed = time.Now()
	log.Printf("manager event=ready id=%s pid=%d host=%s", srv.ID, h.PID, h.Host)
	return h, nil
}

// endpoint picks the transport for a new server: a free loopback port, or a
// per-identity socket path when a socket directory is configured. hostArg is
// what the engine binary binds to.
func (m *Manager) endpoint(id string) (ipc.Config, string, error) {
	if m.cfg.SocketDir != "" {
		sock := filepath.Join(m.cfg.SocketDir, id+".sock")
		// A force-killed engine leaves its socket file behind; the bind
		// would fail otherwise.
		_ = os.Remove(sock)
		return ipc.Config{SocketPath: sock}, sock, nil
	}
	port, err := pickPortInRange(m.cfg.Host, m.cfg.PortStart, m.cfg.PortEnd)
	if err != nil {
		return ipc.Config{}, "", err
	}
	return ipc.Config{HostPort: fmt.Sprintf("%s:%d", m.cfg.Host, port)}, m.cfg.Host + ":" + fmt.Sprint(port), nil
}

// launchArgs builds the engine command line from the placement plan.
func (m *Manager) launchArgs(modelPath, hostArg string, params estimate.Params, plan *estimate.Placement) []string {
	host, port := hostArg, ""
	if i := strings.LastIndexByte(hostArg, ':'); i >= 0 && m.cfg.SocketDir == "" {
		host, port = hostArg[:i], hostArg[i+1:]
	}
	args := []string{
		"--model", modelPath,
		"--host", host,
		"--ctx-size", fmt.Sprint(params.ContextLength),
		"--batch-size", fmt.Sprint(params.BatchSize),
		"--n-gpu-layers", fmt.Sprint(plan.OffloadLayers()),
	}
	if port != "" {
		args = append(args, "--port", port)
	}
	if split := plan.TensorSplit(); split != "" {
		args = append(args, "--tensor-split", split)
	}
	if m.cfg.Threads > 0 {
		args = append(args, "--threads", fmt.Sprint(m.cfg.Threads))
	}
	return args
}

// Send forwards an opaque request body to a tracked server and returns the
// raw response. Bodies pass through unmodified.
func (m *Manager) Send(ctx context.Context, id, path string, body []byte) ([]byte, error) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrServerNotFound(id)
	}
	// Capture the handle under the lock; an ensure or stop on the same
	// identity may swap it out while this request is in flight.
	srv.mu.Lock()
	h := srv.Handle
	srv.LastUsed = time.Now()
	srv.mu.Unlock()
	if h == nil {
		return nil, ErrServerNotFound(id)
	}
	if body == nil {
		return h.Client.Get(ctx, path)
	}
	return h.Client.Post(ctx, path, body)
}

// RefreshHealth polls a tracked server and folds the observation into its
// lifecycle state.
func (m *Manager) RefreshHealth(ctx context.Context, id string) (ipc.HealthState, error) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return ipc.HealthState{}, ErrServerNotFound(id)
	}
	srv.mu.Lock()
	h := srv.Handle
	srv.mu.Unlock()
	if h == nil {
		return ipc.HealthState{}, ErrServerNotFound(id)
	}
	st := m.sup.PollHealth(ctx, h)
	srv.mu.Lock()
	switch st.Kind {
	case ipc.HealthAlive:
		srv.State = StateReady
	case ipc.HealthStarting:
		srv.State = StateStarting
	case ipc.HealthDegraded, ipc.HealthUnreachable:
		srv.State = StateDegraded
		srv.Err = st.Reason
	}
	srv.mu.Unlock()
	return st, nil
}

// Stop terminates a tracked server. Unknown ids and already-dead processes
// are not errors; a process surviving the kill ladder is.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	srv, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.Handle == nil {
		srv.State = StateStopped
		return nil
	}
	srv.State = StateStopping
	if err := m.sup.Terminate(ctx, srv.Handle); err != nil {
		srv.Err = err.Error()
		return err
	}
	srv.Handle = nil
	srv.State = StateStopped
	log.Printf("manager event=stopped id=%s", id)
	return nil
}

// StopAll terminates every tracked server. Best effort; the first error is
// remembered and the rest are still attempted.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	var first error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReapOrphans terminates recorded processes from earlier invocations and
// clears their records. The pattern matches stable ids; empty means all.
func (m *Manager) ReapOrphans(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "engine-*"
	}
	return m.sup.ReapOrphans(ctx, pattern)
}

// Status reports every tracked server.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()
	out := make([]ServerStatus, 0, len(servers))
	for _, srv := range servers {
		srv.mu.Lock()
		out = append(out, srv.status())
		srv.mu.Unlock()
	}
	return out
}
