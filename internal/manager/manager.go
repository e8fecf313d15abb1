// Package manager owns the shard lifecycle state machine.
//
// Ownership boundary:
// - create / recreate / stop / load-all orchestration
// - reuse-vs-recreate decisions against stored credentials
// - auto-reconnect policy driven by connection-state events
// - retry, settle, and backoff timing
//
// All registry mutation funnels through this package. Per-shard operations
// are serialized by an id-keyed mutex table; scheduled reconnects carry a
// generation captured at arm time so stale callbacks are dropped instead of
// racing a newer create or a stop.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/shardctl/internal/bus"
	"github.com/danmuck/shardctl/internal/credstore"
	"github.com/danmuck/shardctl/internal/faults"
	"github.com/danmuck/shardctl/internal/observability"
	"github.com/danmuck/shardctl/internal/protocol"
	"github.com/danmuck/shardctl/internal/registry"
)

// Options configures a Manager. Client is required; zero delays and retry
// counts fall back to the defaults below.
type Options struct {
	Client         protocol.Client
	SessionRoot    string
	ReconnectDelay time.Duration
	SettleDelay    time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
}

// Manager defaults mirroring the documented lifecycle policy.
const (
	DefaultSessionRoot    = "sessions"
	DefaultReconnectDelay = 5 * time.Second
	DefaultSettleDelay    = 1 * time.Second
	DefaultRetryBaseDelay = 2 * time.Second
	DefaultMaxRetries     = 3
)

func (o Options) withDefaults() Options {
	if o.SessionRoot == "" {
		o.SessionRoot = DefaultSessionRoot
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Shard is the caller-visible handle for one live session.
type Shard struct {
	ID   string
	Conn protocol.Conn
}

// CreateOptions select the shard to create. An empty ID synthesizes one.
type CreateOptions struct {
	ID          string
	PhoneNumber string
	Index       int
	Total       int
}

// Manager drives shard lifecycles against one protocol client.
type Manager struct {
	opts     Options
	client   protocol.Client
	bus      *bus.Bus
	router   *bus.Router
	reporter *faults.Reporter
	registry *registry.Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	gens  map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a manager, its bus, router, and error reporter.
func NewManager(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("manager: protocol client required")
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := bus.NewBus()
	m := &Manager{
		opts:     opts,
		client:   opts.Client,
		bus:      b,
		reporter: faults.NewReporter(b),
		registry: registry.NewRegistry(),
		locks:    make(map[string]*sync.Mutex),
		gens:     make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.router = bus.NewRouter(b, bus.RouterHooks{
		OnOpen:  m.handleOpen,
		OnClose: m.handleClose,
		Persist: m.persistCreds,
		OnPersistError: func(shardID string, err error) {
			m.reporter.Report(faults.New(faults.KindCredsSaveFailed, shardID, err))
		},
	})
	return m, nil
}

// Bus exposes the global event stream for observers.
func (m *Manager) Bus() *bus.Bus {
	return m.bus
}

// ShardEvents returns a per-shard filtered subscription.
func (m *Manager) ShardEvents(id string) *bus.Subscription {
	return m.bus.ShardEvents(id)
}

// Create establishes (or idempotently reuses) the shard described by opts.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Shard, error) {
	if opts.ID == "" {
		opts.ID = m.synthesizeID()
	}
	unlock := m.lockShard(opts.ID)
	defer unlock()
	shard, err := m.createLocked(ctx, opts)
	if err != nil {
		observability.RecordLifecycleOp("create", "error")
		return nil, m.reporter.Report(faults.New(faults.KindCreateFailed, opts.ID, err))
	}
	observability.RecordLifecycleOp("create", "ok")
	return shard, nil
}

// createLocked runs the create sequence with the shard lock held. It returns
// raw errors; fault wrapping happens at the public boundary.
func (m *Manager) createLocked(ctx context.Context, opts CreateOptions) (*Shard, error) {
	if err := registry.ValidateID(opts.ID); err != nil {
		return nil, err
	}

	// Idempotent reuse: an active record keeps its handle.
	if rec, ok := m.registry.Get(opts.ID); ok {
		if rec.Status.Active() {
			log.Debug().Str("shard", opts.ID).Msg("create reusing active shard")
			return &Shard{ID: rec.ID, Conn: rec.Conn}, nil
		}
		m.teardownLocked(opts.ID)
	}

	dir := m.sessionDir(opts.ID)
	status := credstore.CheckStatus(dir)
	if status.Exists && !status.Valid {
		if err := credstore.ValidateAndClean(dir); err != nil {
			return nil, err
		}
		status = credstore.CheckStatus(dir)
	}

	state, err := m.client.LoadAuthState(dir)
	if err != nil {
		return nil, fmt.Errorf("load auth state: %w", err)
	}
	// The on-disk check and the client's own view must agree. A registered
	// bundle the client sees as unregistered is discarded and reloaded.
	if status.Valid && status.Registered && !state.Registered {
		log.Warn().Str("shard", opts.ID).Msg("auth state disagrees with bundle, reloading fresh")
		if err := credstore.Clear(dir); err != nil {
			return nil, err
		}
		state, err = m.client.LoadAuthState(dir)
		if err != nil {
			return nil, fmt.Errorf("reload auth state: %w", err)
		}
	}

	conn, err := m.client.Open(ctx, state, protocol.OpenOptions{
		SessionDir:  dir,
		PhoneNumber: opts.PhoneNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}

	gen := m.bumpGen(opts.ID)
	total := opts.Total
	if total == 0 {
		total = m.registry.Len() + 1
	}
	rec := registry.Record{
		ID:          opts.ID,
		Conn:        conn,
		Status:      registry.StatusInitializing,
		Index:       opts.Index,
		Total:       total,
		PhoneNumber: opts.PhoneNumber,
		Generation:  gen,
	}
	if err := m.registry.Put(rec); err != nil {
		_ = conn.Close()
		return nil, err
	}
	observability.RecordShardStatus(string(registry.StatusInitializing), 1)
	m.router.Attach(opts.ID, conn)
	log.Info().Str("shard", opts.ID).Uint64("gen", gen).Msg("shard created")
	return &Shard{ID: opts.ID, Conn: conn}, nil
}

// Stop closes and unregisters one shard. The record survives a failed close
// so stopping stays safe to retry.
func (m *Manager) Stop(id string) error {
	unlock := m.lockShard(id)
	defer unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		observability.RecordLifecycleOp("stop", "error")
		return m.reporter.Report(faults.New(faults.KindShardNotFound, id, nil))
	}
	if err := rec.Conn.Close(); err != nil {
		observability.RecordLifecycleOp("stop", "error")
		return m.reporter.Report(faults.New(faults.KindStopFailed, id, err))
	}
	m.registry.Remove(id)
	observability.RecordShardStatus(string(rec.Status), -1)
	m.bumpGen(id)
	observability.RecordLifecycleOp("stop", "ok")
	log.Info().Str("shard", id).Msg("shard stopped")
	return nil
}

// Connect is the recreate-or-create alias: shards with any prior trace
// (registry record or credentials on disk) are recreated, fresh ids created.
func (m *Manager) Connect(ctx context.Context, id string) (*Shard, error) {
	_, registered := m.registry.Get(id)
	status := credstore.CheckStatus(m.sessionDir(id))
	var (
		shard *Shard
		err   error
	)
	if registered || status.Exists {
		shard, err = m.Recreate(ctx, RecreateOptions{ID: id})
	} else {
		shard, err = m.Create(ctx, CreateOptions{ID: id})
	}
	if err != nil {
		return nil, m.reporter.Report(faults.New(faults.KindConnectFailed, id, err))
	}
	return shard, nil
}

// LoadAll creates one shard per session directory, using directory names as
// ids. Partial failures are reported per id and do not abort the rest.
func (m *Manager) LoadAll(ctx context.Context) ([]string, error) {
	dirs, err := credstore.List(m.opts.SessionRoot)
	if err != nil {
		return nil, m.reporter.Report(faults.New(faults.KindLoadFailed, "", err))
	}
	if len(dirs) == 0 {
		m.reporter.Report(faults.New(faults.KindNoSessions, "", nil))
		return nil, nil
	}
	loaded := make([]string, 0, len(dirs))
	for i, name := range dirs {
		_, err := m.Create(ctx, CreateOptions{ID: name, Index: i, Total: len(dirs)})
		if err != nil {
			m.reporter.Report(faults.New(faults.KindLoadFailed, name, err))
			continue
		}
		loaded = append(loaded, name)
	}
	return loaded, nil
}

// RequestPairingCode proxies a pairing-code request to a live shard.
func (m *Manager) RequestPairingCode(ctx context.Context, id, phoneNumber string) (string, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return "", m.reporter.Report(faults.New(faults.KindShardNotFound, id, nil))
	}
	code, err := rec.Conn.RequestPairingCode(ctx, phoneNumber)
	if err != nil {
		return "", m.reporter.Report(faults.New(faults.KindPairingFailed, id, err))
	}
	return code, nil
}

// Close stops every shard and waits for scheduled work and forwarders.
func (m *Manager) Close() {
	m.cancel()
	for _, rec := range m.registry.List() {
		if err := m.Stop(rec.ID); err != nil {
			log.Warn().Str("shard", rec.ID).Err(err).Msg("stop during shutdown failed")
		}
	}
	m.wg.Wait()
	m.router.Wait()
}

// teardownLocked defensively closes and removes any existing record for id.
// Close errors are logged only; a dying connection must not block recreation.
func (m *Manager) teardownLocked(id string) {
	rec, ok := m.registry.Remove(id)
	if !ok {
		return
	}
	observability.RecordShardStatus(string(rec.Status), -1)
	m.bumpGen(id)
	if err := rec.Conn.Close(); err != nil {
		log.Warn().Str("shard", id).Err(err).Msg("teardown close failed")
	}
}

func (m *Manager) persistCreds(id string, state protocol.AuthState) error {
	return credstore.SaveAuthState(m.sessionDir(id), state.Registered, state.Creds)
}

func (m *Manager) sessionDir(id string) string {
	return filepath.Join(m.opts.SessionRoot, id)
}

// synthesizeID picks shard-<n+1> from the current registry size, probing
// upward past ids that exist but are inactive.
func (m *Manager) synthesizeID() string {
	n := m.registry.Len()
	for {
		n++
		id := fmt.Sprintf("shard-%d", n)
		rec, ok := m.registry.Get(id)
		if !ok || rec.Status.Active() {
			return id
		}
	}
}

// lockShard serializes lifecycle operations per shard id.
func (m *Manager) lockShard(id string) func() {
	m.mu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (m *Manager) bumpGen(id string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[id]++
	return m.gens[id]
}

func (m *Manager) generation(id string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[id]
}

func (m *Manager) setStatus(id string, status registry.Status) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return
	}
	if rec.Status == status {
		return
	}
	if m.registry.SetStatus(id, status) {
		observability.RecordShardStatus(string(rec.Status), -1)
		observability.RecordShardStatus(string(status), 1)
	}
}
