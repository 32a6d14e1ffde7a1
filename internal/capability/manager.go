package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
)

const (
	DefaultLaunchTimeout = 30 * time.Second
	DefaultCallTimeout   = 2 * time.Minute
)

// ManagerConfig wires a Manager. Registry and Launcher are required.
type ManagerConfig struct {
	Registry      *Registry
	Launcher      Launcher
	LaunchTimeout time.Duration    // Used when a definition has none
	CallTimeout   time.Duration    // Used when a definition has none
	Breakers      *BreakerRegistry // Optional launch circuit breakers
	Bus           *events.EventBus
	Logger        *slog.Logger
}

// connection is a live provider session. It is owned by the Manager.
type connection struct {
	name      string
	session   Session
	startedAt time.Time
}

// ConnectionInfo describes a running provider.
type ConnectionInfo struct {
	Name      string
	StartedAt time.Time
}

// Manager starts providers on first use and routes invocations to them.
// It holds at most one live connection per provider; concurrent callers
// that find a provider stopped share a single launch.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection

	starts   singleflight.Group
	launches atomic.Int64
}

// NewManager creates a Manager with no running providers.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Manager{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		conns:  make(map[string]*connection),
	}
}

// Registry returns the registry the manager resolves providers from.
func (m *Manager) Registry() *Registry { return m.cfg.Registry }

// Launches returns the number of launch attempts made so far.
func (m *Manager) Launches() int64 { return m.launches.Load() }

// Invoke calls capability on provider, starting the provider if needed. If
// the call fails the connection is discarded, the provider restarted once and
// the call retried once; a second failure is returned to the caller. A
// result with IsError set is a successful round trip and is not retried.
func (m *Manager) Invoke(ctx context.Context, provider, capability string, args map[string]any) (*Result, error) {
	def, ok := m.cfg.Registry.Get(provider)
	if !ok {
		return nil, newError(KindProviderNotFound, provider, capability, nil)
	}
	log := m.logger.With("provider", provider, "capability", capability)

	conn, err := m.ensure(ctx, def)
	if err != nil {
		return nil, withCapability(err, capability)
	}

	res, err := m.call(ctx, def, conn, capability, args)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, m.callError(ctx, def.Name, capability, false, err)
	}

	log.Warn("capability call failed, restarting provider", "error", err)
	m.drop(conn, "invocation failed")

	conn, err = m.ensure(ctx, def)
	if err != nil {
		return nil, restarted(withCapability(err, capability))
	}
	m.publish(events.EventTypeProviderRestarted, def.Name, nil)

	res, err = m.call(ctx, def, conn, capability, args)
	if err != nil {
		log.Error("capability call failed after restart", "error", err)
		return nil, m.callError(ctx, def.Name, capability, true, err)
	}
	return res, nil
}

// Execute invokes a capability by qualified ("provider__capability") or,
// when unambiguous, bare name.
func (m *Manager) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	provider, capability, err := m.cfg.Registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	return m.Invoke(ctx, provider, capability, args)
}

// Tools lists every known capability, including those of providers that
// are not running.
func (m *Manager) Tools() []CatalogueEntry {
	return m.cfg.Registry.Catalogue(m.Running)
}

// Running reports whether provider has a live connection.
func (m *Manager) Running(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[provider]
	return ok
}

// Connections lists running providers sorted by name.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, ConnectionInfo{Name: c.name, StartedAt: c.startedAt})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches provider if it is not already running.
func (m *Manager) Start(ctx context.Context, provider string) error {
	def, ok := m.cfg.Registry.Get(provider)
	if !ok {
		return newError(KindProviderNotFound, provider, "", nil)
	}
	_, err := m.ensure(ctx, def)
	return err
}

// StopProvider closes the provider's connection if there is one. Stopping a
// provider that is not running is a no-op.
func (m *Manager) StopProvider(provider string) error {
	m.mu.Lock()
	conn, ok := m.conns[provider]
	if ok {
		delete(m.conns, provider)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.close(conn, "stopped")
}

// StopAll closes every live connection in parallel.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for name, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			return m.close(c, "shutdown")
		})
	}
	return g.Wait()
}

// CheckHealth pings a running provider. A failed ping discards the
// connection and restarts the provider once. Providers that are not running
// are left alone.
func (m *Manager) CheckHealth(ctx context.Context, provider string) error {
	def, ok := m.cfg.Registry.Get(provider)
	if !ok {
		return newError(KindProviderNotFound, provider, "", nil)
	}

	m.mu.Lock()
	conn := m.conns[provider]
	m.mu.Unlock()
	if conn == nil {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.callTimeout(def))
	err := conn.session.Ping(pingCtx)
	cancel()
	if err == nil {
		return nil
	}

	m.logger.Warn("provider failed health check, restarting", "provider", provider, "error", err)
	m.drop(conn, "health check failed")
	if _, err := m.ensure(ctx, def); err != nil {
		return restarted(err)
	}
	m.publish(events.EventTypeProviderRestarted, provider, nil)
	return nil
}

// ensure returns the live connection for def, launching it if necessary.
// Concurrent callers share one launch; each waits only as long as its own ctx.
func (m *Manager) ensure(ctx context.Context, def ProviderDefinition) (*connection, error) {
	m.mu.Lock()
	conn := m.conns[def.Name]
	m.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	ch := m.starts.DoChan(def.Name, func() (interface{}, error) {
		// A launch that finished between the check above and DoChan has
		// already installed a connection.
		m.mu.Lock()
		conn := m.conns[def.Name]
		m.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		return m.launch(def)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*connection), nil
	case <-ctx.Done():
		return nil, newError(KindTimeout, def.Name, "", fmt.Errorf("waiting for provider start: %w", ctx.Err()))
	}
}

// launch starts a provider. It runs detached from any single caller so that
// one caller giving up does not fail the others sharing the launch.
func (m *Manager) launch(def ProviderDefinition) (*connection, error) {
	timeout := def.LaunchTimeout
	if timeout <= 0 {
		timeout = m.cfg.LaunchTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log := m.logger.With("provider", def.Name, "transport", string(def.Launch.Kind()), "source", def.Source)
	log.Info("starting provider")
	m.publish(events.EventTypeProviderStarting, def.Name, nil)

	session, err := m.cfg.Breakers.Launch(def.Name, func() (Session, error) {
		m.launches.Add(1)
		return m.cfg.Launcher.Launch(ctx, def)
	})
	if err != nil {
		log.Error("provider launch failed", "error", err)
		m.publish(events.EventTypeProviderFailed, def.Name, err)
		return nil, newError(KindLaunchFailed, def.Name, "", err)
	}

	if caps, err := session.ListCapabilities(ctx); err != nil {
		log.Warn("capability discovery failed", "error", err)
	} else {
		m.cfg.Registry.SetDiscovered(def.Name, caps)
		log.Debug("capabilities discovered", "count", len(caps))
	}

	conn := &connection{name: def.Name, session: session, startedAt: time.Now()}
	m.mu.Lock()
	m.conns[def.Name] = conn
	m.mu.Unlock()

	log.Info("provider started")
	m.publish(events.EventTypeProviderStarted, def.Name, nil)
	return conn, nil
}

func (m *Manager) call(ctx context.Context, def ProviderDefinition, conn *connection, capability string, args map[string]any) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout(def))
	defer cancel()

	res, err := conn.session.Invoke(callCtx, capability, args)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return res, err
}

func (m *Manager) callTimeout(def ProviderDefinition) time.Duration {
	if def.CallTimeout > 0 {
		return def.CallTimeout
	}
	return m.cfg.CallTimeout
}

func (m *Manager) callError(ctx context.Context, provider, capability string, restarted bool, err error) *Error {
	kind := KindInvocationFailed
	if ctx.Err() != nil || errors.Is(err, ErrTimeout) {
		kind = KindTimeout
	}
	e := newError(kind, provider, capability, err)
	e.Restarted = restarted
	return e
}

// drop discards conn if it is still the provider's current connection, so
// that several callers failing on the same stale connection close it once.
func (m *Manager) drop(conn *connection, reason string) {
	m.mu.Lock()
	current := m.conns[conn.name] == conn
	if current {
		delete(m.conns, conn.name)
	}
	m.mu.Unlock()

	if current {
		m.close(conn, reason)
	}
}

func (m *Manager) close(conn *connection, reason string) error {
	err := conn.session.Close()
	if err != nil {
		m.logger.Warn("error closing provider session", "provider", conn.name, "error", err)
	}
	m.logger.Info("provider stopped", "provider", conn.name, "reason", reason)
	m.publish(events.EventTypeProviderStopped, conn.name, err)
	return err
}

func (m *Manager) publish(kind, provider string, err error) {
	ev := events.ProviderEvent{Kind: kind, Provider: provider, Timestamp: time.Now()}
	if err != nil {
		ev.Err = err.Error()
	}
	m.cfg.Bus.Publish(events.TopicProvider, ev)
}

func withCapability(err error, capability string) error {
	var e *Error
	if errors.As(err, &e) && e.Capability == "" {
		cp := *e
		cp.Capability = capability
		return &cp
	}
	return err
}

func restarted(err error) error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Restarted = true
		return &cp
	}
	return err
}
