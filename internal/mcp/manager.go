package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/tools"
)

const defaultHealthInterval = 30 * time.Second

// ManagerConfig tunes connection handling for every supervised server.
type ManagerConfig struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	MaxReconnects  int
	HealthInterval time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	return c
}

// serverState tracks one live connection for one user.
type serverState struct {
	def       ServerDef
	client    *Client
	toolNames []string
	cancel    context.CancelFunc

	mu      sync.Mutex
	lastErr string
}

func (s *serverState) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastErr = ""
	} else {
		s.lastErr = err.Error()
	}
}

func (s *serverState) errString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ServerStatus is a point-in-time view of one connection, for status
// and doctor output.
type ServerStatus struct {
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	LastErr   string `json:"error,omitempty"`
}

// Manager supervises MCP servers per user: it connects the enabled
// definitions, bridges their tools into the tool registry under a
// "<server>_" prefix, pings them on an interval and reconnects the
// ones that stop answering.
type Manager struct {
	baseCtx  context.Context
	registry *tools.Registry
	defs     *Registry
	cfg      ManagerConfig

	mu       sync.Mutex
	users    map[int64]map[string]*serverState
	regCount map[string]int

	// newClient is a seam for tests; production uses NewClient with
	// the definition's transport.
	newClient func(def ServerDef) *Client
}

// NewManager wires the manager to the tool registry and the definition
// registry. baseCtx bounds every health loop and every connection's
// lifetime; the per-call contexts handed to StartUser only bound the
// handshakes they trigger.
func NewManager(baseCtx context.Context, registry *tools.Registry, defs *Registry, cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		baseCtx:  baseCtx,
		registry: registry,
		defs:     defs,
		cfg:      cfg,
		users:    make(map[int64]map[string]*serverState),
		regCount: make(map[string]int),
	}
	m.newClient = func(def ServerDef) *Client {
		callTimeout := cfg.CallTimeout
		if t := def.Timeout(); t > 0 {
			callTimeout = t
		}
		return NewClient(def.Name, def.newTransport(), ClientOptions{
			Lifetime:       baseCtx,
			ConnectTimeout: cfg.ConnectTimeout,
			CallTimeout:    callTimeout,
			MaxReconnects:  cfg.MaxReconnects,
		})
	}
	return m
}

// StartUser connects every enabled definition visible to the user.
// Individual server failures are collected, not fatal: one broken
// server must not block the rest.
func (m *Manager) StartUser(ctx context.Context, userID int64) error {
	defs, err := m.defs.ForUser(userID)
	if err != nil {
		return err
	}

	var errs []error
	for _, def := range defs {
		if !def.IsEnabled() {
			slog.Debug("mcp.server.disabled", "user_id", userID, "server", def.Name)
			continue
		}
		if m.hasServer(userID, def.Name) {
			continue
		}
		if err := m.connectServer(ctx, userID, def); err != nil {
			slog.Warn("mcp.server.connect_failed", "user_id", userID, "server", def.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) hasServer(userID int64, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[userID][name]
	return ok
}

func (m *Manager) connectServer(ctx context.Context, userID int64, def ServerDef) error {
	client := m.newClient(def)
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return err
	}

	st := &serverState{def: def, client: client}
	st.toolNames = m.bindTools(userID, def.Name, client.Tools())

	healthCtx, cancel := context.WithCancel(m.baseCtx)
	st.cancel = cancel

	m.mu.Lock()
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]*serverState)
	}
	m.users[userID][def.Name] = st
	m.mu.Unlock()

	go m.healthLoop(healthCtx, userID, st)

	slog.Info("mcp.server.connected",
		"user_id", userID,
		"server", def.Name,
		"transport", def.TransportKind(),
		"tools", len(st.toolNames))
	return nil
}

// healthLoop pings the server on an interval and drives a bounded
// reconnect when it stops answering. After a successful reconnect the
// bridged tools are rebound since the server may expose a new set.
func (m *Manager) healthLoop(ctx context.Context, userID int64, st *serverState) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := st.client.Ping(ctx)
		if err == nil {
			st.setErr(nil)
			continue
		}
		st.setErr(err)
		slog.Warn("mcp.health.ping_failed", "user_id", userID, "server", st.def.Name, "error", err)

		if err := st.client.Reconnect(ctx); err != nil {
			st.setErr(err)
			slog.Error("mcp.server.unreachable", "user_id", userID, "server", st.def.Name, "error", err)
			continue
		}
		st.setErr(nil)
		m.rebindTools(userID, st)
	}
}

// rebindTools swaps a state's registered tools for the current remote
// set after a reconnect.
func (m *Manager) rebindTools(userID int64, st *serverState) {
	m.unbindTools(st.toolNames)
	st.toolNames = m.bindTools(userID, st.def.Name, st.client.Tools())
}

// bindTools registers bridge specs, refcounting names so two users
// connected to the same server share one registry entry. A collision
// with an existing non-bridge tool is skipped with a warning.
func (m *Manager) bindTools(userID int64, serverName string, remote []Tool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bound []string
	for _, rt := range remote {
		name := serverName + "_" + rt.Name
		if m.regCount[name] == 0 {
			if err := m.registry.Register(m.bridgeSpec(name, serverName, rt)); err != nil {
				slog.Warn("mcp.tool.collision", "user_id", userID, "tool", name, "error", err)
				continue
			}
		}
		m.regCount[name]++
		bound = append(bound, name)
	}
	return bound
}

func (m *Manager) unbindTools(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if m.regCount[name] == 0 {
			continue
		}
		m.regCount[name]--
		if m.regCount[name] == 0 {
			delete(m.regCount, name)
			m.registry.Unregister(name)
		}
	}
}

// StopUser disconnects every server of one user and unregisters the
// bridged tools it was the last holder of.
func (m *Manager) StopUser(userID int64) {
	m.mu.Lock()
	states := m.users[userID]
	delete(m.users, userID)
	m.mu.Unlock()

	for _, st := range states {
		st.cancel()
		st.client.Close()
		m.unbindTools(st.toolNames)
		slog.Info("mcp.server.disconnected", "user_id", userID, "server", st.def.Name)
	}
}

// ReloadUser re-resolves the user's definitions from disk and rebuilds
// the connections.
func (m *Manager) ReloadUser(ctx context.Context, userID int64) error {
	m.StopUser(userID)
	return m.StartUser(ctx, userID)
}

// ReloadAll rebuilds every tracked user, used as the watcher callback.
func (m *Manager) ReloadAll(ctx context.Context) {
	for _, userID := range m.ActiveUsers() {
		if err := m.ReloadUser(ctx, userID); err != nil {
			slog.Warn("mcp.reload.partial", "user_id", userID, "error", err)
		}
	}
}

// ActiveUsers lists users with at least one tracked server.
func (m *Manager) ActiveUsers() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.users))
	for id := range m.users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Status reports every connection for one user, sorted by server name.
func (m *Manager) Status(userID int64) []ServerStatus {
	m.mu.Lock()
	states := make([]*serverState, 0, len(m.users[userID]))
	for _, st := range m.users[userID] {
		states = append(states, st)
	}
	m.mu.Unlock()

	out := make([]ServerStatus, 0, len(states))
	for _, st := range states {
		out = append(out, ServerStatus{
			UserID:    userID,
			Name:      st.def.Name,
			Transport: st.def.TransportKind(),
			Connected: st.client.Connected(),
			ToolCount: len(st.toolNames),
			LastErr:   st.errString(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop disconnects everything.
func (m *Manager) Stop() {
	for _, userID := range m.ActiveUsers() {
		m.StopUser(userID)
	}
}

// clientFor resolves the live client for one (user, server) pair.
func (m *Manager) clientFor(userID int64, serverName string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID][serverName]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "mcp server %q not connected for user %d", serverName, userID)
	}
	return st.client, nil
}
