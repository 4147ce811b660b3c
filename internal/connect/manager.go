// Package connect owns provider connections: bind, wait for the connected
// callback, post exactly one outbound call, and eventually unbind.
package connect

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattjoyce/formbroker/internal/dispatch"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/log"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// DefaultGrace delays the physical disconnect of an idle provider channel.
const DefaultGrace = 500 * time.Millisecond

var (
	connectionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formbroker_connections_opened_total",
		Help: "Provider connections requested, by flow.",
	}, []string{"flow"})
	connectionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formbroker_connections_failed_total",
		Help: "Provider connections that failed to bind or call, by flow.",
	}, []string{"flow"})
)

// State is the lifecycle state of one connection.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is a snapshot of one logical connection.
type Connection struct {
	ID        int64            `json:"connect_id"`
	Key       form.ProviderKey `json:"provider_key"`
	FormID    int64            `json:"form_id"`
	HostToken string           `json:"host_token,omitempty"`
	Flow      string           `json:"flow"`
	State     State            `json:"state"`
}

// Listener receives the outcome of one Bind. Either method may run on any goroutine.
type Listener interface {
	OnConnected(h protocol.Handle)
	OnFailed(code form.Code)
}

// Binder is the launch service that produces remote capability handles.
type Binder interface {
	// Bind starts binding to key and returns at once. The outcome is delivered to l.
	Bind(key form.ProviderKey, l Listener) error
	// Disconnect closes the physical channel for key.
	Disconnect(key form.ProviderKey)
}

// Poster is the dispatcher surface the managers need.
type Poster interface {
	Post(name string, task dispatch.Task, extra time.Duration)
}

// Request describes one connection and the single call it carries.
type Request struct {
	Key       form.ProviderKey
	FormID    int64
	HostToken string
	Want      protocol.Want
	Strategy  Strategy
	// OnFailed runs after the entry is removed when bind or the call fails.
	OnFailed func(conn Connection, code form.Code)
}

type entry struct {
	conn        Connection
	want        protocol.Want
	strategy    Strategy
	onFailed    func(Connection, form.Code)
	cancelDeath func()
}

type graceTimer struct {
	t *time.Timer
}

// Manager tracks every provider connection of the process.
type Manager struct {
	binder Binder
	poster Poster
	grace  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	nextID int64
	conns  map[int64]*entry
	timers map[form.ProviderKey]*graceTimer
}

// NewManager creates a manager. A negative grace uses DefaultGrace.
func NewManager(binder Binder, poster Poster, grace time.Duration) *Manager {
	if grace < 0 {
		grace = DefaultGrace
	}
	return &Manager{
		binder: binder,
		poster: poster,
		grace:  grace,
		logger: log.WithComponent("connect"),
		conns:  make(map[int64]*entry),
		timers: make(map[form.ProviderKey]*graceTimer),
	}
}

// Connect registers a Connecting entry and starts the bind. It never waits for
// the remote side.
func (m *Manager) Connect(req Request) (int64, error) {
	if req.Strategy == nil {
		return 0, form.Errorf(form.CodeInvalidParam, "connection needs a strategy")
	}
	if req.Key.Bundle == "" {
		return 0, form.Errorf(form.CodeInvalidParam, "connection needs a provider key")
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	e := &entry{
		conn: Connection{
			ID:        id,
			Key:       req.Key,
			FormID:    req.FormID,
			HostToken: req.HostToken,
			Flow:      req.Strategy.Flow(),
			State:     Connecting,
		},
		want:     req.Want.Clone(),
		strategy: req.Strategy,
		onFailed: req.OnFailed,
	}
	m.conns[id] = e
	if g, ok := m.timers[req.Key]; ok {
		g.t.Stop()
		delete(m.timers, req.Key)
	}
	m.mu.Unlock()

	connectionsOpened.WithLabelValues(e.conn.Flow).Inc()
	m.logger.Debug("connecting", "connect_id", id, "provider", req.Key.String(), "flow", e.conn.Flow, "form_id", req.FormID)

	if err := m.binder.Bind(req.Key, &listener{m: m, id: id}); err != nil {
		m.fail(id, form.CodeBindProviderFailed)
		return 0, fmt.Errorf("bind %s: %w", req.Key, form.ErrBindProviderFailed)
	}
	return id, nil
}

type listener struct {
	m  *Manager
	id int64
}

func (l *listener) OnConnected(h protocol.Handle) { l.m.onConnected(l.id, h) }
func (l *listener) OnFailed(code form.Code) { l.m.fail(l.id, code) }

func (m *Manager) onConnected(id int64, h protocol.Handle) {
	p, ok := h.(protocol.Provider)
	if !ok {
		m.fail(id, form.CodeBindProviderFailed)
		return
	}

	m.mu.Lock()
	e, ok := m.conns[id]
	if !ok {
		// Detached while binding. Detach already scheduled the idle disconnect.
		m.mu.Unlock()
		return
	}
	e.conn.State = Connected
	key := e.conn.Key
	want := e.want.Clone().
		SetInt64(protocol.KeyConnectID, id)
	if e.conn.HostToken != "" {
		want.SetString(protocol.KeyHostToken, e.conn.HostToken)
	}
	strategy := e.strategy
	m.mu.Unlock()

	cancel := p.OnDeath(func() { m.onProviderDied(key) })
	m.mu.Lock()
	if e, ok := m.conns[id]; ok {
		e.cancelDeath = cancel
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		cancel()
	}

	m.poster.Post(strategy.Flow(), func(ctx context.Context) {
		if err := strategy.Call(ctx, p, want); err != nil {
			m.logger.Warn("outbound call failed", "connect_id", id, "flow", strategy.Flow(), "error", err)
			m.fail(id, form.CodeBindProviderFailed)
		}
	}, 0)
}

func (m *Manager) fail(id int64, code form.Code) {
	m.mu.Lock()
	e, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	e.conn.State = Disconnected
	m.mu.Unlock()

	if e.cancelDeath != nil {
		e.cancelDeath()
	}
	connectionsFailed.WithLabelValues(e.conn.Flow).Inc()
	m.logger.Warn("connection failed", "connect_id", id, "provider", e.conn.Key.String(), "code", code.String())
	if e.onFailed != nil {
		e.onFailed(e.conn, code)
	}
	m.scheduleIfIdle(e.conn.Key)
}

// onProviderDied fails every connection to key still waiting on the dead process.
func (m *Manager) onProviderDied(key form.ProviderKey) {
	m.mu.Lock()
	var ids []int64
	for id, e := range m.conns {
		if e.conn.Key == key {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		m.fail(id, form.CodeBindProviderFailed)
	}
}

// Detach removes the logical entry. The physical channel is closed only once
// no entry shares its key, and only after the grace period.
func (m *Manager) Detach(connectID int64) bool {
	m.mu.Lock()
	e, ok := m.conns[connectID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, connectID)
	m.mu.Unlock()

	if e.cancelDeath != nil {
		e.cancelDeath()
	}
	m.logger.Debug("detached", "connect_id", connectID, "provider", e.conn.Key.String())
	m.scheduleIfIdle(e.conn.Key)
	return true
}

// RemoveByHost detaches every connection opened on behalf of the host and
// returns the distinct form ids they served.
func (m *Manager) RemoveByHost(token string) []int64 {
	if token == "" {
		return nil
	}
	m.mu.Lock()
	var removed []*entry
	for id, e := range m.conns {
		if e.conn.HostToken == token {
			removed = append(removed, e)
			delete(m.conns, id)
		}
	}
	m.mu.Unlock()

	seen := make(map[int64]struct{}, len(removed))
	keys := make(map[form.ProviderKey]struct{})
	var forms []int64
	for _, e := range removed {
		if e.cancelDeath != nil {
			e.cancelDeath()
		}
		keys[e.conn.Key] = struct{}{}
		if e.conn.FormID == 0 {
			continue
		}
		if _, dup := seen[e.conn.FormID]; dup {
			continue
		}
		seen[e.conn.FormID] = struct{}{}
		forms = append(forms, e.conn.FormID)
	}
	for key := range keys {
		m.scheduleIfIdle(key)
	}
	slices.Sort(forms)
	return forms
}

func (m *Manager) scheduleIfIdle(key form.ProviderKey) {
	if key.Bundle == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLocked(key) {
		return
	}
	if _, pending := m.timers[key]; pending {
		return
	}
	g := &graceTimer{}
	m.timers[key] = g
	g.t = time.AfterFunc(m.grace, func() { m.expire(key, g) })
}

func (m *Manager) expire(key form.ProviderKey, g *graceTimer) {
	m.mu.Lock()
	if m.timers[key] != g {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	if m.liveLocked(key) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Debug("disconnecting idle provider", "provider", key.String())
	m.binder.Disconnect(key)
}

func (m *Manager) liveLocked(key form.ProviderKey) bool {
	for _, e := range m.conns {
		if e.conn.Key == key {
			return true
		}
	}
	return false
}

// Get returns a snapshot of the connection.
func (m *Manager) Get(connectID int64) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[connectID]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

// Connections returns every live connection ordered by id.
func (m *Manager) Connections() []Connection {
	m.mu.Lock()
	out := make([]Connection, 0, len(m.conns))
	for _, e := range m.conns {
		out = append(out, e.conn)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Connection) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// DisconnectPending reports whether key has a grace timer running.
func (m *Manager) DisconnectPending(key form.ProviderKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key]
	return ok
}

// Close stops every grace timer and disconnects their keys at once.
func (m *Manager) Close() {
	m.mu.Lock()
	keys := make([]form.ProviderKey, 0, len(m.timers))
	for key, g := range m.timers {
		g.t.Stop()
		keys = append(keys, key)
	}
	clear(m.timers)
	m.mu.Unlock()
	for _, key := range keys {
		m.binder.Disconnect(key)
	}
}
