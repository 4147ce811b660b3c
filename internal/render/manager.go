// Package render manages per-form connections to the shared renderer process.
//
// Every form has its own connection entry because render output is per-form
// state, but all entries ride the one renderer handle. When that handle dies
// the entries fall back to Disconnected and are reconnected lazily by the next
// Render for the same form.
package render

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/log"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// RendererKey is the endpoint the binder resolves to the renderer process.
var RendererKey = form.ProviderKey{Bundle: "formbroker.renderer", Ability: "RenderService"}

var (
	rendererDeaths = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formbroker_renderer_deaths_total",
		Help: "Renderer process deaths observed.",
	})
	pendingRerenders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "formbroker_renderer_pending_rerenders",
		Help: "Forms waiting to be re-rendered after a renderer death.",
	})
	renderConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formbroker_render_connect_failures_total",
		Help: "Renderer binds that failed.",
	})
)

// State is the lifecycle of one form's renderer connection. A form with no
// entry is in the implicit NoConnection state.
type State int

const (
	NoConnection State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case NoConnection:
		return "none"
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

// HostLookup resolves a host token to its push channel.
type HostLookup interface {
	Host(token string) (protocol.Host, bool)
}

type renderConn struct {
	connectID int64
	bindSeq   uint64
	state     State
	snap      protocol.FormSnapshot
	want      protocol.Want
}

// Manager owns the renderer connections. Its three maps are guarded by
// separate locks and no method holds two of them.
type Manager struct {
	binder connect.Binder
	poster connect.Poster
	hosts  HostLookup
	logger *slog.Logger

	handleMu    sync.Mutex
	handle      protocol.Renderer
	handleGen   uint64
	cancelDeath func()
	rerender    int

	connMu  sync.Mutex
	conns   map[int64]*renderConn
	nextID  int64
	bindSeq uint64

	hostMu    sync.Mutex
	hostForms map[string]map[int64]struct{}
	formHosts map[int64]map[string]struct{}
}

// NewManager creates a renderer connection manager.
func NewManager(binder connect.Binder, poster connect.Poster, hosts HostLookup) *Manager {
	return &Manager{
		binder:    binder,
		poster:    poster,
		hosts:     hosts,
		logger:    log.WithComponent("render"),
		conns:     make(map[int64]*renderConn),
		hostForms: make(map[string]map[int64]struct{}),
		formHosts: make(map[int64]map[string]struct{}),
	}
}

// Render draws snap for its form. A form without a connection gets one; a
// Connected form with a live renderer is drawn directly; a form whose
// connection was lost to a renderer death reconnects first.
func (m *Manager) Render(snap protocol.FormSnapshot, want protocol.Want, hostToken string) error {
	if snap.ID == 0 {
		return form.Errorf(form.CodeInvalidParam, "render needs a form id")
	}
	if hostToken != "" {
		m.index(snap.ID, hostToken)
	}
	h := m.sharedHandle()

	m.connMu.Lock()
	c, ok := m.conns[snap.ID]
	bind, recovered := false, false
	switch {
	case !ok:
		m.nextID++
		c = &renderConn{connectID: m.nextID, state: Connecting}
		m.conns[snap.ID] = c
		bind = true
	case c.state == Connected && h != nil:
	case c.state == Connecting:
		// The pending bind renders the latest snapshot.
	default:
		recovered = c.state == Disconnected
		c.state = Connecting
		bind = true
	}
	c.snap = snap
	c.want = want.Clone()
	connectID := c.connectID
	var seq uint64
	if bind {
		m.bindSeq++
		c.bindSeq = m.bindSeq
		seq = c.bindSeq
	}
	state := c.state
	m.connMu.Unlock()

	if recovered {
		m.handleMu.Lock()
		if m.rerender > 0 {
			m.rerender--
		}
		pendingRerenders.Set(float64(m.rerender))
		m.handleMu.Unlock()
	}

	if bind {
		m.logger.Debug("binding renderer", "form_id", snap.ID, "recovered", recovered)
		if err := m.binder.Bind(RendererKey, &listener{m: m, formID: snap.ID, seq: seq}); err != nil {
			m.onBindFailed(snap.ID, seq, form.CodeConnectRenderFailed)
			return form.Errorf(form.CodeConnectRenderFailed, "bind renderer: %v", err)
		}
		return nil
	}
	if state == Connected {
		m.postRender(h, snap.ID, connectID, snap, want)
	}
	return nil
}

func (m *Manager) postRender(h protocol.Renderer, formID, connectID int64, snap protocol.FormSnapshot, want protocol.Want) {
	w := want.Clone().SetInt64(protocol.KeyConnectID, connectID)
	m.poster.Post("render", func(context.Context) {
		if err := h.Render(snap, w); err != nil {
			m.logger.Warn("render call failed", "form_id", formID, "error", err)
		}
	}, 0)
}

type listener struct {
	m      *Manager
	formID int64
	seq    uint64
}

func (l *listener) OnConnected(h protocol.Handle) { l.m.onBound(l.formID, l.seq, h) }
func (l *listener) OnFailed(code form.Code) { l.m.onBindFailed(l.formID, l.seq, code) }

func (m *Manager) onBound(formID int64, seq uint64, h protocol.Handle) {
	r, ok := h.(protocol.Renderer)
	if !ok {
		m.onBindFailed(formID, seq, form.CodeConnectRenderFailed)
		return
	}
	m.adopt(r)

	m.connMu.Lock()
	c, ok := m.conns[formID]
	if !ok || c.bindSeq != seq || c.state != Connecting {
		// Removed, superseded or knocked down by a death while binding.
		m.connMu.Unlock()
		return
	}
	c.state = Connected
	snap, want, connectID := c.snap, c.want, c.connectID
	m.connMu.Unlock()

	m.postRender(r, formID, connectID, snap, want)
}

// adopt makes r the shared handle and hooks its death once.
func (m *Manager) adopt(r protocol.Renderer) {
	m.handleMu.Lock()
	if m.handle != nil && m.handle.ID() == r.ID() {
		m.handleMu.Unlock()
		return
	}
	old := m.cancelDeath
	m.handle = r
	m.cancelDeath = nil
	m.handleGen++
	gen := m.handleGen
	m.handleMu.Unlock()

	if old != nil {
		old()
	}
	cancel := r.OnDeath(func() { m.onRendererDied(gen) })

	m.handleMu.Lock()
	if m.handleGen == gen {
		m.cancelDeath = cancel
		m.handleMu.Unlock()
		return
	}
	m.handleMu.Unlock()
	cancel()
}

func (m *Manager) onBindFailed(formID int64, seq uint64, code form.Code) {
	m.connMu.Lock()
	c, ok := m.conns[formID]
	if !ok || c.bindSeq != seq {
		m.connMu.Unlock()
		return
	}
	delete(m.conns, formID)
	m.connMu.Unlock()

	renderConnectFailures.Inc()
	m.logger.Warn("renderer bind failed", "form_id", formID, "code", code.String())
	m.notifyHosts(m.hostsOf(formID), form.CodeConnectRenderFailed, "renderer connection failed")
}

// onRendererDied runs from the death hook of handle generation gen.
func (m *Manager) onRendererDied(gen uint64) {
	m.handleMu.Lock()
	if m.handleGen != gen || m.handle == nil {
		m.handleMu.Unlock()
		return
	}
	dead := m.handle.ID()
	m.handle = nil
	m.cancelDeath = nil
	m.handleMu.Unlock()

	m.connMu.Lock()
	var affected []int64
	for formID, c := range m.conns {
		c.state = Disconnected
		affected = append(affected, formID)
	}
	m.connMu.Unlock()

	m.handleMu.Lock()
	m.rerender = len(affected)
	m.handleMu.Unlock()
	pendingRerenders.Set(float64(len(affected)))
	rendererDeaths.Inc()

	m.hostMu.Lock()
	var tokens []string
	for token, forms := range m.hostForms {
		for _, id := range affected {
			if _, ok := forms[id]; ok {
				tokens = append(tokens, token)
				break
			}
		}
	}
	m.hostMu.Unlock()
	slices.Sort(tokens)

	m.logger.Warn("renderer died", "handle", dead, "forms", len(affected), "hosts", len(tokens))
	m.notifyHosts(tokens, form.CodeConnectRenderFailed, "renderer died")
}

func (m *Manager) notifyHosts(tokens []string, code form.Code, msg string) {
	if m.hosts == nil {
		return
	}
	for _, token := range tokens {
		if h, ok := m.hosts.Host(token); ok {
			h.OnError(int(code), msg)
		}
	}
}

// StopRendering asks the renderer to stop drawing formID. Without a live
// connection there is nothing to stop.
func (m *Manager) StopRendering(formID int64, compID, hostToken string) error {
	h := m.sharedHandle()
	m.connMu.Lock()
	c, ok := m.conns[formID]
	if !ok || c.state != Connected || h == nil {
		m.connMu.Unlock()
		return nil
	}
	snap := c.snap
	want := c.want.Clone().SetInt64(protocol.KeyConnectID, c.connectID)
	m.connMu.Unlock()

	if compID != "" {
		want.SetString(protocol.KeyComponentID, compID)
	}
	if hostToken != "" {
		want.SetString(protocol.KeyHostToken, hostToken)
	}
	m.poster.Post("stop_rendering", func(context.Context) {
		if err := h.StopRendering(snap, want); err != nil {
			m.logger.Warn("stop rendering failed", "form_id", formID, "error", err)
		}
	}, 0)
	return nil
}

// Reload asks the renderer to reload the connected forms among formIDs.
func (m *Manager) Reload(formIDs []int64, want protocol.Want) error {
	h := m.sharedHandle()
	if h == nil {
		return nil
	}
	m.connMu.Lock()
	var ids []int64
	for _, id := range formIDs {
		if c, ok := m.conns[id]; ok && c.state == Connected {
			ids = append(ids, id)
		}
	}
	m.connMu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	w := want.Clone()
	m.poster.Post("reload", func(context.Context) {
		if err := h.Reload(ids, w); err != nil {
			m.logger.Warn("reload failed", "forms", ids, "error", err)
		}
	}, 0)
	return nil
}

// Detach removes formID's connection and its index entries.
func (m *Manager) Detach(formID int64) bool {
	m.hostMu.Lock()
	for token := range m.formHosts[formID] {
		m.unindexLocked(formID, token)
	}
	m.hostMu.Unlock()
	return m.remove([]int64{formID}) > 0
}

// CleanFormHost drops the host from the reverse index, removes the renderer
// connection of every form left with no host, and tells the renderer to
// release the host's resources.
func (m *Manager) CleanFormHost(token string) {
	m.hostMu.Lock()
	var orphans []int64
	for formID := range m.hostForms[token] {
		m.unindexLocked(formID, token)
		if len(m.formHosts[formID]) == 0 {
			orphans = append(orphans, formID)
		}
	}
	m.hostMu.Unlock()
	slices.Sort(orphans)

	if n := m.remove(orphans); n > 0 {
		m.logger.Info("removed renderer connections of departed host", "host", token, "forms", orphans)
	}
	if h := m.sharedHandle(); h != nil {
		m.poster.Post("clean_form_host", func(context.Context) {
			if err := h.CleanFormHost(token); err != nil {
				m.logger.Warn("clean form host failed", "host", token, "error", err)
			}
		}, 0)
	}
}

// remove deletes the entries and disconnects the renderer once none remain.
func (m *Manager) remove(formIDs []int64) int {
	m.connMu.Lock()
	n, lost := 0, 0
	for _, id := range formIDs {
		if c, ok := m.conns[id]; ok {
			if c.state == Disconnected {
				lost++
			}
			delete(m.conns, id)
			n++
		}
	}
	empty := len(m.conns) == 0
	m.connMu.Unlock()

	if n == 0 {
		return 0
	}
	if !empty {
		if lost > 0 {
			m.handleMu.Lock()
			m.rerender = max(m.rerender-lost, 0)
			pendingRerenders.Set(float64(m.rerender))
			m.handleMu.Unlock()
		}
		return n
	}
	m.handleMu.Lock()
	cancel := m.cancelDeath
	had := m.handle != nil
	m.handle = nil
	m.cancelDeath = nil
	m.handleGen++
	m.rerender = 0
	m.handleMu.Unlock()
	pendingRerenders.Set(0)

	if cancel != nil {
		cancel()
	}
	if had {
		m.binder.Disconnect(RendererKey)
	}
	return n
}

func (m *Manager) index(formID int64, token string) {
	m.hostMu.Lock()
	defer m.hostMu.Unlock()
	forms, ok := m.hostForms[token]
	if !ok {
		forms = make(map[int64]struct{})
		m.hostForms[token] = forms
	}
	forms[formID] = struct{}{}
	hosts, ok := m.formHosts[formID]
	if !ok {
		hosts = make(map[string]struct{})
		m.formHosts[formID] = hosts
	}
	hosts[token] = struct{}{}
}

func (m *Manager) unindexLocked(formID int64, token string) {
	if forms, ok := m.hostForms[token]; ok {
		delete(forms, formID)
		if len(forms) == 0 {
			delete(m.hostForms, token)
		}
	}
	if hosts, ok := m.formHosts[formID]; ok {
		delete(hosts, token)
		if len(hosts) == 0 {
			delete(m.formHosts, formID)
		}
	}
}

func (m *Manager) hostsOf(formID int64) []string {
	m.hostMu.Lock()
	defer m.hostMu.Unlock()
	out := make([]string, 0, len(m.formHosts[formID]))
	for token := range m.formHosts[formID] {
		out = append(out, token)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) sharedHandle() protocol.Renderer {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	return m.handle
}

// State returns formID's connection state.
func (m *Manager) State(formID int64) State {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	c, ok := m.conns[formID]
	if !ok {
		return NoConnection
	}
	return c.state
}

// PendingRerenders is the number of forms still waiting for recovery after
// the last renderer death.
func (m *Manager) PendingRerenders() int {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	return m.rerender
}

// Connections returns the number of tracked forms.
func (m *Manager) Connections() int {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return len(m.conns)
}

// HostForms returns the forms rendered on behalf of token.
func (m *Manager) HostForms(token string) []int64 {
	m.hostMu.Lock()
	out := make([]int64, 0, len(m.hostForms[token]))
	for id := range m.hostForms[token] {
		out = append(out, id)
	}
	m.hostMu.Unlock()
	slices.Sort(out)
	return out
}
