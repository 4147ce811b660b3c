// Package prototest provides in-memory remote parties for tests.
package prototest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mattjoyce/formbroker/internal/protocol"
)

// Handle is a remote capability whose death is triggered by Kill.
type Handle struct {
	id string

	mu    sync.Mutex
	next  int
	hooks map[int]func()
	dead  bool
}

// NewHandle returns a live handle.
func NewHandle(id string) *Handle {
	return &Handle{id: id, hooks: make(map[int]func())}
}

func (h *Handle) ID() string { return h.id }

// OnDeath registers fn. On an already dead handle fn runs at once.
func (h *Handle) OnDeath(fn func()) func() {
	h.mu.Lock()
	if h.dead {
		h.mu.Unlock()
		fn()
		return func() {}
	}
	h.next++
	n := h.next
	h.hooks[n] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.hooks, n)
		h.mu.Unlock()
	}
}

// Hooks returns the number of registered death hooks.
func (h *Handle) Hooks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Kill fires every death hook once.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.dead {
		h.mu.Unlock()
		return
	}
	h.dead = true
	hooks := make([]func(), 0, len(h.hooks))
	for _, fn := range h.hooks {
		hooks = append(hooks, fn)
	}
	clear(h.hooks)
	h.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Recorder keeps the calls a fake received.
type Recorder struct {
	mu    sync.Mutex
	calls []protocol.Call
	// Err, when set, is returned from every call.
	Err error
}

func (r *Recorder) record(c protocol.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Protocol = protocol.Version
	c.Want = c.Want.Clone()
	r.calls = append(r.calls, c)
	return r.Err
}

// Calls returns a copy of every recorded call.
func (r *Recorder) Calls() []protocol.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Methods returns the recorded call methods in order.
func (r *Recorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

// Count returns how many calls used method.
func (r *Recorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Provider records every call it receives.
type Provider struct {
	*Handle
	Recorder
}

// NewProvider returns a live fake provider.
func NewProvider(id string) *Provider {
	return &Provider{Handle: NewHandle(id)}
}

func (p *Provider) AcquireContent(f protocol.FormSnapshot, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodAcquire, Form: &f, FormID: f.ID, Want: want})
}

func (p *Provider) NotifyDelete(formID int64, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodDelete, FormID: formID, Want: want})
}

func (p *Provider) NotifyUpdate(formID int64, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodUpdate, FormID: formID, Want: want})
}

func (p *Provider) BatchNotifyDelete(formIDs []int64, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodBatchDelete, FormIDs: slices.Clone(formIDs), Want: want})
}

func (p *Provider) NotifyVisibility(formIDs []int64, kind protocol.Visibility, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodVisibility, FormIDs: slices.Clone(formIDs), Visibility: kind, Want: want})
}

func (p *Provider) FireEvent(formID int64, message string, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodEvent, FormID: formID, Message: message, Want: want})
}

func (p *Provider) AcquireState(query protocol.Want, providerIdentity string, want protocol.Want) error {
	w := want.Clone().SetString(protocol.KeyProviderIdentifier, providerIdentity)
	return p.record(protocol.Call{Method: protocol.MethodAcquireState, Query: query.Clone(), Want: w})
}

func (p *Provider) AcquireData(formID, requestCode int64, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodAcquireData, FormID: formID, RequestCode: requestCode, Want: want})
}

func (p *Provider) NotifyCastTemp(formID int64, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodCastTemp, FormID: formID, Want: want})
}

func (p *Provider) FireBackground(method string, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodBackground, Message: method, Want: want})
}

func (p *Provider) Share(formID int64, deviceID string, requestCode int64, want protocol.Want) error {
	return p.record(protocol.Call{Method: protocol.MethodShare, FormID: formID, DeviceID: deviceID, RequestCode: requestCode, Want: want})
}

// Renderer records every render call it receives.
type Renderer struct {
	*Handle
	Recorder
}

// NewRenderer returns a live fake renderer.
func NewRenderer(id string) *Renderer {
	return &Renderer{Handle: NewHandle(id)}
}

func (r *Renderer) Render(f protocol.FormSnapshot, want protocol.Want) error {
	return r.record(protocol.Call{Method: protocol.MethodRender, Form: &f, FormID: f.ID, Want: want})
}

func (r *Renderer) StopRendering(f protocol.FormSnapshot, want protocol.Want) error {
	return r.record(protocol.Call{Method: protocol.MethodStopRendering, Form: &f, FormID: f.ID, Want: want})
}

func (r *Renderer) Reload(formIDs []int64, want protocol.Want) error {
	return r.record(protocol.Call{Method: protocol.MethodReload, FormIDs: slices.Clone(formIDs), Want: want})
}

func (r *Renderer) CleanFormHost(hostToken string) error {
	return r.record(protocol.Call{Method: protocol.MethodCleanFormHost, HostToken: hostToken})
}

// HostError is one OnError push.
type HostError struct {
	Code int
	Msg  string
}

// Host records every push it receives.
type Host struct {
	mu          sync.Mutex
	acquired    []protocol.FormSnapshot
	updated     []protocol.FormSnapshot
	uninstalled [][]int64
	errors      []HostError
	states      []protocol.State
}

func (h *Host) OnAcquired(f protocol.FormSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acquired = append(h.acquired, f)
}

func (h *Host) OnUpdated(f protocol.FormSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updated = append(h.updated, f)
}

func (h *Host) OnUninstalled(formIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uninstalled = append(h.uninstalled, slices.Clone(formIDs))
}

func (h *Host) OnError(code int, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, HostError{Code: code, Msg: msg})
}

func (h *Host) OnStateResult(state protocol.State, _ protocol.Want) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
}

// Acquired returns the OnAcquired pushes.
func (h *Host) Acquired() []protocol.FormSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.acquired)
}

// Updated returns the OnUpdated pushes.
func (h *Host) Updated() []protocol.FormSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.updated)
}

// Uninstalled returns the OnUninstalled pushes.
func (h *Host) Uninstalled() [][]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.uninstalled)
}

// Errors returns the OnError pushes.
func (h *Host) Errors() []HostError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.errors)
}

// States returns the OnStateResult pushes.
func (h *Host) States() []protocol.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.states)
}

// String is used in test failure output.
func (h *Host) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("host{acquired:%d updated:%d uninstalled:%d errors:%d}",
		len(h.acquired), len(h.updated), len(h.uninstalled), len(h.errors))
}
