// Package connecttest provides a scriptable connect.Binder.
package connecttest

import (
	"slices"
	"sync"

	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

type pendingBind struct {
	key form.ProviderKey
	l   connect.Listener
}

// Binder resolves binds from a table of handles. By default outcomes are
// delivered inside Bind; after Hold they queue until Release.
type Binder struct {
	mu          sync.Mutex
	handles     map[form.ProviderKey]protocol.Handle
	failures    map[form.ProviderKey]form.Code
	held        bool
	pending     []pendingBind
	binds       map[form.ProviderKey]int
	disconnects []form.ProviderKey

	// BindErr, when set, is returned synchronously from Bind.
	BindErr error
}

// NewBinder returns an empty binder. Unknown keys fail with BindProviderFailed.
func NewBinder() *Binder {
	return &Binder{
		handles:  make(map[form.ProviderKey]protocol.Handle),
		failures: make(map[form.ProviderKey]form.Code),
		binds:    make(map[form.ProviderKey]int),
	}
}

// Serve makes binds to key connect to h.
func (b *Binder) Serve(key form.ProviderKey, h protocol.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles[key] = h
	delete(b.failures, key)
}

// FailWith makes binds to key fail with code.
func (b *Binder) FailWith(key form.ProviderKey, code form.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[key] = code
}

// Hold queues outcomes until Release.
func (b *Binder) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = true
}

// Release delivers queued outcomes and returns how many there were.
func (b *Binder) Release() int {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.held = false
	b.mu.Unlock()
	for _, p := range pending {
		b.deliver(p.key, p.l)
	}
	return len(pending)
}

func (b *Binder) Bind(key form.ProviderKey, l connect.Listener) error {
	b.mu.Lock()
	if b.BindErr != nil {
		err := b.BindErr
		b.mu.Unlock()
		return err
	}
	b.binds[key]++
	if b.held {
		b.pending = append(b.pending, pendingBind{key: key, l: l})
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	b.deliver(key, l)
	return nil
}

func (b *Binder) deliver(key form.ProviderKey, l connect.Listener) {
	b.mu.Lock()
	code, failed := b.failures[key]
	h, ok := b.handles[key]
	b.mu.Unlock()
	switch {
	case failed:
		l.OnFailed(code)
	case !ok:
		l.OnFailed(form.CodeBindProviderFailed)
	default:
		l.OnConnected(h)
	}
}

func (b *Binder) Disconnect(key form.ProviderKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects = append(b.disconnects, key)
}

// Binds returns how many times key was bound.
func (b *Binder) Binds(key form.ProviderKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds[key]
}

// Disconnects returns every physical disconnect in order.
func (b *Binder) Disconnects() []form.ProviderKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.disconnects)
}
