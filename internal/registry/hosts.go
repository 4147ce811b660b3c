package registry

import (
	"slices"

	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

type hostEntry struct {
	binding form.HostBinding
	client  protocol.Host
}

// HostRef is a snapshot of one host's binding to a form.
type HostRef struct {
	Token  string
	UID    int
	Bundle string
	Client protocol.Host
	Flags  form.HostFormFlags
}

// BindHost records that the caller's host displays formID. Binding twice is a
// no-op. A non-nil client replaces the stored callback channel.
func (r *Registry) BindHost(formID int64, caller form.Caller, client protocol.Host) bool {
	if caller.Token == "" || formID == 0 {
		return false
	}
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()

	e, ok := r.hosts[caller.Token]
	if !ok {
		e = &hostEntry{binding: form.HostBinding{
			Token:  caller.Token,
			UID:    caller.UID,
			Bundle: caller.Bundle,
			Forms:  make(map[int64]*form.HostFormFlags),
		}}
		r.hosts[caller.Token] = e
	}
	if client != nil {
		e.client = client
	}
	if _, bound := e.binding.Forms[formID]; !bound {
		e.binding.Forms[formID] = &form.HostFormFlags{EnableUpdate: true, EnableRefresh: true}
	}
	return true
}

// UnbindHost removes formID from the host and drops the host when it holds
// nothing else.
func (r *Registry) UnbindHost(formID int64, token string) bool {
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()
	e, ok := r.hosts[token]
	if !ok {
		return false
	}
	if _, bound := e.binding.Forms[formID]; !bound {
		return false
	}
	delete(e.binding.Forms, formID)
	if len(e.binding.Forms) == 0 {
		delete(r.hosts, token)
	}
	return true
}

// UnbindAll removes formID from every host.
func (r *Registry) UnbindAll(formID int64) {
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()
	for token, e := range r.hosts {
		delete(e.binding.Forms, formID)
		if len(e.binding.Forms) == 0 {
			delete(r.hosts, token)
		}
	}
}

// HostOwns reports whether the host has formID bound.
func (r *Registry) HostOwns(token string, formID int64) bool {
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()
	e, ok := r.hosts[token]
	if !ok {
		return false
	}
	_, bound := e.binding.Forms[formID]
	return bound
}

// Host returns the callback channel registered for token.
func (r *Registry) Host(token string) (protocol.Host, bool) {
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()
	e, ok := r.hosts[token]
	if !ok || e.client == nil {
		return nil, false
	}
	return e.client, true
}

// HostForms returns the ids bound to token.
func (r *Registry) HostForms(token string) []int64 {
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()
	e, ok := r.hosts[token]
	if !ok {
		return nil
	}
	return e.binding.FormIDs()
}

// HostsOf returns every host bound to formID, ordered by token.
func (r *Registry) HostsOf(formID int64) []HostRef {
	r.hostsMu.Lock()
	var out []HostRef
	for _, e := range r.hosts {
		flags, ok := e.binding.Forms[formID]
		if !ok {
			continue
		}
		out = append(out, HostRef{
			Token:  e.binding.Token,
			UID:    e.binding.UID,
			Bundle: e.binding.Bundle,
			Client: e.client,
			Flags:  *flags,
		})
	}
	r.hostsMu.Unlock()
	slices.SortFunc(out, func(a, b HostRef) int {
		switch {
		case a.Token < b.Token:
			return -1
		case a.Token > b.Token:
			return 1
		}
		return 0
	})
	return out
}

// Hosts returns every registered host token.
func (r *Registry) Hosts() []string {
	r.hostsMu.Lock()
	out := make([]string, 0, len(r.hosts))
	for token := range r.hosts {
		out = append(out, token)
	}
	r.hostsMu.Unlock()
	slices.Sort(out)
	return out
}

// SetHostEnableUpdate toggles update delivery for the host's forms and returns
// the ids it applied to.
func (r *Registry) SetHostEnableUpdate(token string, formIDs []int64, enable bool) []int64 {
	r.hostsMu.Lock()
	defer r.hostsMu.Unlock()
	e, ok := r.hosts[token]
	if !ok {
		return nil
	}
	var applied []int64
	for _, id := range formIDs {
		flags, bound := e.binding.Forms[id]
		if !bound {
			continue
		}
		flags.EnableUpdate = enable
		applied = append(applied, id)
	}
	return applied
}

// HandleHostDied drops the host binding and releases the host's uid from its
// temporary forms. It returns the temporary forms left with no owner, which
// have been removed from the registry. Persistent forms are untouched.
func (r *Registry) HandleHostDied(token string) []int64 {
	r.hostsMu.Lock()
	e, ok := r.hosts[token]
	if !ok {
		r.hostsMu.Unlock()
		return nil
	}
	delete(r.hosts, token)
	forms := e.binding.FormIDs()
	uid := e.binding.UID
	// A second live host running under the same uid keeps its reference.
	stillHeld := make(map[int64]bool, len(forms))
	for _, other := range r.hosts {
		if other.binding.UID != uid {
			continue
		}
		for _, id := range forms {
			if _, bound := other.binding.Forms[id]; bound {
				stillHeld[id] = true
			}
		}
	}
	r.hostsMu.Unlock()

	var removed []int64
	r.recordsMu.Lock()
	for _, id := range forms {
		rec, ok := r.records[id]
		if !ok || !rec.Temp || stillHeld[id] {
			continue
		}
		delete(rec.FormUserUIDs, uid)
		if len(rec.FormUserUIDs) == 0 {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	r.recordsMu.Unlock()

	if len(removed) > 0 {
		r.tempMu.Lock()
		for _, id := range removed {
			delete(r.temp, id)
		}
		r.tempMu.Unlock()
		r.logger.Info("host died, temporary forms released", "host", token, "forms", removed)
	}
	return removed
}
