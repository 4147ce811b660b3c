package registry

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// PendingPublish is a provider's request to place a form on a host, held
// until the host accepts it with AddForm on the reserved id.
type PendingPublish struct {
	FormID    int64
	Info      form.ProviderInfo
	Want      protocol.Want
	Data      json.RawMessage
	CallerUID int
	UserID    int
	StagedAt  time.Time
}

// StagePublish reserves an id for p and stores it.
func (r *Registry) StagePublish(p PendingPublish) int64 {
	r.recordsMu.Lock()
	id := r.generateIDLocked()
	r.reserved[id] = struct{}{}
	r.recordsMu.Unlock()

	p.FormID = id
	if p.StagedAt.IsZero() {
		p.StagedAt = time.Now()
	}
	p.Want = p.Want.Clone()
	p.Data = slices.Clone(p.Data)

	r.publishMu.Lock()
	r.publish[id] = &p
	r.publishMu.Unlock()
	return id
}

// PeekPublish returns a copy of the staged request for formID and leaves it
// staged.
func (r *Registry) PeekPublish(formID int64) (*PendingPublish, bool) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	p, ok := r.publish[formID]
	if !ok {
		return nil, false
	}
	out := *p
	out.Want = p.Want.Clone()
	out.Data = slices.Clone(p.Data)
	return &out, true
}

// TakePublish removes and returns the staged request for formID.
func (r *Registry) TakePublish(formID int64) (*PendingPublish, bool) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	p, ok := r.publish[formID]
	if ok {
		delete(r.publish, formID)
	}
	return p, ok
}

// PendingPublishes lists staged ids.
func (r *Registry) PendingPublishes() []int64 {
	r.publishMu.Lock()
	out := make([]int64, 0, len(r.publish))
	for id := range r.publish {
		out = append(out, id)
	}
	r.publishMu.Unlock()
	slices.Sort(out)
	return out
}

// ExpirePublishes drops requests staged before cutoff and frees their ids.
func (r *Registry) ExpirePublishes(cutoff time.Time) int {
	var expired []int64
	r.publishMu.Lock()
	for id, p := range r.publish {
		if p.StagedAt.Before(cutoff) {
			delete(r.publish, id)
			expired = append(expired, id)
		}
	}
	r.publishMu.Unlock()

	r.recordsMu.Lock()
	for _, id := range expired {
		delete(r.reserved, id)
	}
	r.recordsMu.Unlock()
	return len(expired)
}
