// Package registry is the authoritative in-process table of forms, host
// bindings, temporary forms and pending publish requests.
//
// Each table has its own lock and no method holds two of them at once.
// Allocate-then-bind is two critical sections, so callers re-validate
// between them.
package registry

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/log"
)

// Limits are the allocation ceilings. Each ceiling is exclusive: the count of
// forms it governs always stays strictly below it.
type Limits struct {
	MaxFormsPerUser   int
	MaxTempForms      int
	MaxFormsPerClient int
}

// DefaultLimits mirrors the platform defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFormsPerUser:   512,
		MaxTempForms:      256,
		MaxFormsPerClient: 256,
	}
}

// Allocation describes one AllocateOrReuse request.
type Allocation struct {
	// FormID is 0 for a new form, otherwise the (possibly short) id to reuse.
	FormID int64
	// PresetID, when set on a new form, is used instead of a generated id.
	PresetID int64
	Info     form.ProviderInfo
	Caller   form.Caller
	UserID   int
	Temp     bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithRand replaces the low-bits generator, for tests.
func WithRand(fn func() uint32) Option {
	return func(r *Registry) { r.rnd = fn }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry holds every form, host binding and staged publish request.
type Registry struct {
	limits     Limits
	deviceHigh int64
	rnd        func() uint32
	logger     *slog.Logger

	recordsMu sync.Mutex
	records   map[int64]*form.Record
	reserved  map[int64]struct{} // ids held by staged publish requests

	hostsMu sync.Mutex
	hosts   map[string]*hostEntry

	tempMu sync.Mutex
	temp   map[int64]struct{}

	publishMu sync.Mutex
	publish   map[int64]*PendingPublish
}

// New creates a registry whose generated ids carry the hash of deviceID in their high bits.
func New(deviceID string, limits Limits, opts ...Option) *Registry {
	r := &Registry{
		limits:     limits,
		deviceHigh: int64(DeviceHash(deviceID)) << 32,
		rnd:        rand.Uint32,
		logger:     log.WithComponent("registry"),
		records:    make(map[int64]*form.Record),
		reserved:   make(map[int64]struct{}),
		hosts:      make(map[string]*hostEntry),
		temp:       make(map[int64]struct{}),
		publish:    make(map[int64]*PendingPublish),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AllocateOrReuse creates a new record or attaches the caller to an existing one.
// Quota checks and the insert happen in one critical section so a refused
// allocation leaves no trace. The returned record is a copy; created reports
// whether a new record was made.
func (r *Registry) AllocateOrReuse(a Allocation) (*form.Record, bool, error) {
	if a.Info.Bundle == "" || a.Info.Ability == "" {
		return nil, false, form.Errorf(form.CodeInvalidParam, "provider bundle and ability are required")
	}

	if a.FormID != 0 {
		rec, err := r.reuse(a)
		return rec, false, err
	}

	r.recordsMu.Lock()
	if a.Temp {
		if r.countTempLocked()+1 >= r.limits.MaxTempForms {
			r.recordsMu.Unlock()
			return nil, false, form.ErrMaxSystemTempForms
		}
	} else if r.countUserLocked(a.UserID)+1 >= r.limits.MaxFormsPerUser {
		r.recordsMu.Unlock()
		return nil, false, form.ErrMaxUserForms
	}
	if r.countCallerLocked(a.Caller.UID)+1 >= r.limits.MaxFormsPerClient {
		r.recordsMu.Unlock()
		return nil, false, form.ErrMaxCallerForms
	}

	id := a.PresetID
	if id == 0 {
		id = r.generateIDLocked()
	} else if _, taken := r.records[id]; taken {
		r.recordsMu.Unlock()
		return nil, false, form.Errorf(form.CodeInvalidParam, "form id %d already allocated", id)
	}
	delete(r.reserved, id)
	rec := form.NewRecord(id, a.Info, a.Caller.UID, a.UserID, a.Temp)
	r.records[id] = rec
	out := rec.Clone()
	r.recordsMu.Unlock()

	if a.Temp {
		r.tempMu.Lock()
		r.temp[id] = struct{}{}
		r.tempMu.Unlock()
	}

	r.logger.Debug("form allocated", "form_id", id, "bundle", a.Info.Bundle, "temp", a.Temp, "uid", a.Caller.UID)
	return out, true, nil
}

func (r *Registry) reuse(a Allocation) (*form.Record, error) {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()

	id := r.foldLocked(a.FormID)
	rec, ok := r.records[id]
	if !ok {
		return nil, form.Errorf(form.CodeNotExistID, "form %d not found", a.FormID)
	}
	if !rec.Matches(a.Info) || rec.Temp != a.Temp {
		return nil, form.Errorf(form.CodeConfigMismatch, "form %d belongs to %s/%s", id, rec.BundleName, rec.FormName)
	}
	if _, held := rec.FormUserUIDs[a.Caller.UID]; !held {
		if r.countCallerLocked(a.Caller.UID)+1 >= r.limits.MaxFormsPerClient {
			return nil, form.ErrMaxCallerForms
		}
		rec.FormUserUIDs[a.Caller.UID] = struct{}{}
	}
	return rec.Clone(), nil
}

func (r *Registry) countTempLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.Temp {
			n++
		}
	}
	return n
}

func (r *Registry) countUserLocked(userID int) int {
	n := 0
	for _, rec := range r.records {
		if !rec.Temp && rec.UserID == userID {
			n++
		}
	}
	return n
}

func (r *Registry) countCallerLocked(uid int) int {
	n := 0
	for _, rec := range r.records {
		if _, ok := rec.FormUserUIDs[uid]; ok {
			n++
		}
	}
	return n
}

// Restore inserts a record loaded from durable storage. Temporary or ownerless
// records are ignored.
func (r *Registry) Restore(rec *form.Record) bool {
	if rec == nil || rec.Temp || len(rec.FormUserUIDs) == 0 {
		return false
	}
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	if _, exists := r.records[rec.ID]; exists {
		return false
	}
	c := rec.Clone()
	// Content is re-acquired; the cache is the source of truth for it.
	c.Inited = false
	c.NeedRefresh = true
	r.records[rec.ID] = c
	return true
}

// ReleaseUserRef removes uid from the form's owners and reports whether the set
// is now empty. It only mutates membership; teardown is the caller's job.
func (r *Registry) ReleaseUserRef(formID int64, uid int) (bool, error) {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	rec, ok := r.records[formID]
	if !ok {
		return false, form.Errorf(form.CodeNotExistID, "form %d not found", formID)
	}
	delete(rec.FormUserUIDs, uid)
	return len(rec.FormUserUIDs) == 0, nil
}

// Delete removes the record and its temp-set entry.
func (r *Registry) Delete(formID int64) bool {
	r.recordsMu.Lock()
	_, ok := r.records[formID]
	delete(r.records, formID)
	r.recordsMu.Unlock()

	r.tempMu.Lock()
	delete(r.temp, formID)
	r.tempMu.Unlock()
	return ok
}

// Get returns a copy of the record.
func (r *Registry) Get(formID int64) (*form.Record, bool) {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	rec, ok := r.records[formID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Exists reports whether formID is allocated.
func (r *Registry) Exists(formID int64) bool {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	_, ok := r.records[formID]
	return ok
}

// Update applies fn to the live record and returns a copy of the result.
// fn runs under the record lock and must not call back into the registry.
func (r *Registry) Update(formID int64, fn func(*form.Record)) (*form.Record, error) {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	rec, ok := r.records[formID]
	if !ok {
		return nil, form.Errorf(form.CodeNotExistID, "form %d not found", formID)
	}
	fn(rec)
	return rec.Clone(), nil
}

// MarkInited records fresh provider content.
func (r *Registry) MarkInited(formID int64, content []byte) (*form.Record, error) {
	return r.Update(formID, func(rec *form.Record) {
		rec.Inited = true
		rec.NeedRefresh = false
		rec.VersionUpgrade = false
		rec.Content = slices.Clone(content)
	})
}

// SetNeedRefresh flags a form whose update could not be delivered.
func (r *Registry) SetNeedRefresh(formID int64, need bool) error {
	_, err := r.Update(formID, func(rec *form.Record) { rec.NeedRefresh = need })
	return err
}

// SetVisible updates visibility and returns the ids whose state changed.
func (r *Registry) SetVisible(formIDs []int64, visible bool) []int64 {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	var changed []int64
	for _, id := range formIDs {
		rec, ok := r.records[id]
		if !ok || rec.Visible == visible {
			continue
		}
		rec.Visible = visible
		changed = append(changed, id)
	}
	return changed
}

// CastTemp turns a temporary form into a persistent one for userID.
func (r *Registry) CastTemp(formID int64, userID int) (*form.Record, error) {
	r.recordsMu.Lock()
	rec, ok := r.records[formID]
	if !ok {
		r.recordsMu.Unlock()
		return nil, form.Errorf(form.CodeNotExistID, "form %d not found", formID)
	}
	if !rec.Temp {
		r.recordsMu.Unlock()
		return nil, form.Errorf(form.CodeInvalidParam, "form %d is not temporary", formID)
	}
	if r.countUserLocked(userID)+1 >= r.limits.MaxFormsPerUser {
		r.recordsMu.Unlock()
		return nil, form.ErrMaxUserForms
	}
	rec.Temp = false
	rec.UserID = userID
	out := rec.Clone()
	r.recordsMu.Unlock()

	r.tempMu.Lock()
	delete(r.temp, formID)
	r.tempMu.Unlock()
	return out, nil
}

// All returns copies of every record ordered by id.
func (r *Registry) All() []*form.Record {
	r.recordsMu.Lock()
	out := make([]*form.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.recordsMu.Unlock()
	slices.SortFunc(out, func(a, b *form.Record) int {
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

// Count returns the number of records.
func (r *Registry) Count() int {
	r.recordsMu.Lock()
	defer r.recordsMu.Unlock()
	return len(r.records)
}

// TempForms returns the temporary form ids in ascending order.
func (r *Registry) TempForms() []int64 {
	r.tempMu.Lock()
	out := make([]int64, 0, len(r.temp))
	for id := range r.temp {
		out = append(out, id)
	}
	r.tempMu.Unlock()
	slices.Sort(out)
	return out
}

// FormsOf returns the ids served by a provider endpoint.
func (r *Registry) FormsOf(key form.ProviderKey) []int64 {
	return r.collect(func(rec *form.Record) bool { return rec.Key() == key })
}

// FormsOfBundle returns every form id supplied by bundle.
func (r *Registry) FormsOfBundle(bundle string) []int64 {
	return r.collect(func(rec *form.Record) bool { return rec.BundleName == bundle })
}

func (r *Registry) collect(match func(*form.Record) bool) []int64 {
	r.recordsMu.Lock()
	var out []int64
	for id, rec := range r.records {
		if match(rec) {
			out = append(out, id)
		}
	}
	r.recordsMu.Unlock()
	slices.Sort(out)
	return out
}
