// Package form holds the plain data the broker passes around: form records,
// host bindings, provider identity and the error taxonomy.
package form

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Syntax is the content syntax a provider declares for a form.
type Syntax int

const (
	SyntaxScript Syntax = iota
	SyntaxDeclarative
)

func (s Syntax) String() string {
	if s == SyntaxDeclarative {
		return "declarative"
	}
	return "script"
}

// ParseSyntax accepts the manifest spelling. Anything unknown is treated as script.
func ParseSyntax(s string) Syntax {
	switch s {
	case "declarative", "arkts":
		return SyntaxDeclarative
	default:
		return SyntaxScript
	}
}

// ProviderKey identifies a provider endpoint. Connections sharing a key may share
// one physical channel.
type ProviderKey struct {
	Bundle  string `json:"bundle"`
	Ability string `json:"ability"`
}

func (k ProviderKey) String() string { return k.Bundle + "::" + k.Ability }

// RefreshPolicy is either an interval or a daily time of day, never both.
type RefreshPolicy struct {
	Duration time.Duration `json:"duration,omitempty"`
	AtHour   int           `json:"at_hour"`
	AtMin    int           `json:"at_min"`
	// AtSet marks the time-of-day policy active; 00:00 is a valid time.
	AtSet bool `json:"at_set,omitempty"`
}

// Interval returns a policy that refreshes every d.
func Interval(d time.Duration) RefreshPolicy { return RefreshPolicy{Duration: d} }

// DailyAt returns a policy that refreshes once a day at hour:min.
func DailyAt(hour, min int) RefreshPolicy {
	return RefreshPolicy{AtHour: hour, AtMin: min, AtSet: true}
}

// Active reports whether any refresh policy is configured.
func (p RefreshPolicy) Active() bool { return p.Duration > 0 || p.AtSet }

// Valid reports whether at most one policy is active and the time of day is in range.
func (p RefreshPolicy) Valid() bool {
	if p.Duration > 0 && p.AtSet {
		return false
	}
	if p.AtSet && (p.AtHour < 0 || p.AtHour > 23 || p.AtMin < 0 || p.AtMin > 59) {
		return false
	}
	return p.Duration >= 0
}

// ProviderInfo is what the bundle metadata service knows about one form.
type ProviderInfo struct {
	Bundle            string        `json:"bundle"`
	Ability           string        `json:"ability"`
	Module            string        `json:"module"`
	FormName          string        `json:"form_name"`
	Dimension         int           `json:"dimension"`
	Syntax            Syntax        `json:"syntax"`
	EnableUpdate      bool          `json:"enable_update"`
	Refresh           RefreshPolicy `json:"refresh"`
	Version           int           `json:"version"`
	CompatibleVersion int           `json:"compatible_version"`
	Entrypoint        string        `json:"-"`
}

// Key returns the provider endpoint key.
func (p ProviderInfo) Key() ProviderKey { return ProviderKey{Bundle: p.Bundle, Ability: p.Ability} }

// Caller identifies the process making an inbound request.
type Caller struct {
	Token  string
	UID    int
	Bundle string
}

// Record is one form instance.
type Record struct {
	ID                int64            `json:"id"`
	BundleName        string           `json:"bundle_name"`
	AbilityName       string           `json:"ability_name"`
	ModuleName        string           `json:"module_name"`
	FormName          string           `json:"form_name"`
	Dimension         int              `json:"dimension"`
	UserID            int              `json:"user_id"`
	FormUserUIDs      map[int]struct{} `json:"-"`
	Temp              bool             `json:"temp"`
	EnableUpdate      bool             `json:"enable_update"`
	Refresh           RefreshPolicy    `json:"refresh"`
	Visible           bool             `json:"visible"`
	NeedRefresh       bool             `json:"need_refresh"`
	Inited            bool             `json:"inited"`
	VersionUpgrade    bool             `json:"version_upgrade"`
	Syntax            Syntax           `json:"syntax"`
	Version           int              `json:"version"`
	CompatibleVersion int              `json:"compatible_version"`
	Content           json.RawMessage  `json:"content,omitempty"`
}

// NewRecord builds a record for info owned by caller on behalf of userID.
func NewRecord(id int64, info ProviderInfo, callerUID, userID int, temp bool) *Record {
	return &Record{
		ID:                id,
		BundleName:        info.Bundle,
		AbilityName:       info.Ability,
		ModuleName:        info.Module,
		FormName:          info.FormName,
		Dimension:         info.Dimension,
		UserID:            userID,
		FormUserUIDs:      map[int]struct{}{callerUID: {}},
		Temp:              temp,
		EnableUpdate:      info.EnableUpdate,
		Refresh:           info.Refresh,
		NeedRefresh:       true,
		Syntax:            info.Syntax,
		Version:           info.Version,
		CompatibleVersion: info.CompatibleVersion,
	}
}

// Key returns the provider endpoint key of the record.
func (r *Record) Key() ProviderKey {
	return ProviderKey{Bundle: r.BundleName, Ability: r.AbilityName}
}

// Matches reports whether the record was created for the same provider form.
func (r *Record) Matches(info ProviderInfo) bool {
	return r.BundleName == info.Bundle &&
		r.AbilityName == info.Ability &&
		r.ModuleName == info.Module &&
		r.FormName == info.FormName
}

// UIDs returns the owner uids in ascending order.
func (r *Record) UIDs() []int {
	return slices.Sorted(maps.Keys(r.FormUserUIDs))
}

// Clone returns a deep copy that callers may keep after the registry lock is released.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.FormUserUIDs = maps.Clone(r.FormUserUIDs)
	if r.Content != nil {
		c.Content = slices.Clone(r.Content)
	}
	return &c
}

type recordJSON struct {
	*recordAlias
	UIDs []int `json:"form_user_uids"`
}

type recordAlias Record

// MarshalJSON encodes the uid set as a sorted list.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{recordAlias: (*recordAlias)(r), UIDs: r.UIDs()})
}

// UnmarshalJSON decodes the uid list back into a set.
func (r *Record) UnmarshalJSON(b []byte) error {
	aux := recordJSON{recordAlias: (*recordAlias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.FormUserUIDs = make(map[int]struct{}, len(aux.UIDs))
	for _, uid := range aux.UIDs {
		r.FormUserUIDs[uid] = struct{}{}
	}
	return nil
}

// HostBinding is one host process and the forms it displays.
type HostBinding struct {
	Token  string
	UID    int
	Bundle string
	Forms  map[int64]*HostFormFlags
}

// HostFormFlags are the per-form switches a host controls.
type HostFormFlags struct {
	EnableUpdate  bool
	EnableRefresh bool
}

// FormIDs returns the bound form ids in ascending order.
func (h *HostBinding) FormIDs() []int64 {
	return slices.Sorted(maps.Keys(h.Forms))
}
