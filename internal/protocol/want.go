package protocol

import (
	"maps"
	"strconv"
)

// Want is the parameter bag carried on every cross-process call. Values are kept
// as strings so they round-trip through any transport unchanged.
type Want map[string]string

// Keys the broker reads back from replies. Their spelling is part of the wire contract.
const (
	KeyConnectID          = "form_connect_id"
	KeyHostToken          = "form_host_token"
	KeyAcquireKind        = "form_acquire_kind"
	KeySupplyIdentity     = "form_supply_identity"
	KeyComponentID        = "form_connect_component_id"
	KeyCompileMode        = "form_compile_mode"
	KeyCompatibleVersion  = "form_compatible_version"
	KeyFormID             = "form_id"
	KeyBundleName         = "form_bundle_name"
	KeyAbilityName        = "form_ability_name"
	KeyModuleName         = "form_module_name"
	KeyFormName           = "form_name"
	KeyDimension          = "form_dimension"
	KeyTemp               = "form_temporary"
	KeyUserID             = "form_user_id"
	KeyErrorCode          = "form_error_code"
	KeyErrorMessage       = "form_error_message"
	KeyRequestCode        = "form_request_code"
	KeyRendererHandleID   = "form_renderer_handle"
	KeyVisibilityKind     = "form_visibility"
	KeyProviderIdentifier = "form_provider_identity"
)

// AcquireKind tells the supply sink what an acquire reply is for.
type AcquireKind int

const (
	AcquireCreate AcquireKind = iota + 1
	AcquireRecreate
	AcquireRender
)

func (k AcquireKind) String() string {
	switch k {
	case AcquireCreate:
		return "create"
	case AcquireRecreate:
		return "recreate"
	case AcquireRender:
		return "render"
	default:
		return "unknown"
	}
}

// NewWant returns an empty bag.
func NewWant() Want { return Want{} }

// Clone copies the bag; a nil bag clones to an empty one.
func (w Want) Clone() Want {
	if w == nil {
		return Want{}
	}
	return maps.Clone(w)
}

// String returns the raw value for key.
func (w Want) String(key string) string { return w[key] }

// SetString stores v under key.
func (w Want) SetString(key, v string) Want {
	w[key] = v
	return w
}

// Int64 parses key as a base-10 int64; missing or malformed values yield def.
func (w Want) Int64(key string, def int64) int64 {
	v, ok := w[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetInt64 stores n under key.
func (w Want) SetInt64(key string, n int64) Want {
	w[key] = strconv.FormatInt(n, 10)
	return w
}

// Int is Int64 narrowed to int.
func (w Want) Int(key string, def int) int { return int(w.Int64(key, int64(def))) }

// SetInt stores n under key.
func (w Want) SetInt(key string, n int) Want { return w.SetInt64(key, int64(n)) }

// Bool parses key with strconv.ParseBool.
func (w Want) Bool(key string, def bool) bool {
	v, ok := w[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SetBool stores b under key.
func (w Want) SetBool(key string, b bool) Want {
	w[key] = strconv.FormatBool(b)
	return w
}

// Has reports whether key is present.
func (w Want) Has(key string) bool {
	_, ok := w[key]
	return ok
}

// ConnectID is the connect id embedded by the broker, or 0.
func (w Want) ConnectID() int64 { return w.Int64(KeyConnectID, 0) }

// AcquireKind is the embedded acquire kind, or 0.
func (w Want) AcquireKind() AcquireKind { return AcquireKind(w.Int(KeyAcquireKind, 0)) }

// HostToken is the embedded host identity token.
func (w Want) HostToken() string { return w[KeyHostToken] }

// ErrorCode is the error a remote party embedded in its reply, or 0.
func (w Want) ErrorCode() int { return w.Int(KeyErrorCode, 0) }
