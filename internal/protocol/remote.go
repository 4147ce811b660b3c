package protocol

import "encoding/json"

// FormSnapshot is the view of a form sent to providers, renderers and hosts.
type FormSnapshot struct {
	ID                int64           `json:"id"`
	Bundle            string          `json:"bundle"`
	Ability           string          `json:"ability"`
	Module            string          `json:"module"`
	FormName          string          `json:"form_name"`
	Dimension         int             `json:"dimension"`
	Temp              bool            `json:"temp"`
	Syntax            string          `json:"syntax"`
	CompatibleVersion int             `json:"compatible_version,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
}

// FormData is a provider's answer to an acquire or update.
type FormData struct {
	FormID int64           `json:"form_id"`
	Data   json.RawMessage `json:"data"`
}

// Visibility is the kind of a visibility notification.
type Visibility int

const (
	Visible Visibility = iota + 1
	Invisible
)

// State is a provider's answer to a state query.
type State int

const (
	StateUnknown State = iota - 1
	StateDefault
	StateReady
)

// Handle is a remote capability. Death hooks fire at most once, on any goroutine.
type Handle interface {
	ID() string
	OnDeath(fn func()) (cancel func())
}

// Provider is the remote surface of a provider process. Every call is async:
// a nil error only means the call was handed to the transport.
type Provider interface {
	Handle
	AcquireContent(form FormSnapshot, want Want) error
	NotifyDelete(formID int64, want Want) error
	NotifyUpdate(formID int64, want Want) error
	BatchNotifyDelete(formIDs []int64, want Want) error
	NotifyVisibility(formIDs []int64, kind Visibility, want Want) error
	FireEvent(formID int64, message string, want Want) error
	AcquireState(query Want, providerIdentity string, want Want) error
	AcquireData(formID int64, requestCode int64, want Want) error
	NotifyCastTemp(formID int64, want Want) error
	FireBackground(method string, want Want) error
	Share(formID int64, deviceID string, requestCode int64, want Want) error
}

// Renderer is the remote surface of the shared renderer process.
type Renderer interface {
	Handle
	Render(form FormSnapshot, want Want) error
	StopRendering(form FormSnapshot, want Want) error
	Reload(formIDs []int64, want Want) error
	CleanFormHost(hostToken string) error
}

// Host is the push surface of a host process.
type Host interface {
	OnAcquired(form FormSnapshot)
	OnUpdated(form FormSnapshot)
	OnUninstalled(formIDs []int64)
	OnError(code int, msg string)
	OnStateResult(state State, query Want)
}
