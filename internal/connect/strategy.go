package connect

import (
	"context"

	"github.com/mattjoyce/formbroker/internal/protocol"
)

// Strategy is the one outbound call a connection carries once connected.
type Strategy interface {
	// Flow names the call for logs and metrics.
	Flow() string
	Call(ctx context.Context, p protocol.Provider, want protocol.Want) error
}

// Acquire asks the provider to produce content for a new or re-created form.
type Acquire struct {
	Form protocol.FormSnapshot
	Kind protocol.AcquireKind
}

func (Acquire) Flow() string { return "acquire" }

func (s Acquire) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	want.SetInt(protocol.KeyAcquireKind, int(s.Kind))
	return p.AcquireContent(s.Form, want)
}

// Background is a fire-and-forget function call into the provider.
type Background struct {
	Method string
}

func (Background) Flow() string { return "background" }

func (s Background) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.FireBackground(s.Method, want)
}

// Share asks the provider to transfer a form to another device.
type Share struct {
	FormID      int64
	DeviceID    string
	RequestCode int64
}

func (Share) Flow() string { return "share" }

func (s Share) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.Share(s.FormID, s.DeviceID, s.RequestCode, want)
}

// Delete notifies the provider that a form is gone.
type Delete struct {
	FormID int64
}

func (Delete) Flow() string { return "delete" }

func (s Delete) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.NotifyDelete(s.FormID, want)
}

// BatchDelete notifies the provider of several deleted forms in one call.
type BatchDelete struct {
	FormIDs []int64
}

func (BatchDelete) Flow() string { return "batch_delete" }

func (s BatchDelete) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.BatchNotifyDelete(s.FormIDs, want)
}

// Update asks the provider to refresh a form's content.
type Update struct {
	FormID int64
}

func (Update) Flow() string { return "update" }

func (s Update) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.NotifyUpdate(s.FormID, want)
}

// Visibility tells the provider which of its forms became visible or hidden.
type Visibility struct {
	FormIDs []int64
	Kind    protocol.Visibility
}

func (Visibility) Flow() string { return "visibility" }

func (s Visibility) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.NotifyVisibility(s.FormIDs, s.Kind, want)
}

// Event forwards a host message to the provider.
type Event struct {
	FormID  int64
	Message string
}

func (Event) Flow() string { return "event" }

func (s Event) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.FireEvent(s.FormID, s.Message, want)
}

// StateQuery asks the provider whether a form configuration is ready.
type StateQuery struct {
	Query            protocol.Want
	ProviderIdentity string
}

func (StateQuery) Flow() string { return "state" }

func (s StateQuery) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.AcquireState(s.Query, s.ProviderIdentity, want)
}

// AcquireData asks the provider for a form's raw data.
type AcquireData struct {
	FormID      int64
	RequestCode int64
}

func (AcquireData) Flow() string { return "acquire_data" }

func (s AcquireData) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	want.SetInt64(protocol.KeyRequestCode, s.RequestCode)
	return p.AcquireData(s.FormID, s.RequestCode, want)
}

// CastTemp tells the provider a temporary form is now persistent.
type CastTemp struct {
	FormID int64
}

func (CastTemp) Flow() string { return "cast_temp" }

func (s CastTemp) Call(_ context.Context, p protocol.Provider, want protocol.Want) error {
	return p.NotifyCastTemp(s.FormID, want)
}
