package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the only envelope version spoken on process pipes.
const Version = 1

// Methods the broker sends to a provider or the renderer.
const (
	MethodAcquire       = "acquire"
	MethodDelete        = "delete"
	MethodBatchDelete   = "batch_delete"
	MethodUpdate        = "update"
	MethodVisibility    = "visibility"
	MethodEvent         = "event"
	MethodAcquireState  = "acquire_state"
	MethodAcquireData   = "acquire_data"
	MethodCastTemp      = "cast_temp"
	MethodBackground    = "background"
	MethodShare         = "share"
	MethodRender        = "render"
	MethodStopRendering = "stop_rendering"
	MethodReload        = "reload"
	MethodCleanFormHost = "clean_form_host"
)

// Callbacks a remote process may write back.
const (
	CallbackAcquireResult = "acquire_result"
	CallbackEvent         = "event_done"
	CallbackStateResult   = "state_result"
	CallbackShareResult   = "share_result"
	CallbackDataResult    = "data_result"
	CallbackUpdateForm    = "update_form"
)

var knownCallbacks = map[string]bool{
	CallbackAcquireResult: true,
	CallbackEvent:         true,
	CallbackStateResult:   true,
	CallbackShareResult:   true,
	CallbackDataResult:    true,
	CallbackUpdateForm:    true,
}

// Call is one outbound envelope, written as a single JSON line.
type Call struct {
	Protocol    int           `json:"protocol"`
	Method      string        `json:"method"`
	Form        *FormSnapshot `json:"form,omitempty"`
	FormID      int64         `json:"form_id,omitempty"`
	FormIDs     []int64       `json:"form_ids,omitempty"`
	Message     string        `json:"message,omitempty"`
	Visibility  Visibility    `json:"visibility,omitempty"`
	RequestCode int64         `json:"request_code,omitempty"`
	DeviceID    string        `json:"device_id,omitempty"`
	HostToken   string        `json:"host_token,omitempty"`
	Query       Want          `json:"query,omitempty"`
	Want        Want          `json:"want"`
}

// Callback is one inbound envelope read from a remote process.
type Callback struct {
	Protocol    int             `json:"protocol"`
	Callback    string          `json:"callback"`
	Form        *FormData       `json:"form,omitempty"`
	FormID      int64           `json:"form_id,omitempty"`
	Bundle      string          `json:"bundle,omitempty"`
	State       State           `json:"state,omitempty"`
	Result      int             `json:"result,omitempty"`
	RequestCode int64           `json:"request_code,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Query       Want            `json:"query,omitempty"`
	Want        Want            `json:"want,omitempty"`
}

// EncodeCall serializes c as one JSON line.
func EncodeCall(w io.Writer, c *Call) error {
	if c.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", c.Protocol)
	}
	if c.Method == "" {
		return fmt.Errorf("call missing required field: method")
	}
	if c.Want == nil {
		c.Want = Want{}
	}
	if err := json.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}
	return nil
}

// DecodeCallback parses one line written by a remote process.
func DecodeCallback(line []byte) (*Callback, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty callback line")
	}

	var cb Callback
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields() // Strict parsing
	if err := dec.Decode(&cb); err != nil {
		return nil, fmt.Errorf("failed to decode callback: %w", err)
	}

	if cb.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", cb.Protocol)
	}
	if cb.Callback == "" {
		return nil, fmt.Errorf("callback missing required field: callback")
	}
	if !knownCallbacks[cb.Callback] {
		return nil, fmt.Errorf("unknown callback %q", cb.Callback)
	}
	if cb.Callback == CallbackAcquireResult && cb.Form == nil && cb.Want.ErrorCode() == 0 {
		return nil, fmt.Errorf("acquire_result carries neither form data nor an error code")
	}
	if cb.Callback == CallbackUpdateForm && (cb.Form == nil || cb.Form.FormID == 0) {
		return nil, fmt.Errorf("update_form requires form.form_id")
	}
	if cb.Want == nil {
		cb.Want = Want{}
	}
	return &cb, nil
}
