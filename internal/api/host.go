package api

import (
	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// Push kinds carried in host.push events.
const (
	PushAcquired    = "acquired"
	PushUpdated     = "updated"
	PushUninstalled = "uninstalled"
	PushError       = "error"
	PushStateResult = "state_result"
)

// HostPush is the payload of a host.push event.
type HostPush struct {
	Kind    string                 `json:"kind"`
	Form    *protocol.FormSnapshot `json:"form,omitempty"`
	FormIDs []int64                `json:"form_ids,omitempty"`
	Code    int                    `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	State   *protocol.State        `json:"state,omitempty"`
	Query   protocol.Want          `json:"query,omitempty"`
}

// hostChannel delivers broker callbacks for one host over the event stream.
type hostChannel struct {
	token string
	hub   *events.Hub
}

func newHostChannel(token string, hub *events.Hub) *hostChannel {
	return &hostChannel{token: token, hub: hub}
}

func (h *hostChannel) push(p HostPush) {
	h.hub.PublishHost(h.token, events.HostPush, p)
}

func (h *hostChannel) OnAcquired(form protocol.FormSnapshot) {
	h.push(HostPush{Kind: PushAcquired, Form: &form})
}

func (h *hostChannel) OnUpdated(form protocol.FormSnapshot) {
	h.push(HostPush{Kind: PushUpdated, Form: &form})
}

func (h *hostChannel) OnUninstalled(formIDs []int64) {
	h.push(HostPush{Kind: PushUninstalled, FormIDs: formIDs})
}

func (h *hostChannel) OnError(code int, msg string) {
	h.push(HostPush{Kind: PushError, Code: code, Message: msg})
}

func (h *hostChannel) OnStateResult(state protocol.State, query protocol.Want) {
	h.push(HostPush{Kind: PushStateResult, State: &state, Query: query})
}
