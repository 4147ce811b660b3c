package api

import (
	"encoding/json"

	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// RegisterHostRequest is the JSON body for POST /hosts.
type RegisterHostRequest struct {
	UID    int    `json:"uid"`
	Bundle string `json:"bundle"`
}

// RegisterHostResponse carries the token a host sends on later calls.
type RegisterHostResponse struct {
	Token  string `json:"token"`
	UID    int    `json:"uid"`
	Bundle string `json:"bundle"`
}

// HostDiedResponse lists the forms torn down with a host.
type HostDiedResponse struct {
	Removed []int64 `json:"removed"`
}

// AddFormRequest is the JSON body for POST /forms.
type AddFormRequest struct {
	FormID    int64         `json:"form_id,omitempty"`
	Bundle    string        `json:"bundle"`
	Module    string        `json:"module,omitempty"`
	Ability   string        `json:"ability"`
	FormName  string        `json:"form_name,omitempty"`
	Dimension int           `json:"dimension,omitempty"`
	Temp      bool          `json:"temp,omitempty"`
	UserID    int           `json:"user_id,omitempty"`
	Want      protocol.Want `json:"want,omitempty"`
}

// FormIDsRequest names a batch of forms.
type FormIDsRequest struct {
	FormIDs []int64 `json:"form_ids"`
	Visible *bool   `json:"visible,omitempty"`
	Enable  *bool   `json:"enable_update,omitempty"`
}

// FormIDsResponse lists the forms an operation changed.
type FormIDsResponse struct {
	FormIDs []int64 `json:"form_ids"`
}

// ReleaseRequest is the optional body for POST /forms/{id}/release.
type ReleaseRequest struct {
	DeleteCache bool `json:"delete_cache"`
}

// MessageRequest is the JSON body for POST /forms/{id}/message. A non-empty
// Method makes it a background call instead of an event.
type MessageRequest struct {
	Message string        `json:"message,omitempty"`
	Method  string        `json:"method,omitempty"`
	Want    protocol.Want `json:"want,omitempty"`
}

// CastRequest is the JSON body for POST /forms/{id}/cast.
type CastRequest struct {
	UserID int `json:"user_id"`
}

// ShareRequest is the JSON body for POST /forms/{id}/share.
type ShareRequest struct {
	DeviceID string `json:"device_id"`
}

// StateRequest is the JSON body for POST /forms/state.
type StateRequest struct {
	Query protocol.Want `json:"query"`
}

// PublishRequest is the JSON body for POST /forms/publish.
type PublishRequest struct {
	Bundle    string          `json:"bundle"`
	Module    string          `json:"module,omitempty"`
	Ability   string          `json:"ability"`
	FormName  string          `json:"form_name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Want      protocol.Want   `json:"want,omitempty"`
	CallerUID int             `json:"caller_uid,omitempty"`
	UserID    int             `json:"user_id,omitempty"`
}

// PublishResponse carries the reserved form id.
type PublishResponse struct {
	FormID int64 `json:"form_id"`
}

// FormResponse describes one form.
type FormResponse struct {
	ID           int64    `json:"id"`
	Bundle       string   `json:"bundle"`
	Module       string   `json:"module"`
	Ability      string   `json:"ability"`
	FormName     string   `json:"form_name"`
	Dimension    int      `json:"dimension"`
	Temp         bool     `json:"temp"`
	UserID       int      `json:"user_id"`
	Syntax       string   `json:"syntax"`
	Visible      bool     `json:"visible"`
	Inited       bool     `json:"inited"`
	NeedRefresh  bool     `json:"need_refresh"`
	EnableUpdate bool     `json:"enable_update"`
	Hosts        []string `json:"hosts,omitempty"`
	RenderState  string   `json:"render_state,omitempty"`
}

// FormListResponse is returned by GET /forms.
type FormListResponse struct {
	Forms []FormResponse `json:"forms"`
	Total int            `json:"total"`
}

// DataResponse is returned by GET /forms/{id}/data.
type DataResponse struct {
	FormID int64           `json:"form_id"`
	Data   json.RawMessage `json:"data"`
}

// ProviderResponse describes one installed provider.
type ProviderResponse struct {
	Bundle      string   `json:"bundle"`
	Module      string   `json:"module"`
	Version     int      `json:"version"`
	Compatible  int      `json:"compatible"`
	Description string   `json:"description,omitempty"`
	Abilities   []string `json:"abilities"`
	Forms       int      `json:"forms"`
}

// ProviderListResponse is returned by GET /providers.
type ProviderListResponse struct {
	Providers []ProviderResponse `json:"providers"`
}

// ConnectionResponse describes one live provider connection.
type ConnectionResponse struct {
	ID        int64  `json:"connect_id"`
	Bundle    string `json:"bundle"`
	Ability   string `json:"ability"`
	FormID    int64  `json:"form_id"`
	HostToken string `json:"host_token,omitempty"`
	Flow      string `json:"flow"`
	State     string `json:"state"`
}

// ConnectionListResponse is returned by GET /connections.
type ConnectionListResponse struct {
	Connections      []ConnectionResponse `json:"connections"`
	RenderConnection int                  `json:"render_connections"`
	PendingRerenders int                  `json:"pending_rerenders"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	QueueDepth      int    `json:"queue_depth"`
	Forms           int    `json:"forms"`
	Hosts           int    `json:"hosts"`
	Connections     int    `json:"connections"`
	ProvidersLoaded int    `json:"providers_loaded"`
	Subscribers     int    `json:"subscribers"`
}

func connectionResponse(c connect.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:        c.ID,
		Bundle:    c.Key.Bundle,
		Ability:   c.Key.Ability,
		FormID:    c.FormID,
		HostToken: c.HostToken,
		Flow:      c.Flow,
		State:     c.State.String(),
	}
}
