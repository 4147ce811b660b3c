package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/formbroker/internal/broker"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
	"github.com/mattjoyce/formbroker/internal/supply"
)

// HeaderHostToken identifies the calling host on form routes.
const HeaderHostToken = "X-Host-Token"

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if s.queue != nil {
		d, err := s.queue.Depth(r.Context())
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
			return
		}
		depth = d
	}
	providers := 0
	if s.catalog != nil {
		providers = len(s.catalog.Providers())
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:      depth,
		Forms:           s.broker.Registry().Count(),
		Hosts:           len(s.broker.Registry().Hosts()),
		Connections:     len(s.broker.Connections().Connections()),
		ProvidersLoaded: providers,
		Subscribers:     s.broker.Events().Subscribers(),
	})
}

// handleRegisterHost handles POST /hosts and mints the token a host presents
// in X-Host-Token and ?host= on the event stream.
func (s *Server) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	var req RegisterHostRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Bundle == "" {
		s.writeError(w, http.StatusBadRequest, "bundle is required")
		return
	}
	caller := form.Caller{Token: uuid.NewString(), UID: req.UID, Bundle: req.Bundle}

	s.mu.Lock()
	s.hosts[caller.Token] = caller
	s.mu.Unlock()

	s.logger.Info("host registered", "host", caller.Token, "uid", caller.UID, "bundle", caller.Bundle)
	respondJSON(w, http.StatusCreated, RegisterHostResponse{Token: caller.Token, UID: caller.UID, Bundle: caller.Bundle})
}

// handleHostDied handles DELETE /hosts/{token}.
func (s *Server) handleHostDied(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	s.mu.Lock()
	_, known := s.hosts[token]
	delete(s.hosts, token)
	s.mu.Unlock()

	removed := s.broker.HostDied(r.Context(), token)
	if !known && len(removed) == 0 {
		s.writeError(w, http.StatusNotFound, "unknown host")
		return
	}
	if removed == nil {
		removed = []int64{}
	}
	respondJSON(w, http.StatusOK, HostDiedResponse{Removed: removed})
}

// caller resolves the registered host behind X-Host-Token.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (form.Caller, bool) {
	token := r.Header.Get(HeaderHostToken)
	if token == "" {
		s.writeError(w, http.StatusBadRequest, "missing "+HeaderHostToken+" header")
		return form.Caller{}, false
	}
	s.mu.Lock()
	c, ok := s.hosts[token]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unknown host token")
		return form.Caller{}, false
	}
	return c, true
}

func (s *Server) hostChannel(token string) protocol.Host {
	return newHostChannel(token, s.broker.Events())
}

// handleAddForm handles POST /forms.
func (s *Server) handleAddForm(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req AddFormRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.broker.AddForm(r.Context(), broker.AddRequest{
		FormID:    req.FormID,
		Bundle:    req.Bundle,
		Module:    req.Module,
		Ability:   req.Ability,
		FormName:  req.FormName,
		Dimension: req.Dimension,
		Temp:      req.Temp,
		UserID:    req.UserID,
		Caller:    caller,
		Host:      s.hostChannel(caller.Token),
		Want:      req.Want,
	})
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, snap)
}

// handleListForms handles GET /forms. ?host= narrows the list to one host.
func (s *Server) handleListForms(w http.ResponseWriter, r *http.Request) {
	reg := s.broker.Registry()
	host := r.URL.Query().Get("host")

	var out []FormResponse
	if host != "" {
		for _, id := range reg.HostForms(host) {
			if rec, ok := reg.Get(id); ok {
				out = append(out, s.formResponse(rec))
			}
		}
	} else {
		for _, rec := range reg.All() {
			out = append(out, s.formResponse(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if out == nil {
		out = []FormResponse{}
	}
	respondJSON(w, http.StatusOK, FormListResponse{Forms: out, Total: len(out)})
}

// handleGetForm handles GET /forms/{id}.
func (s *Server) handleGetForm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.formID(w, r)
	if !ok {
		return
	}
	reg := s.broker.Registry()
	rec, found := reg.Get(reg.IdentityFold(id))
	if !found {
		s.writeError(w, http.StatusNotFound, "form not found")
		return
	}
	respondJSON(w, http.StatusOK, s.formResponse(rec))
}

func (s *Server) formResponse(rec *form.Record) FormResponse {
	resp := FormResponse{
		ID:           rec.ID,
		Bundle:       rec.BundleName,
		Module:       rec.ModuleName,
		Ability:      rec.AbilityName,
		FormName:     rec.FormName,
		Dimension:    rec.Dimension,
		Temp:         rec.Temp,
		UserID:       rec.UserID,
		Syntax:       rec.Syntax.String(),
		Visible:      rec.Visible,
		Inited:       rec.Inited,
		NeedRefresh:  rec.NeedRefresh,
		EnableUpdate: rec.EnableUpdate,
	}
	for _, h := range s.broker.Registry().HostsOf(rec.ID) {
		resp.Hosts = append(resp.Hosts, h.Token)
	}
	if rec.Syntax == form.SyntaxDeclarative {
		resp.RenderState = s.broker.Renderer().State(rec.ID).String()
	}
	return resp
}

// handleDeleteForm handles DELETE /forms/{id}.
func (s *Server) handleDeleteForm(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.callerAndForm(w, r)
	if !ok {
		return
	}
	if err := s.broker.DeleteForm(r.Context(), id, caller); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReleaseForm handles POST /forms/{id}/release.
func (s *Server) handleReleaseForm(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.callerAndForm(w, r)
	if !ok {
		return
	}
	var req ReleaseRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if err := s.broker.ReleaseForm(r.Context(), id, caller, req.DeleteCache); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshForm handles POST /forms/{id}/refresh. The body, if any, is a
// want bag passed to the provider.
func (s *Server) handleRefreshForm(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.callerAndForm(w, r)
	if !ok {
		return
	}
	want := protocol.NewWant()
	if !s.decodeOptional(w, r, &want) {
		return
	}
	if err := s.broker.RequestForm(r.Context(), id, caller, want); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleMessage handles POST /forms/{id}/message.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.callerAndForm(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Want == nil {
		req.Want = protocol.NewWant()
	}
	var err error
	if req.Method != "" {
		err = s.broker.BackgroundCall(r.Context(), id, caller, req.Method, req.Want)
	} else {
		err = s.broker.MessageEvent(r.Context(), id, caller, req.Message, req.Want)
	}
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCastTemp handles POST /forms/{id}/cast.
func (s *Server) handleCastTemp(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.callerAndForm(w, r)
	if !ok {
		return
	}
	var req CastRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if err := s.broker.CastTempForm(r.Context(), id, caller, req.UserID); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAcquireData handles GET /forms/{id}/data and blocks until the
// provider answers or the await timeout passes.
func (s *Server) handleAcquireData(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.callerAndForm(w, r)
	if !ok {
		return
	}
	data, err := s.broker.AcquireData(r.Context(), id, caller)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DataResponse{FormID: id, Data: data})
}

// handleShare handles POST /forms/{id}/share.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := s.callerAndForm(w, r)
	if !ok {
		return
	}
	var req ShareRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.broker.ShareForm(r.Context(), id, caller, req.DeviceID); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVisibility handles POST /forms/visibility. The body carries visible,
// enable_update or both.
func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req FormIDsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Visible == nil && req.Enable == nil {
		s.writeError(w, http.StatusBadRequest, "visible or enable_update is required")
		return
	}

	var changed []int64
	if req.Enable != nil {
		changed = append(changed, s.broker.SetEnableUpdate(r.Context(), caller, req.FormIDs, *req.Enable)...)
	}
	if req.Visible != nil {
		ids, err := s.broker.NotifyVisible(r.Context(), caller, req.FormIDs, *req.Visible)
		if err != nil {
			s.writeBrokerError(w, err)
			return
		}
		changed = append(changed, ids...)
	}
	if changed == nil {
		changed = []int64{}
	}
	respondJSON(w, http.StatusOK, FormIDsResponse{FormIDs: changed})
}

// handleAcquireState handles POST /forms/state. The answer arrives as a
// state_result push on the event stream.
func (s *Server) handleAcquireState(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req StateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Query == nil {
		req.Query = protocol.NewWant()
	}
	if err := s.broker.AcquireState(r.Context(), caller, s.hostChannel(caller.Token), req.Query); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePublish handles POST /forms/publish.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.broker.RequestPublishForm(r.Context(), broker.PublishRequest{
		Bundle:    req.Bundle,
		Module:    req.Module,
		Ability:   req.Ability,
		FormName:  req.FormName,
		Data:      req.Data,
		Want:      req.Want,
		CallerUID: req.CallerUID,
		UserID:    req.UserID,
	})
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, PublishResponse{FormID: id})
}

// handleListProviders handles GET /providers.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	out := []ProviderResponse{}
	if s.catalog != nil {
		for _, p := range s.catalog.Providers() {
			out = append(out, ProviderResponse{
				Bundle:      p.Bundle,
				Module:      p.Module,
				Version:     p.Version,
				Compatible:  p.Compatible,
				Description: p.Description,
				Abilities:   p.Abilities(),
				Forms:       len(p.Forms),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bundle < out[j].Bundle })
	respondJSON(w, http.StatusOK, ProviderListResponse{Providers: out})
}

// handleRemoveProvider handles DELETE /providers/{bundle}. Every form of the
// bundle is torn down and its hosts are told it was uninstalled.
func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	bundle := chi.URLParam(r, "bundle")
	if s.catalog == nil || !s.catalog.Remove(bundle) {
		s.writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	removed := s.broker.ProviderRemoved(r.Context(), bundle)
	if removed == nil {
		removed = []int64{}
	}
	respondJSON(w, http.StatusOK, FormIDsResponse{FormIDs: removed})
}

// handleReloadProvider handles POST /providers/{bundle}/reload, sent after
// a provider was upgraded in place.
func (s *Server) handleReloadProvider(w http.ResponseWriter, r *http.Request) {
	bundle := chi.URLParam(r, "bundle")
	if s.catalog == nil {
		s.writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	if _, ok := s.catalog.Get(bundle); !ok {
		s.writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	ids := s.broker.ProviderUpdated(r.Context(), bundle)
	if ids == nil {
		ids = []int64{}
	}
	respondJSON(w, http.StatusOK, FormIDsResponse{FormIDs: ids})
}

// handleConnections handles GET /connections.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.broker.Connections().Connections()
	out := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionResponse(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	respondJSON(w, http.StatusOK, ConnectionListResponse{
		Connections:      out,
		RenderConnection: s.broker.Renderer().Connections(),
		PendingRerenders: s.broker.Renderer().PendingRerenders(),
	})
}

func (s *Server) formID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid form id")
		return 0, false
	}
	return id, true
}

func (s *Server) callerAndForm(w http.ResponseWriter, r *http.Request) (form.Caller, int64, bool) {
	caller, ok := s.caller(w, r)
	if !ok {
		return form.Caller{}, 0, false
	}
	id, ok := s.formID(w, r)
	return caller, id, ok
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptional is decode for routes whose body may be empty.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps a broker error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, supply.ErrTimeout) {
		return http.StatusGatewayTimeout
	}
	switch form.CodeOf(err) {
	case form.CodeInvalidParam:
		return http.StatusBadRequest
	case form.CodeNotExistID:
		return http.StatusNotFound
	case form.CodeOperationNotSelf:
		return http.StatusForbidden
	case form.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case form.CodeConfigMismatch:
		return http.StatusConflict
	case form.CodeBindProviderFailed, form.CodeConnectRenderFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("broker call failed", "error", err)
	}
	code := ""
	if !errors.Is(err, supply.ErrTimeout) {
		code = form.CodeOf(err).String()
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
