package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
	"github.com/mattjoyce/formbroker/internal/registry"
)

// AddRequest is a host asking to display a form. FormID is zero for a new
// form, or the id of an existing or staged form to attach to.
type AddRequest struct {
	FormID    int64
	Bundle    string
	Module    string
	Ability   string
	FormName  string
	Dimension int
	Temp      bool
	UserID    int
	Caller    form.Caller
	Host      protocol.Host
	Want      protocol.Want
}

// AddForm allocates or attaches to a form and starts delivering its content
// to the host. Content arrives out of band through the host's OnAcquired, or
// through the renderer for declarative forms.
func (b *Broker) AddForm(ctx context.Context, req AddRequest) (protocol.FormSnapshot, error) {
	snap, err := b.addForm(ctx, req)
	observe("add", err)
	return snap, err
}

func (b *Broker) addForm(ctx context.Context, req AddRequest) (protocol.FormSnapshot, error) {
	if req.Caller.Token == "" {
		return protocol.FormSnapshot{}, form.Errorf(form.CodeInvalidParam, "host token is required")
	}
	if req.Dimension < 0 {
		return protocol.FormSnapshot{}, form.Errorf(form.CodeInvalidParam, "dimension %d out of range", req.Dimension)
	}

	alloc := registry.Allocation{
		FormID: req.FormID,
		Caller: req.Caller,
		UserID: req.UserID,
		Temp:   req.Temp,
	}
	var staged json.RawMessage
	// The staged request is only consumed once the allocation succeeds.
	publishID := int64(0)
	if p, ok := b.reg.PeekPublish(req.FormID); ok {
		publishID = p.FormID
		alloc.FormID = 0
		alloc.PresetID = p.FormID
		alloc.Info = p.Info
		staged = p.Data
		req.Want = p.Want.Clone()
	} else {
		info, err := b.resolver.Resolve(req.Bundle, req.Module, req.Ability, req.FormName)
		if err != nil {
			return protocol.FormSnapshot{}, err
		}
		alloc.Info = info
	}
	if req.Dimension > 0 {
		alloc.Info.Dimension = req.Dimension
	}

	rec, created, err := b.reg.AllocateOrReuse(alloc)
	if err != nil {
		return protocol.FormSnapshot{}, err
	}
	if publishID != 0 {
		b.reg.TakePublish(publishID)
	}
	b.reg.BindHost(rec.ID, req.Caller, req.Host)

	if created && !rec.Temp {
		if err := b.store.Save(ctx, rec); err != nil {
			b.reg.UnbindHost(rec.ID, req.Caller.Token)
			b.reg.Delete(rec.ID)
			return protocol.FormSnapshot{}, fmt.Errorf("persist form %d: %w", rec.ID, form.ErrCommon)
		}
	}
	if created {
		b.startTimer(rec)
	} else {
		b.persist(ctx, rec)
	}

	b.logger.Info("form added", "form_id", rec.ID, "bundle", rec.BundleName, "temp", rec.Temp, "created", created, "host", req.Caller.Token)
	b.hub.Publish(events.FormAdded, map[string]any{
		"form_id": rec.ID, "bundle": rec.BundleName, "form_name": rec.FormName, "temp": rec.Temp, "created": created,
	})

	if len(staged) > 0 {
		if rec, err = b.applyContent(rec.ID, staged); err != nil {
			return protocol.FormSnapshot{}, err
		}
	}
	want := acquireWant(rec, req.Caller, req.Want)
	if content, ok := b.cache.Get(rec.ID); ok {
		rec.Content = content
		b.serveCached(rec, req, want)
		return snapshotOf(rec), nil
	}

	kind := protocol.AcquireRecreate
	if created {
		kind = protocol.AcquireCreate
	}
	// A failed bind already reached the host through OnError, the same way an
	// asynchronous failure does. The form stays allocated for a later refresh.
	if _, err := b.acquire(rec, req.Caller.Token, want, kind); err != nil {
		b.logger.Warn("acquire not started", "form_id", rec.ID, "error", err)
	}
	return snapshotOf(rec), nil
}

// serveCached hands cached content to the requesting host without a
// provider round trip.
func (b *Broker) serveCached(rec *form.Record, req AddRequest, want protocol.Want) {
	if rec.Syntax == form.SyntaxDeclarative {
		w := want.Clone().SetString(protocol.KeyHostToken, req.Caller.Token)
		if err := b.render.Render(snapshotOf(rec), w, req.Caller.Token); err != nil {
			b.logger.Warn("render from cache failed", "form_id", rec.ID, "error", err)
		}
		return
	}
	h := req.Host
	if h == nil {
		h, _ = b.reg.Host(req.Caller.Token)
	}
	if h != nil {
		h.OnAcquired(snapshotOf(rec))
	}
}

func (b *Broker) acquire(rec *form.Record, hostToken string, want protocol.Want, kind protocol.AcquireKind) (int64, error) {
	return b.conns.Connect(connect.Request{
		Key:       rec.Key(),
		FormID:    rec.ID,
		HostToken: hostToken,
		Want:      want,
		Strategy:  connect.Acquire{Form: snapshotOf(rec), Kind: kind},
		OnFailed: func(conn connect.Connection, code form.Code) {
			b.connectionFailed(conn, code)
			b.notifyError(conn, code, "acquire failed")
		},
	})
}

func (b *Broker) startTimer(rec *form.Record) {
	if b.timers == nil || rec.Temp || !rec.Refresh.Active() {
		return
	}
	if err := b.timers.AddTimer(rec.ID, rec.Refresh); err != nil {
		b.logger.Warn("refresh timer not started", "form_id", rec.ID, "error", err)
	}
}

// owned folds formID and checks the caller's host holds it.
func (b *Broker) owned(formID int64, caller form.Caller) (*form.Record, error) {
	id := b.reg.IdentityFold(formID)
	rec, ok := b.reg.Get(id)
	if !ok {
		return nil, form.Errorf(form.CodeNotExistID, "form %d not found", formID)
	}
	if !b.reg.HostOwns(caller.Token, id) {
		return nil, form.Errorf(form.CodeOperationNotSelf, "host %s does not hold form %d", caller.Token, id)
	}
	return rec, nil
}

// DeleteForm detaches the caller from the form and tears the form down once
// no owner is left.
func (b *Broker) DeleteForm(ctx context.Context, formID int64, caller form.Caller) error {
	err := b.deleteForm(ctx, formID, caller)
	observe("delete", err)
	return err
}

func (b *Broker) deleteForm(ctx context.Context, formID int64, caller form.Caller) error {
	rec, err := b.owned(formID, caller)
	if err != nil {
		return err
	}
	b.reg.UnbindHost(rec.ID, caller.Token)
	if err := b.render.StopRendering(rec.ID, "", caller.Token); err != nil {
		b.logger.Warn("stop rendering failed", "form_id", rec.ID, "error", err)
	}

	// Another live host of the same uid keeps the uid's reference.
	for _, h := range b.reg.HostsOf(rec.ID) {
		if h.UID == caller.UID {
			b.logger.Debug("form still held by uid", "form_id", rec.ID, "uid", caller.UID)
			return nil
		}
	}
	empty, err := b.reg.ReleaseUserRef(rec.ID, caller.UID)
	if err != nil {
		return err
	}
	if !empty {
		if updated, ok := b.reg.Get(rec.ID); ok {
			b.persist(ctx, updated)
		}
		b.hub.Publish(events.FormReleased, map[string]any{"form_id": rec.ID, "host": caller.Token})
		return nil
	}
	b.teardown(ctx, rec, true)
	return nil
}

// ReleaseForm detaches the host without deleting a persistent form. With
// delCache set and no host left, the cached content and renderer connection
// are dropped too. Releasing a temporary form deletes it.
func (b *Broker) ReleaseForm(ctx context.Context, formID int64, caller form.Caller, delCache bool) error {
	err := b.releaseForm(ctx, formID, caller, delCache)
	observe("release", err)
	return err
}

func (b *Broker) releaseForm(ctx context.Context, formID int64, caller form.Caller, delCache bool) error {
	rec, err := b.owned(formID, caller)
	if err != nil {
		return err
	}
	if rec.Temp {
		return b.deleteForm(ctx, rec.ID, caller)
	}
	b.reg.UnbindHost(rec.ID, caller.Token)
	if delCache && len(b.reg.HostsOf(rec.ID)) == 0 {
		b.cache.Delete(rec.ID)
		b.render.Detach(rec.ID)
	}
	b.logger.Info("form released", "form_id", rec.ID, "host", caller.Token, "del_cache", delCache)
	b.hub.Publish(events.FormReleased, map[string]any{"form_id": rec.ID, "host": caller.Token})
	return nil
}

// teardown removes every trace of the form. notify sends the provider one
// delete notification.
func (b *Broker) teardown(ctx context.Context, rec *form.Record, notify bool) {
	b.reg.Delete(rec.ID)
	b.reg.UnbindAll(rec.ID)
	b.forget(ctx, rec)
	if notify {
		b.notifyDelete(rec)
	}
	b.logger.Info("form deleted", "form_id", rec.ID, "bundle", rec.BundleName)
	b.hub.Publish(events.FormDeleted, map[string]any{"form_id": rec.ID, "bundle": rec.BundleName})
}

// forget drops the form's content, schedule and renderer connection. The
// registry entry is the caller's concern.
func (b *Broker) forget(ctx context.Context, rec *form.Record) {
	b.cache.Delete(rec.ID)
	if !rec.Temp {
		if err := b.store.Delete(ctx, rec.ID); err != nil {
			b.logger.Error("failed to delete stored form", "form_id", rec.ID, "error", err)
		}
	}
	if b.timers != nil {
		b.timers.RemoveTimer(rec.ID)
	}
	if b.queue != nil {
		if _, err := b.queue.CancelForm(ctx, rec.ID); err != nil {
			b.logger.Warn("failed to cancel queued refreshes", "form_id", rec.ID, "error", err)
		}
	}
	b.render.Detach(rec.ID)
}

func (b *Broker) notifyDelete(rec *form.Record) {
	_, err := b.conns.Connect(connect.Request{
		Key:      rec.Key(),
		FormID:   rec.ID,
		Want:     protocol.NewWant().SetInt64(protocol.KeyFormID, rec.ID),
		Strategy: connect.Delete{FormID: rec.ID},
		OnFailed: b.connectionFailed,
	})
	if err != nil {
		b.logger.Warn("delete notification not sent", "form_id", rec.ID, "error", err)
	}
}

// UpdateForm applies content a provider pushed on its own. Only the bundle
// that supplies the form may update it. Hosts that have updates enabled see
// the content while the form is visible; otherwise it waits for the next
// visibility change.
func (b *Broker) UpdateForm(ctx context.Context, bundle string, formID int64, data json.RawMessage) error {
	err := b.updateForm(ctx, bundle, formID, data)
	observe("update", err)
	return err
}

func (b *Broker) updateForm(ctx context.Context, bundle string, formID int64, data json.RawMessage) error {
	rec, ok := b.reg.Get(formID)
	if !ok {
		return form.Errorf(form.CodeNotExistID, "form %d not found", formID)
	}
	if rec.BundleName != bundle {
		return form.Errorf(form.CodeOperationNotSelf, "form %d belongs to %s", formID, rec.BundleName)
	}
	rec, err := b.reg.MarkInited(formID, data)
	if err != nil {
		return err
	}
	b.cache.Put(rec.ID, data)
	b.persist(ctx, rec)

	snap := snapshotOf(rec)
	delivered := false
	for _, h := range b.reg.HostsOf(rec.ID) {
		if !rec.Visible || !h.Flags.EnableUpdate {
			continue
		}
		delivered = true
		if rec.Syntax == form.SyntaxDeclarative {
			w := protocol.NewWant().SetString(protocol.KeyHostToken, h.Token)
			if err := b.render.Render(snap, w, h.Token); err != nil {
				b.logger.Warn("render update failed", "form_id", rec.ID, "error", err)
			}
			continue
		}
		if h.Client != nil {
			h.Client.OnUpdated(snap)
		}
	}
	if !delivered {
		if err := b.reg.SetNeedRefresh(rec.ID, true); err != nil {
			return err
		}
	}
	b.hub.Publish(events.FormUpdated, map[string]any{"form_id": rec.ID, "delivered": delivered})
	return nil
}

// RequestForm asks the provider to refresh a form the caller holds.
func (b *Broker) RequestForm(ctx context.Context, formID int64, caller form.Caller, want protocol.Want) error {
	rec, err := b.owned(formID, caller)
	if err == nil {
		err = b.refresh(rec, caller.Token, want, true)
	}
	observe("request", err)
	return err
}

// refresh sends NotifyUpdate. Without force, a hidden form or one with
// updates disabled is only flagged for refresh on its next visibility.
func (b *Broker) refresh(rec *form.Record, hostToken string, want protocol.Want, force bool) error {
	if !force && (!rec.Visible || !rec.EnableUpdate) {
		return b.reg.SetNeedRefresh(rec.ID, true)
	}
	w := want.Clone().SetInt64(protocol.KeyFormID, rec.ID)
	_, err := b.conns.Connect(connect.Request{
		Key:       rec.Key(),
		FormID:    rec.ID,
		HostToken: hostToken,
		Want:      w,
		Strategy:  connect.Update{FormID: rec.ID},
		OnFailed:  b.connectionFailed,
	})
	return err
}

// CastTempForm turns a temporary form the caller holds into a persistent one
// owned by userID.
func (b *Broker) CastTempForm(ctx context.Context, formID int64, caller form.Caller, userID int) error {
	err := b.castTempForm(ctx, formID, caller, userID)
	observe("cast_temp", err)
	return err
}

func (b *Broker) castTempForm(ctx context.Context, formID int64, caller form.Caller, userID int) error {
	rec, err := b.owned(formID, caller)
	if err != nil {
		return err
	}
	rec, err = b.reg.CastTemp(rec.ID, userID)
	if err != nil {
		return err
	}
	if err := b.store.Save(ctx, rec); err != nil {
		// The record is persistent in memory; the next content update retries the write.
		b.logger.Error("failed to persist cast form", "form_id", rec.ID, "error", err)
	}
	b.startTimer(rec)
	_, err = b.conns.Connect(connect.Request{
		Key:       rec.Key(),
		FormID:    rec.ID,
		HostToken: caller.Token,
		Want:      protocol.NewWant().SetInt64(protocol.KeyFormID, rec.ID),
		Strategy:  connect.CastTemp{FormID: rec.ID},
		OnFailed:  b.connectionFailed,
	})
	return err
}

// Restore loads persisted forms into the registry and restarts their
// refresh timers. Content is re-acquired on the next AddForm.
func (b *Broker) Restore(ctx context.Context) (int, error) {
	recs, err := b.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load forms: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if !b.reg.Restore(rec) {
			continue
		}
		n++
		b.startTimer(rec)
	}
	b.logger.Info("restored forms", "count", n, "stored", len(recs))
	return n, nil
}
