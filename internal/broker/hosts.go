package broker

import (
	"context"
	"slices"

	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

// NotifyVisible records a visibility change for the caller's forms, tells
// each provider once about its own forms, and refreshes forms that became
// visible while an update was pending. Ids the caller does not hold are
// skipped. It returns the ids whose visibility changed.
func (b *Broker) NotifyVisible(ctx context.Context, caller form.Caller, formIDs []int64, visible bool) ([]int64, error) {
	changed, err := b.notifyVisible(caller, formIDs, visible)
	observe("visibility", err)
	return changed, err
}

func (b *Broker) notifyVisible(caller form.Caller, formIDs []int64, visible bool) ([]int64, error) {
	if caller.Token == "" {
		return nil, form.Errorf(form.CodeInvalidParam, "host token is required")
	}
	var owned []int64
	for _, id := range formIDs {
		id = b.reg.IdentityFold(id)
		if b.reg.HostOwns(caller.Token, id) {
			owned = append(owned, id)
		}
	}
	if len(owned) == 0 {
		return nil, form.Errorf(form.CodeOperationNotSelf, "host %s holds none of %v", caller.Token, formIDs)
	}

	changed := b.reg.SetVisible(owned, visible)
	kind := protocol.Invisible
	if visible {
		kind = protocol.Visible
	}

	byKey := make(map[form.ProviderKey][]int64)
	var stale []*form.Record
	for _, id := range changed {
		rec, ok := b.reg.Get(id)
		if !ok {
			continue
		}
		byKey[rec.Key()] = append(byKey[rec.Key()], id)
		if visible && rec.NeedRefresh && rec.EnableUpdate {
			stale = append(stale, rec)
		}
	}
	for key, ids := range byKey {
		_, err := b.conns.Connect(connect.Request{
			Key:       key,
			HostToken: caller.Token,
			Want:      protocol.NewWant().SetInt(protocol.KeyVisibilityKind, int(kind)),
			Strategy:  connect.Visibility{FormIDs: ids, Kind: kind},
			OnFailed:  b.connectionFailed,
		})
		if err != nil {
			b.logger.Warn("visibility notification not sent", "provider", key.String(), "error", err)
		}
	}
	for _, rec := range stale {
		if err := b.refresh(rec, caller.Token, protocol.NewWant(), true); err != nil {
			b.logger.Warn("refresh on visible failed", "form_id", rec.ID, "error", err)
		}
	}
	if len(changed) > 0 {
		b.hub.Publish(events.FormVisible, map[string]any{"forms": changed, "visible": visible, "host": caller.Token})
	}
	return changed, nil
}

// SetEnableUpdate switches update delivery for the caller's forms. Enabling
// it refreshes forms that missed an update meanwhile.
func (b *Broker) SetEnableUpdate(ctx context.Context, caller form.Caller, formIDs []int64, enable bool) []int64 {
	applied := b.reg.SetHostEnableUpdate(caller.Token, formIDs, enable)
	if !enable {
		return applied
	}
	for _, id := range applied {
		rec, ok := b.reg.Get(id)
		if !ok || !rec.NeedRefresh || !rec.Visible {
			continue
		}
		if err := b.refresh(rec, caller.Token, protocol.NewWant(), true); err != nil {
			b.logger.Warn("refresh on enable failed", "form_id", id, "error", err)
		}
	}
	return applied
}

// HostDied cleans up after a host process exits. Connections opened for the
// host are dropped, temporary forms it alone held are deleted, and each
// deleted form's provider gets exactly one delete notification.
func (b *Broker) HostDied(ctx context.Context, token string) []int64 {
	// Records must be read before the registry forgets them.
	held := make(map[int64]*form.Record)
	for _, id := range b.reg.HostForms(token) {
		if rec, ok := b.reg.Get(id); ok {
			held[id] = rec
		}
	}

	pending := b.sink.HandleHostDied(token)
	removed := b.reg.HandleHostDied(token)

	gone := slices.Clone(removed)
	for _, id := range pending {
		if _, known := held[id]; known && !b.reg.Exists(id) && !slices.Contains(gone, id) {
			gone = append(gone, id)
		}
	}
	slices.Sort(gone)

	byKey := make(map[form.ProviderKey][]int64)
	var keys []form.ProviderKey
	for _, id := range gone {
		rec := held[id]
		if rec == nil {
			continue
		}
		b.forget(ctx, rec)
		if _, seen := byKey[rec.Key()]; !seen {
			keys = append(keys, rec.Key())
		}
		byKey[rec.Key()] = append(byKey[rec.Key()], id)
	}
	for _, key := range keys {
		b.notifyBatchDelete(key, byKey[key])
	}
	b.render.CleanFormHost(token)
	b.dropStateClient(token)

	b.logger.Info("host died", "host", token, "deleted", gone, "dropped_connections", len(pending))
	b.hub.Publish(events.HostDied, map[string]any{"host": token, "deleted": gone})
	observe("host_died", nil)
	return gone
}

// notifyBatchDelete tells one provider about all of its deleted forms in a
// single call.
func (b *Broker) notifyBatchDelete(key form.ProviderKey, formIDs []int64) {
	_, err := b.conns.Connect(connect.Request{
		Key:      key,
		Want:     protocol.NewWant(),
		Strategy: connect.BatchDelete{FormIDs: formIDs},
		OnFailed: b.connectionFailed,
	})
	if err != nil {
		b.logger.Warn("batch delete notification not sent", "provider", key.String(), "forms", formIDs, "error", err)
	}
}

// ProviderUpdated handles a provider replaced by a new version. Connected
// declarative forms of the bundle are reloaded by the renderer without a
// rebind, and every form of the bundle is refreshed, or flagged for refresh
// while hidden.
func (b *Broker) ProviderUpdated(ctx context.Context, bundle string) []int64 {
	ids := b.reg.FormsOfBundle(bundle)
	var declarative []int64
	for _, id := range ids {
		rec, err := b.reg.Update(id, func(r *form.Record) { r.VersionUpgrade = true })
		if err != nil {
			continue
		}
		if rec.Syntax == form.SyntaxDeclarative {
			declarative = append(declarative, id)
		}
		if err := b.refresh(rec, "", protocol.NewWant(), false); err != nil {
			b.logger.Warn("refresh after provider update failed", "form_id", id, "error", err)
		}
	}
	if len(declarative) > 0 {
		w := protocol.NewWant().SetString(protocol.KeyBundleName, bundle)
		if err := b.render.Reload(declarative, w); err != nil {
			b.logger.Warn("renderer reload failed", "bundle", bundle, "error", err)
		}
	}
	b.logger.Info("provider updated", "bundle", bundle, "forms", len(ids), "reloaded", len(declarative))
	observe("provider_updated", nil)
	return ids
}

// ProviderRemoved deletes every form of an uninstalled bundle and tells each
// host which of its forms are gone. Providers are not notified.
func (b *Broker) ProviderRemoved(ctx context.Context, bundle string) []int64 {
	ids := b.reg.FormsOfBundle(bundle)
	type target struct {
		client protocol.Host
		forms  []int64
	}
	hosts := make(map[string]*target)
	var order []string
	for _, id := range ids {
		rec, ok := b.reg.Get(id)
		if !ok {
			continue
		}
		for _, h := range b.reg.HostsOf(id) {
			t, seen := hosts[h.Token]
			if !seen {
				t = &target{client: h.Client}
				hosts[h.Token] = t
				order = append(order, h.Token)
			}
			t.forms = append(t.forms, id)
		}
		b.teardown(ctx, rec, false)
	}
	if n, err := b.store.DeleteByBundle(ctx, bundle); err != nil {
		b.logger.Error("failed to delete stored forms of bundle", "bundle", bundle, "error", err)
	} else if n > 0 {
		b.logger.Debug("deleted stored forms without registry entry", "bundle", bundle, "count", n)
	}

	slices.Sort(order)
	for _, token := range order {
		if t := hosts[token]; t.client != nil {
			t.client.OnUninstalled(t.forms)
		}
	}
	b.logger.Info("provider removed", "bundle", bundle, "forms", ids)
	return ids
}
