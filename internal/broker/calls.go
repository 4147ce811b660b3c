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

// MessageEvent forwards a host message, such as a click, to the provider.
func (b *Broker) MessageEvent(ctx context.Context, formID int64, caller form.Caller, message string, want protocol.Want) error {
	rec, err := b.owned(formID, caller)
	if err == nil {
		_, err = b.conns.Connect(connect.Request{
			Key:       rec.Key(),
			FormID:    rec.ID,
			HostToken: caller.Token,
			Want:      want.Clone().SetInt64(protocol.KeyFormID, rec.ID),
			Strategy:  connect.Event{FormID: rec.ID, Message: message},
			OnFailed:  b.connectionFailed,
		})
	}
	observe("message", err)
	return err
}

// BackgroundCall invokes a provider method without a reply.
func (b *Broker) BackgroundCall(ctx context.Context, formID int64, caller form.Caller, method string, want protocol.Want) error {
	if method == "" {
		observe("background", form.ErrInvalidParam)
		return form.Errorf(form.CodeInvalidParam, "method is required")
	}
	rec, err := b.owned(formID, caller)
	if err == nil {
		_, err = b.conns.Connect(connect.Request{
			Key:       rec.Key(),
			FormID:    rec.ID,
			HostToken: caller.Token,
			Want:      want.Clone().SetInt64(protocol.KeyFormID, rec.ID),
			Strategy:  connect.Background{Method: method},
			OnFailed:  b.connectionFailed,
		})
	}
	observe("background", err)
	return err
}

// AcquireState asks a provider whether the form configuration in query is
// ready. query names the provider with the bundle and ability keys. The answer
// reaches host through OnStateResult.
func (b *Broker) AcquireState(ctx context.Context, caller form.Caller, host protocol.Host, query protocol.Want) error {
	err := b.acquireState(caller, host, query)
	observe("state", err)
	return err
}

func (b *Broker) acquireState(caller form.Caller, host protocol.Host, query protocol.Want) error {
	if caller.Token == "" || host == nil {
		return form.Errorf(form.CodeInvalidParam, "state query needs a host")
	}
	key := form.ProviderKey{
		Bundle:  query.String(protocol.KeyBundleName),
		Ability: query.String(protocol.KeyAbilityName),
	}
	if key.Bundle == "" || key.Ability == "" {
		return form.Errorf(form.CodeInvalidParam, "state query needs bundle and ability")
	}
	info, err := b.resolver.Resolve(key.Bundle, query.String(protocol.KeyModuleName), key.Ability, query.String(protocol.KeyFormName))
	if err != nil {
		return err
	}

	b.addStateClient(caller.Token, host)
	_, err = b.conns.Connect(connect.Request{
		Key:       info.Key(),
		HostToken: caller.Token,
		Want:      query.Clone(),
		Strategy:  connect.StateQuery{Query: query.Clone(), ProviderIdentity: caller.Bundle},
		OnFailed: func(conn connect.Connection, code form.Code) {
			b.connectionFailed(conn, code)
			if h, ok := b.takeStateClient(conn.HostToken); ok {
				h.OnStateResult(protocol.StateUnknown, query)
			}
		},
	})
	if err != nil {
		b.takeStateClient(caller.Token)
	}
	return err
}

// AcquireData fetches a form's raw data from its provider and waits for the
// answer up to the configured timeout.
func (b *Broker) AcquireData(ctx context.Context, formID int64, caller form.Caller) (json.RawMessage, error) {
	rec, err := b.owned(formID, caller)
	if err != nil {
		observe("acquire_data", err)
		return nil, err
	}
	code := b.sink.Reserve()
	res, err := b.roundTrip(ctx, code, connect.Request{
		Key:       rec.Key(),
		FormID:    rec.ID,
		HostToken: caller.Token,
		Want:      protocol.NewWant().SetInt64(protocol.KeyFormID, rec.ID),
		Strategy:  connect.AcquireData{FormID: rec.ID, RequestCode: code},
	})
	observe("acquire_data", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ShareForm asks the provider to transfer a form to deviceID and waits for
// the outcome up to the configured timeout.
func (b *Broker) ShareForm(ctx context.Context, formID int64, caller form.Caller, deviceID string) error {
	if deviceID == "" {
		observe("share", form.ErrInvalidParam)
		return form.Errorf(form.CodeInvalidParam, "device id is required")
	}
	rec, err := b.owned(formID, caller)
	if err == nil {
		code := b.sink.Reserve()
		_, err = b.roundTrip(ctx, code, connect.Request{
			Key:       rec.Key(),
			FormID:    rec.ID,
			HostToken: caller.Token,
			Want:      protocol.NewWant().SetInt64(protocol.KeyFormID, rec.ID),
			Strategy:  connect.Share{FormID: rec.ID, DeviceID: deviceID, RequestCode: code},
		})
	}
	observe("share", err)
	return err
}

// roundTrip connects req and parks until the reply for code arrives. A
// failed connection completes the wait with its error code.
func (b *Broker) roundTrip(ctx context.Context, code int64, req connect.Request) (json.RawMessage, error) {
	req.OnFailed = func(conn connect.Connection, c form.Code) {
		b.connectionFailed(conn, c)
		b.sink.Fail(code, c)
	}
	if _, err := b.conns.Connect(req); err != nil {
		b.sink.Cancel(code)
		return nil, err
	}
	res, err := b.sink.Await(ctx, code, b.awaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s for form %d: %w", req.Strategy.Flow(), req.FormID, err)
	}
	if res.Code != 0 {
		return nil, form.Errorf(form.Code(res.Code), "%s for form %d failed", req.Strategy.Flow(), req.FormID)
	}
	return res.Data, nil
}

// PublishRequest is a provider asking to place one of its forms on a host.
type PublishRequest struct {
	Bundle    string
	Module    string
	Ability   string
	FormName  string
	Data      json.RawMessage
	Want      protocol.Want
	CallerUID int
	UserID    int
}

// RequestPublishForm stages the form under a reserved id. A host accepts it
// by calling AddForm with that id before the request expires.
func (b *Broker) RequestPublishForm(ctx context.Context, req PublishRequest) (int64, error) {
	info, err := b.resolver.Resolve(req.Bundle, req.Module, req.Ability, req.FormName)
	if err != nil {
		observe("publish", err)
		return 0, err
	}
	id := b.reg.StagePublish(registry.PendingPublish{
		Info:      info,
		Want:      req.Want,
		Data:      req.Data,
		CallerUID: req.CallerUID,
		UserID:    req.UserID,
		StagedAt:  b.now(),
	})
	b.logger.Info("publish staged", "form_id", id, "bundle", info.Bundle, "form_name", info.FormName)
	b.hub.Publish(events.PublishStaged, map[string]any{"form_id": id, "bundle": info.Bundle, "form_name": info.FormName})
	observe("publish", nil)
	return id, nil
}
