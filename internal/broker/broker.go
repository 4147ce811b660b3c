// Package broker is the application context. It owns one instance of each
// manager, is constructed once at process start and carries every
// host-facing form operation.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattjoyce/formbroker/internal/cache"
	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/log"
	"github.com/mattjoyce/formbroker/internal/protocol"
	"github.com/mattjoyce/formbroker/internal/queue"
	"github.com/mattjoyce/formbroker/internal/registry"
	"github.com/mattjoyce/formbroker/internal/render"
	"github.com/mattjoyce/formbroker/internal/supply"
)

const (
	defaultCompileMode  = "release"
	defaultPollInterval = time.Second
	defaultPublishTTL   = 10 * time.Minute
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "formbroker_operations_total",
	Help: "Host-facing broker operations by name and result code.",
}, []string{"op", "code"})

func observe(op string, err error) {
	operationsTotal.WithLabelValues(op, form.CodeOf(err).String()).Inc()
}

// Resolver is the bundle metadata service.
type Resolver interface {
	Resolve(bundle, module, ability, formName string) (form.ProviderInfo, error)
}

// Store persists non-temporary records.
type Store interface {
	Save(ctx context.Context, rec *form.Record) error
	Delete(ctx context.Context, formID int64) error
	LoadAll(ctx context.Context) ([]*form.Record, error)
	DeleteByBundle(ctx context.Context, bundle string) (int64, error)
}

// Timers drives periodic refresh.
type Timers interface {
	AddTimer(formID int64, policy form.RefreshPolicy) error
	RemoveTimer(formID int64) bool
}

// RefreshQueue is the durable queue the scheduler fills.
type RefreshQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID string, status queue.Status, lastError *string) error
	CancelForm(ctx context.Context, formID int64) (int64, error)
}

// Options wires a Broker. Registry, Resolver, Store, Binder and Poster are
// required. Timers and Queue may be nil when refresh scheduling is off. A
// zero AwaitTimeout uses supply.DefaultTimeout and a negative Grace uses
// connect.DefaultGrace.
type Options struct {
	Registry     *registry.Registry
	Resolver     Resolver
	Store        Store
	Cache        *cache.Cache
	Binder       connect.Binder
	Poster       connect.Poster
	Timers       Timers
	Queue        RefreshQueue
	Events       *events.Hub
	Grace        time.Duration
	AwaitTimeout time.Duration
	PollInterval time.Duration
	PublishTTL   time.Duration
}

// Broker orchestrates forms between hosts, providers and the renderer.
type Broker struct {
	reg      *registry.Registry
	resolver Resolver
	store    Store
	cache    *cache.Cache
	timers   Timers
	queue    RefreshQueue
	hub      *events.Hub
	conns    *connect.Manager
	render   *render.Manager
	sink     *supply.Sink
	logger   *slog.Logger

	awaitTimeout time.Duration
	pollInterval time.Duration
	publishTTL   time.Duration
	now          func() time.Time

	stateMu      sync.Mutex
	stateClients map[string]*stateClient
}

// stateClient is a host waiting on state answers without a form binding.
type stateClient struct {
	host    protocol.Host
	pending int
}

// New builds the broker and the managers it owns.
func New(opts Options) (*Broker, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("broker: registry is required")
	case opts.Resolver == nil:
		return nil, errors.New("broker: resolver is required")
	case opts.Store == nil:
		return nil, errors.New("broker: store is required")
	case opts.Binder == nil || opts.Poster == nil:
		return nil, errors.New("broker: binder and poster are required")
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.DefaultSize)
	}
	if opts.Events == nil {
		opts.Events = events.NewHub(256)
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = supply.DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PublishTTL <= 0 {
		opts.PublishTTL = defaultPublishTTL
	}

	b := &Broker{
		reg:          opts.Registry,
		resolver:     opts.Resolver,
		store:        opts.Store,
		cache:        opts.Cache,
		timers:       opts.Timers,
		queue:        opts.Queue,
		hub:          opts.Events,
		logger:       log.WithComponent("broker"),
		awaitTimeout: opts.AwaitTimeout,
		pollInterval: opts.PollInterval,
		publishTTL:   opts.PublishTTL,
		now:          time.Now,
		stateClients: make(map[string]*stateClient),
	}
	b.conns = connect.NewManager(opts.Binder, opts.Poster, opts.Grace)
	b.render = render.NewManager(opts.Binder, opts.Poster, &hostLookup{b: b})
	b.sink = supply.New(b.conns, b)
	return b, nil
}

// Registry returns the form registry.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// Connections returns the provider connection manager.
func (b *Broker) Connections() *connect.Manager { return b.conns }

// Renderer returns the renderer connection manager.
func (b *Broker) Renderer() *render.Manager { return b.render }

// Sink returns the supply callback sink.
func (b *Broker) Sink() *supply.Sink { return b.sink }

// Events returns the event hub.
func (b *Broker) Events() *events.Hub { return b.hub }

// Cache returns the content cache.
func (b *Broker) Cache() *cache.Cache { return b.cache }

// Close cancels pending idle disconnects.
func (b *Broker) Close() {
	b.conns.Close()
}

// hostLookup lets the renderer manager reach hosts bound in the registry and
// hosts parked on a state query.
type hostLookup struct {
	b *Broker
}

func (l *hostLookup) Host(token string) (protocol.Host, bool) {
	if h, ok := l.b.reg.Host(token); ok {
		return h, true
	}
	l.b.stateMu.Lock()
	defer l.b.stateMu.Unlock()
	if c, ok := l.b.stateClients[token]; ok {
		return c.host, true
	}
	return nil, false
}

// Deliver routes one callback read from a provider or renderer process.
func (b *Broker) Deliver(from form.ProviderKey, cb *protocol.Callback) {
	var err error
	switch cb.Callback {
	case protocol.CallbackAcquireResult:
		err = b.sink.OnAcquireResult(cb.Form, cb.Want)
	case protocol.CallbackEvent:
		err = b.sink.OnEvent(cb.Want)
	case protocol.CallbackStateResult:
		err = b.sink.OnStateResult(cb.State, cb.Want)
	case protocol.CallbackShareResult:
		err = b.sink.OnShareResult(cb.RequestCode, cb.Result, cb.Want)
	case protocol.CallbackDataResult:
		err = b.sink.OnAcquireDataResult(cb.Data, cb.RequestCode, cb.Want)
	case protocol.CallbackUpdateForm:
		if cb.Form == nil {
			err = form.Errorf(form.CodeInvalidParam, "update without form data")
			break
		}
		err = b.UpdateForm(context.Background(), from.Bundle, cb.Form.FormID, cb.Form.Data)
	default:
		err = form.Errorf(form.CodeInvalidParam, "unknown callback %q", cb.Callback)
	}
	if err != nil {
		b.logger.Debug("callback not applied", "provider", from.String(), "callback", cb.Callback, "error", err)
	}
}

// OnAcquired applies provider content for a created or re-created form.
func (b *Broker) OnAcquired(conn connect.Connection, data json.RawMessage, kind protocol.AcquireKind, want protocol.Want) error {
	rec, err := b.applyContent(conn.FormID, data)
	if err != nil {
		return err
	}
	b.logger.Info("form acquired", "form_id", rec.ID, "kind", kind.String(), "syntax", rec.Syntax.String())
	b.hub.Publish(events.FormAcquired, map[string]any{"form_id": rec.ID, "kind": kind.String()})

	if rec.Syntax == form.SyntaxDeclarative {
		b.renderToHosts(rec, want)
		return nil
	}
	snap := snapshotOf(rec)
	for _, h := range b.reg.HostsOf(rec.ID) {
		if h.Client != nil {
			h.Client.OnAcquired(snap)
		}
	}
	return nil
}

// OnRenderAcquired applies content requested on behalf of the renderer.
func (b *Broker) OnRenderAcquired(conn connect.Connection, data json.RawMessage, want protocol.Want) error {
	rec, err := b.applyContent(conn.FormID, data)
	if err != nil {
		return err
	}
	b.renderToHosts(rec, want)
	return nil
}

// OnAcquireFailed surfaces a provider-reported error to the requesting host.
func (b *Broker) OnAcquireFailed(conn connect.Connection, code form.Code, msg string) {
	b.notifyError(conn, code, msg)
}

// OnStateResult forwards a state answer to the host that asked.
func (b *Broker) OnStateResult(conn connect.Connection, state protocol.State, want protocol.Want) {
	h, ok := b.takeStateClient(conn.HostToken)
	if !ok {
		b.logger.Debug("state result for unknown host", "host", conn.HostToken)
		return
	}
	h.OnStateResult(state, want)
}

// applyContent records fresh content in the registry, cache and store.
func (b *Broker) applyContent(formID int64, data json.RawMessage) (*form.Record, error) {
	rec, err := b.reg.MarkInited(formID, data)
	if err != nil {
		return nil, err
	}
	b.cache.Put(rec.ID, data)
	b.persist(context.Background(), rec)
	return rec, nil
}

func (b *Broker) persist(ctx context.Context, rec *form.Record) {
	if rec.Temp {
		return
	}
	if err := b.store.Save(ctx, rec); err != nil {
		b.logger.Error("failed to persist form", "form_id", rec.ID, "error", err)
	}
}

func (b *Broker) renderToHosts(rec *form.Record, want protocol.Want) {
	snap := snapshotOf(rec)
	for _, h := range b.reg.HostsOf(rec.ID) {
		w := want.Clone().SetString(protocol.KeyHostToken, h.Token)
		if err := b.render.Render(snap, w, h.Token); err != nil {
			b.logger.Warn("render failed", "form_id", rec.ID, "host", h.Token, "error", err)
		}
	}
}

// notifyError pushes OnError to the connection's host, or to every host of
// its form when the connection was not opened for one host.
func (b *Broker) notifyError(conn connect.Connection, code form.Code, msg string) {
	b.hub.Publish(events.FormError, map[string]any{
		"form_id": conn.FormID, "connect_id": conn.ID, "flow": conn.Flow, "code": code.String(), "message": msg,
	})
	if conn.HostToken != "" {
		if h, ok := b.reg.Host(conn.HostToken); ok {
			h.OnError(int(code), msg)
		}
		return
	}
	if conn.FormID == 0 {
		return
	}
	for _, h := range b.reg.HostsOf(conn.FormID) {
		if h.Client != nil {
			h.Client.OnError(int(code), msg)
		}
	}
}

func (b *Broker) connectionFailed(conn connect.Connection, code form.Code) {
	b.hub.Publish(events.ConnectionFailed, map[string]any{
		"connect_id": conn.ID, "provider": conn.Key.String(), "flow": conn.Flow, "code": code.String(),
	})
}

func (b *Broker) addStateClient(token string, h protocol.Host) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	c, ok := b.stateClients[token]
	if !ok {
		c = &stateClient{}
		b.stateClients[token] = c
	}
	c.host = h
	c.pending++
}

func (b *Broker) takeStateClient(token string) (protocol.Host, bool) {
	b.stateMu.Lock()
	c, ok := b.stateClients[token]
	if ok {
		c.pending--
		if c.pending <= 0 {
			delete(b.stateClients, token)
		}
	}
	b.stateMu.Unlock()
	if ok && c.host != nil {
		return c.host, true
	}
	return b.reg.Host(token)
}

func (b *Broker) dropStateClient(token string) {
	b.stateMu.Lock()
	delete(b.stateClients, token)
	b.stateMu.Unlock()
}

func snapshotOf(rec *form.Record) protocol.FormSnapshot {
	return protocol.FormSnapshot{
		ID:                rec.ID,
		Bundle:            rec.BundleName,
		Ability:           rec.AbilityName,
		Module:            rec.ModuleName,
		FormName:          rec.FormName,
		Dimension:         rec.Dimension,
		Temp:              rec.Temp,
		Syntax:            rec.Syntax.String(),
		CompatibleVersion: rec.CompatibleVersion,
		Content:           rec.Content,
	}
}

// acquireWant is the parameter bag an acquire carries to the provider.
func acquireWant(rec *form.Record, caller form.Caller, extra protocol.Want) protocol.Want {
	w := extra.Clone().
		SetInt64(protocol.KeyFormID, rec.ID).
		SetString(protocol.KeyBundleName, rec.BundleName).
		SetString(protocol.KeyAbilityName, rec.AbilityName).
		SetString(protocol.KeyModuleName, rec.ModuleName).
		SetString(protocol.KeyFormName, rec.FormName).
		SetInt(protocol.KeyDimension, rec.Dimension).
		SetBool(protocol.KeyTemp, rec.Temp).
		SetInt(protocol.KeyUserID, rec.UserID).
		SetInt(protocol.KeyCompatibleVersion, rec.CompatibleVersion)
	if caller.Bundle != "" {
		w.SetString(protocol.KeySupplyIdentity, caller.Bundle)
	}
	if !w.Has(protocol.KeyCompileMode) {
		w.SetString(protocol.KeyCompileMode, defaultCompileMode)
	}
	return w
}
