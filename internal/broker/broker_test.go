package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/formbroker/internal/broker"
	"github.com/mattjoyce/formbroker/internal/connect"
	"github.com/mattjoyce/formbroker/internal/connect/connecttest"
	"github.com/mattjoyce/formbroker/internal/dispatch"
	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/formstore"
	"github.com/mattjoyce/formbroker/internal/log"
	"github.com/mattjoyce/formbroker/internal/protocol"
	"github.com/mattjoyce/formbroker/internal/protocol/prototest"
	"github.com/mattjoyce/formbroker/internal/queue"
	"github.com/mattjoyce/formbroker/internal/registry"
	"github.com/mattjoyce/formbroker/internal/render"
	"github.com/mattjoyce/formbroker/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const deviceID = "device-under-test"

var (
	clockKey   = form.ProviderKey{Bundle: "com.example.clock", Ability: "FormAbility"}
	weatherKey = form.ProviderKey{Bundle: "com.example.weather", Ability: "FormAbility"}

	hostA = form.Caller{Token: "host-a", UID: 100, Bundle: "com.example.launcher"}
	hostB = form.Caller{Token: "host-b", UID: 200, Bundle: "com.example.desk"}
)

type fakeResolver map[string]form.ProviderInfo

func (r fakeResolver) Resolve(bundle, _, _, _ string) (form.ProviderInfo, error) {
	info, ok := r[bundle]
	if !ok {
		return form.ProviderInfo{}, form.Errorf(form.CodeInvalidParam, "unknown bundle %s", bundle)
	}
	return info, nil
}

type fakeTimers struct {
	mu      sync.Mutex
	added   map[int64]form.RefreshPolicy
	removed []int64
}

func (f *fakeTimers) AddTimer(formID int64, policy form.RefreshPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[formID] = policy
	return nil
}

func (f *fakeTimers) RemoveTimer(formID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, formID)
	_, ok := f.added[formID]
	delete(f.added, formID)
	return ok
}

func (f *fakeTimers) has(formID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.added[formID]
	return ok
}

type fixture struct {
	broker   *broker.Broker
	reg      *registry.Registry
	binder   *connecttest.Binder
	clock    *prototest.Provider
	weather  *prototest.Provider
	renderer *prototest.Renderer
	store    *formstore.Store
	queue    *queue.Queue
	timers   *fakeTimers
	hub      *events.Hub
}

func newFixture(t *testing.T, limits registry.Limits) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := dispatch.New(0)
	d.Start(ctx)

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		d.Stop()
		_ = db.Close()
	})

	f := &fixture{
		reg:      registry.New(deviceID, limits),
		binder:   connecttest.NewBinder(),
		clock:    prototest.NewProvider("clock"),
		weather:  prototest.NewProvider("weather"),
		renderer: prototest.NewRenderer("renderer"),
		store:    formstore.New(db),
		queue:    queue.New(db),
		timers:   &fakeTimers{added: make(map[int64]form.RefreshPolicy)},
		hub:      events.NewHub(64),
	}
	f.binder.Serve(clockKey, f.clock)
	f.binder.Serve(weatherKey, f.weather)
	f.binder.Serve(render.RendererKey, f.renderer)

	f.broker, err = broker.New(broker.Options{
		Registry: f.reg,
		Resolver: fakeResolver{
			clockKey.Bundle: {
				Bundle: clockKey.Bundle, Ability: clockKey.Ability, Module: "entry", FormName: "clock",
				Dimension: 1, Syntax: form.SyntaxDeclarative, EnableUpdate: true,
				Refresh: form.Interval(30 * time.Minute),
			},
			weatherKey.Bundle: {
				Bundle: weatherKey.Bundle, Ability: weatherKey.Ability, Module: "entry", FormName: "weather",
				Dimension: 2, Syntax: form.SyntaxScript, EnableUpdate: true,
			},
		},
		Store:        f.store,
		Binder:       f.binder,
		Poster:       d,
		Timers:       f.timers,
		Queue:        f.queue,
		Events:       f.hub,
		Grace:        time.Hour,
		AwaitTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(f.broker.Close)
	return f
}

func (f *fixture) add(t *testing.T, bundle string, caller form.Caller, host protocol.Host, temp bool) int64 {
	t.Helper()
	snap, err := f.broker.AddForm(context.Background(), broker.AddRequest{
		Bundle: bundle,
		Temp:   temp,
		UserID: 1,
		Caller: caller,
		Host:   host,
	})
	require.NoError(t, err)
	return snap.ID
}

// lastCall waits for the provider to receive method and returns the latest one.
func lastCall(t *testing.T, p *prototest.Provider, method string) protocol.Call {
	t.Helper()
	var found protocol.Call
	require.Eventually(t, func() bool {
		for _, c := range p.Calls() {
			if c.Method == method {
				found = c
			}
		}
		return found.Method == method
	}, time.Second, 5*time.Millisecond)
	return found
}

// pollCall is lastCall for goroutines other than the test's own.
func pollCall(p *prototest.Provider, method string) (protocol.Call, bool) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, c := range p.Calls() {
			if c.Method == method {
				return c, true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return protocol.Call{}, false
}

func (f *fixture) reply(key form.ProviderKey, call protocol.Call, data string) {
	f.broker.Deliver(key, &protocol.Callback{
		Protocol: protocol.Version,
		Callback: protocol.CallbackAcquireResult,
		Form:     &protocol.FormData{FormID: call.FormID, Data: json.RawMessage(data)},
		Want:     call.Want,
	})
}

func TestEndToEndTempFormDiesWithHost(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	host := &prototest.Host{}

	f.binder.Hold()
	id := f.add(t, clockKey.Bundle, hostA, host, true)
	assert.Equal(t, int64(registry.DeviceHash(deviceID)), id>>32)

	conns := f.broker.Connections().Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, connect.Connecting, conns[0].State)
	assert.Equal(t, id, conns[0].FormID)
	assert.Equal(t, "acquire", conns[0].Flow)

	require.Equal(t, 1, f.binder.Release())
	call := lastCall(t, f.clock, protocol.MethodAcquire)
	assert.Equal(t, protocol.AcquireCreate, call.Want.AcquireKind())
	assert.Equal(t, "release", call.Want.String(protocol.KeyCompileMode))
	assert.Equal(t, hostA.Bundle, call.Want.String(protocol.KeySupplyIdentity))

	f.reply(clockKey, call, `{"time":"12:00"}`)

	rec, ok := f.reg.Get(id)
	require.True(t, ok)
	assert.True(t, rec.Inited)
	assert.False(t, rec.NeedRefresh)
	cached, ok := f.broker.Cache().Get(id)
	require.True(t, ok)
	assert.JSONEq(t, `{"time":"12:00"}`, string(cached))
	assert.Empty(t, f.broker.Connections().Connections(), "acquire connection is detached")

	require.Eventually(t, func() bool { return f.renderer.Count(protocol.MethodRender) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, render.Connected, f.broker.Renderer().State(id))
	assert.Equal(t, []int64{id}, f.broker.Renderer().HostForms(hostA.Token))

	gone := f.broker.HostDied(context.Background(), hostA.Token)
	assert.Equal(t, []int64{id}, gone)
	assert.False(t, f.reg.Exists(id))
	assert.Empty(t, f.reg.HostForms(hostA.Token))
	assert.False(t, f.broker.Cache().Has(id))

	require.Eventually(t, func() bool { return f.clock.Count(protocol.MethodBatchDelete) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.clock.Count(protocol.MethodBatchDelete))
	assert.Zero(t, f.clock.Count(protocol.MethodDelete))
	assert.Equal(t, []int64{id}, lastCall(t, f.clock, protocol.MethodBatchDelete).FormIDs)
	assert.Equal(t, render.NoConnection, f.broker.Renderer().State(id))
}

func TestHostDiedBatchesDeletesPerProvider(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	w1 := f.add(t, weatherKey.Bundle, hostA, nil, true)
	w2 := f.add(t, weatherKey.Bundle, hostA, nil, true)
	c1 := f.add(t, clockKey.Bundle, hostA, nil, true)
	kept := f.add(t, weatherKey.Bundle, hostA, nil, false)

	gone := f.broker.HostDied(context.Background(), hostA.Token)
	assert.ElementsMatch(t, []int64{w1, w2, c1}, gone)
	assert.True(t, f.reg.Exists(kept))

	require.Eventually(t, func() bool {
		return f.weather.Count(protocol.MethodBatchDelete) == 1 && f.clock.Count(protocol.MethodBatchDelete) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int64{w1, w2}, lastCall(t, f.weather, protocol.MethodBatchDelete).FormIDs)
	assert.Equal(t, []int64{c1}, lastCall(t, f.clock, protocol.MethodBatchDelete).FormIDs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.weather.Count(protocol.MethodBatchDelete))
	assert.Zero(t, f.weather.Count(protocol.MethodDelete))
}

func TestProviderUpdatedReloadsRenderedForms(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	clock := f.add(t, clockKey.Bundle, hostA, nil, false)
	f.reply(clockKey, lastCall(t, f.clock, protocol.MethodAcquire), `{"time":"09:00"}`)
	require.Eventually(t, func() bool { return f.broker.Renderer().State(clock) == render.Connected }, time.Second, 5*time.Millisecond)
	other := f.add(t, weatherKey.Bundle, hostA, nil, false)

	ids := f.broker.ProviderUpdated(context.Background(), clockKey.Bundle)
	assert.Equal(t, []int64{clock}, ids)

	require.Eventually(t, func() bool { return f.renderer.Count(protocol.MethodReload) == 1 }, time.Second, 5*time.Millisecond)
	for _, c := range f.renderer.Calls() {
		if c.Method == protocol.MethodReload {
			assert.Equal(t, []int64{clock}, c.FormIDs)
		}
	}
	assert.Equal(t, 1, f.binder.Binds(render.RendererKey), "reload reuses the renderer connection")

	rec, _ := f.reg.Get(clock)
	assert.True(t, rec.VersionUpgrade)
	assert.True(t, rec.NeedRefresh, "hidden forms refresh on their next visibility")
	untouched, _ := f.reg.Get(other)
	assert.False(t, untouched.VersionUpgrade)
}

func TestHostDiedKeepsPersistentForms(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	id := f.add(t, weatherKey.Bundle, hostA, &prototest.Host{}, false)

	assert.Empty(t, f.broker.HostDied(context.Background(), hostA.Token))
	assert.True(t, f.reg.Exists(id))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.weather.Count(protocol.MethodDelete))
}

func TestScriptFormIsPushedAndPersisted(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	host := &prototest.Host{}
	id := f.add(t, weatherKey.Bundle, hostA, host, false)

	stored, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Inited)

	f.reply(weatherKey, lastCall(t, f.weather, protocol.MethodAcquire), `{"temp":"21C"}`)

	acquired := host.Acquired()
	require.Len(t, acquired, 1)
	assert.Equal(t, id, acquired[0].ID)
	assert.JSONEq(t, `{"temp":"21C"}`, string(acquired[0].Content))

	stored, err = f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stored.Inited)
	assert.Zero(t, f.renderer.Count(protocol.MethodRender))
}

func TestAddFormValidation(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()

	_, err := f.broker.AddForm(ctx, broker.AddRequest{Bundle: weatherKey.Bundle})
	require.ErrorIs(t, err, form.ErrInvalidParam)

	_, err = f.broker.AddForm(ctx, broker.AddRequest{Bundle: "com.example.missing", Caller: hostA})
	require.ErrorIs(t, err, form.ErrInvalidParam)

	_, err = f.broker.AddForm(ctx, broker.AddRequest{FormID: 12345, Bundle: weatherKey.Bundle, Caller: hostA})
	require.ErrorIs(t, err, form.ErrNotExistID)
}

func TestAddFormTempQuotaIsExclusive(t *testing.T) {
	limits := registry.DefaultLimits()
	limits.MaxTempForms = 2
	f := newFixture(t, limits)

	f.add(t, weatherKey.Bundle, hostA, nil, true)
	_, err := f.broker.AddForm(context.Background(), broker.AddRequest{Bundle: weatherKey.Bundle, Temp: true, Caller: hostA})
	require.ErrorIs(t, err, form.ErrMaxSystemTempForms)
	assert.Equal(t, 1, f.reg.Count())
}

func TestAcquireErrorLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	host := &prototest.Host{}
	id := f.add(t, weatherKey.Bundle, hostA, host, false)

	call := lastCall(t, f.weather, protocol.MethodAcquire)
	want := call.Want.Clone().
		SetInt(protocol.KeyErrorCode, int(form.CodeCommon)).
		SetString(protocol.KeyErrorMessage, "no data")
	f.broker.Deliver(weatherKey, &protocol.Callback{
		Protocol: protocol.Version,
		Callback: protocol.CallbackAcquireResult,
		Want:     want,
	})

	rec, ok := f.reg.Get(id)
	require.True(t, ok)
	assert.False(t, rec.Inited)
	assert.Nil(t, rec.Content)
	assert.Equal(t, []prototest.HostError{{Code: int(form.CodeCommon), Msg: "no data"}}, host.Errors())
	assert.Empty(t, host.Acquired())
}

func TestBindFailureReachesHost(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	f.binder.FailWith(weatherKey, form.CodeBindProviderFailed)
	host := &prototest.Host{}
	f.add(t, weatherKey.Bundle, hostA, host, false)

	require.Len(t, host.Errors(), 1)
	assert.Equal(t, int(form.CodeBindProviderFailed), host.Errors()[0].Code)
	assert.Empty(t, f.broker.Connections().Connections())
}

func TestSynchronousBindFailureIsReportedOnce(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	f.binder.BindErr = errors.New("entrypoint missing")
	host := &prototest.Host{}

	id := f.add(t, weatherKey.Bundle, hostA, host, false)
	require.Len(t, host.Errors(), 1)
	assert.Equal(t, int(form.CodeBindProviderFailed), host.Errors()[0].Code)
	assert.True(t, f.reg.Exists(id))
	assert.True(t, f.reg.HostOwns(hostA.Token, id))
	assert.Empty(t, f.broker.Connections().Connections())

	// The host retries once the provider can be launched again.
	f.binder.BindErr = nil
	require.NoError(t, f.broker.RequestForm(context.Background(), id, hostA, protocol.NewWant()))
	lastCall(t, f.weather, protocol.MethodUpdate)
}

func TestSecondHostIsServedFromCache(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	first, second := &prototest.Host{}, &prototest.Host{}
	id := f.add(t, weatherKey.Bundle, hostA, first, false)
	f.reply(weatherKey, lastCall(t, f.weather, protocol.MethodAcquire), `{"temp":"18C"}`)

	snap, err := f.broker.AddForm(context.Background(), broker.AddRequest{
		FormID: id & 0xffffffff,
		Bundle: weatherKey.Bundle,
		Caller: hostB,
		Host:   second,
	})
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID, "short id folds to the full id")

	require.Len(t, second.Acquired(), 1)
	assert.JSONEq(t, `{"temp":"18C"}`, string(second.Acquired()[0].Content))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.weather.Count(protocol.MethodAcquire))

	rec, _ := f.reg.Get(id)
	assert.Equal(t, []int{hostA.UID, hostB.UID}, rec.UIDs())
}

func TestDeleteFormChecksOwnershipAndTearsDown(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, clockKey.Bundle, hostA, &prototest.Host{}, false)
	assert.True(t, f.timers.has(id))

	require.ErrorIs(t, f.broker.DeleteForm(ctx, id, hostB), form.ErrOperationNotSelf)
	require.ErrorIs(t, f.broker.DeleteForm(ctx, 99, hostA), form.ErrNotExistID)

	require.NoError(t, f.broker.DeleteForm(ctx, id, hostA))
	assert.False(t, f.reg.Exists(id))
	assert.False(t, f.timers.has(id))
	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, stored)
	require.Eventually(t, func() bool { return f.clock.Count(protocol.MethodDelete) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDeleteFormKeepsSharedForm(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)
	_, err := f.broker.AddForm(ctx, broker.AddRequest{FormID: id, Bundle: weatherKey.Bundle, Caller: hostB})
	require.NoError(t, err)

	require.NoError(t, f.broker.DeleteForm(ctx, id, hostA))
	rec, ok := f.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, []int{hostB.UID}, rec.UIDs())

	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{hostB.UID}, stored.UIDs())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.weather.Count(protocol.MethodDelete))
}

func TestReleaseForm(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)
	f.reply(weatherKey, lastCall(t, f.weather, protocol.MethodAcquire), `{}`)

	require.NoError(t, f.broker.ReleaseForm(ctx, id, hostA, true))
	assert.True(t, f.reg.Exists(id), "persistent forms survive release")
	assert.False(t, f.reg.HostOwns(hostA.Token, id))
	assert.False(t, f.broker.Cache().Has(id))

	temp := f.add(t, weatherKey.Bundle, hostA, nil, true)
	require.NoError(t, f.broker.ReleaseForm(ctx, temp, hostA, false))
	assert.False(t, f.reg.Exists(temp), "releasing a temporary form deletes it")
}

func TestUpdateFormWaitsForVisibility(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	host := &prototest.Host{}
	id := f.add(t, weatherKey.Bundle, hostA, host, false)
	f.reply(weatherKey, lastCall(t, f.weather, protocol.MethodAcquire), `{"temp":"1C"}`)

	require.ErrorIs(t, f.broker.UpdateForm(ctx, clockKey.Bundle, id, json.RawMessage(`{}`)), form.ErrOperationNotSelf)

	require.NoError(t, f.broker.UpdateForm(ctx, weatherKey.Bundle, id, json.RawMessage(`{"temp":"2C"}`)))
	assert.Empty(t, host.Updated())
	rec, _ := f.reg.Get(id)
	assert.True(t, rec.NeedRefresh)

	changed, err := f.broker.NotifyVisible(ctx, hostA, []int64{id}, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, changed)
	vis := lastCall(t, f.weather, protocol.MethodVisibility)
	assert.Equal(t, []int64{id}, vis.FormIDs)
	assert.Equal(t, protocol.Visible, vis.Visibility)
	lastCall(t, f.weather, protocol.MethodUpdate)

	require.NoError(t, f.broker.UpdateForm(ctx, weatherKey.Bundle, id, json.RawMessage(`{"temp":"3C"}`)))
	require.Len(t, host.Updated(), 1)
	assert.JSONEq(t, `{"temp":"3C"}`, string(host.Updated()[0].Content))

	f.broker.SetEnableUpdate(ctx, hostA, []int64{id}, false)
	require.NoError(t, f.broker.UpdateForm(ctx, weatherKey.Bundle, id, json.RawMessage(`{"temp":"4C"}`)))
	assert.Len(t, host.Updated(), 1)
}

func TestUpdateFormCallbackFromProvider(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)

	f.broker.Deliver(weatherKey, &protocol.Callback{
		Protocol: protocol.Version,
		Callback: protocol.CallbackUpdateForm,
		Form:     &protocol.FormData{FormID: id, Data: json.RawMessage(`{"v":1}`)},
	})
	content, ok := f.broker.Cache().Get(id)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(content))

	// A different bundle cannot update the form.
	f.broker.Deliver(clockKey, &protocol.Callback{
		Protocol: protocol.Version,
		Callback: protocol.CallbackUpdateForm,
		Form:     &protocol.FormData{FormID: id, Data: json.RawMessage(`{"v":2}`)},
	})
	content, _ = f.broker.Cache().Get(id)
	assert.JSONEq(t, `{"v":1}`, string(content))
}

func TestNotifyVisibleBatchesPerProvider(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	w1 := f.add(t, weatherKey.Bundle, hostA, nil, false)
	w2 := f.add(t, weatherKey.Bundle, hostA, nil, false)
	c1 := f.add(t, clockKey.Bundle, hostA, nil, false)
	other := f.add(t, weatherKey.Bundle, hostB, nil, false)

	changed, err := f.broker.NotifyVisible(ctx, hostA, []int64{w1, w2, c1, other}, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{w1, w2, c1}, changed)

	require.Eventually(t, func() bool {
		return f.weather.Count(protocol.MethodVisibility) == 1 && f.clock.Count(protocol.MethodVisibility) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int64{w1, w2}, lastCall(t, f.weather, protocol.MethodVisibility).FormIDs)

	_, err = f.broker.NotifyVisible(ctx, hostA, []int64{other}, true)
	require.ErrorIs(t, err, form.ErrOperationNotSelf)
}

func TestAcquireDataRoundTrip(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)

	go func() {
		call, ok := pollCall(f.weather, protocol.MethodAcquireData)
		if !ok {
			return
		}
		f.broker.Deliver(weatherKey, &protocol.Callback{
			Protocol:    protocol.Version,
			Callback:    protocol.CallbackDataResult,
			RequestCode: call.RequestCode,
			Data:        json.RawMessage(`{"raw":true}`),
			Want:        call.Want,
		})
	}()
	data, err := f.broker.AcquireData(ctx, id, hostA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":true}`, string(data))
	assert.Zero(t, f.broker.Sink().Waiting())

	_, err = f.broker.AcquireData(ctx, id, hostB)
	require.ErrorIs(t, err, form.ErrOperationNotSelf)
}

func TestShareFormFailsFastWhenBindFails(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)

	f.binder.FailWith(weatherKey, form.CodeBindProviderFailed)
	start := time.Now()
	err := f.broker.ShareForm(ctx, id, hostA, "device-b")
	require.ErrorIs(t, err, form.ErrBindProviderFailed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.ErrorIs(t, f.broker.ShareForm(ctx, id, hostA, ""), form.ErrInvalidParam)
}

func TestShareFormResult(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)

	go func() {
		call, ok := pollCall(f.weather, protocol.MethodShare)
		if !ok {
			return
		}
		f.broker.Deliver(weatherKey, &protocol.Callback{
			Protocol:    protocol.Version,
			Callback:    protocol.CallbackShareResult,
			RequestCode: call.RequestCode,
			Want:        call.Want,
		})
	}()
	require.NoError(t, f.broker.ShareForm(context.Background(), id, hostA, "device-b"))
	assert.Equal(t, "device-b", lastCall(t, f.weather, protocol.MethodShare).DeviceID)
}

func TestAcquireStateReachesAskingHost(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	host := &prototest.Host{}
	query := protocol.NewWant().
		SetString(protocol.KeyBundleName, clockKey.Bundle).
		SetString(protocol.KeyAbilityName, clockKey.Ability)

	require.NoError(t, f.broker.AcquireState(context.Background(), hostA, host, query))
	call := lastCall(t, f.clock, protocol.MethodAcquireState)
	assert.Equal(t, hostA.Bundle, call.Want.String(protocol.KeyProviderIdentifier))

	f.broker.Deliver(clockKey, &protocol.Callback{
		Protocol: protocol.Version,
		Callback: protocol.CallbackStateResult,
		State:    protocol.StateReady,
		Want:     call.Want,
	})
	assert.Equal(t, []protocol.State{protocol.StateReady}, host.States())

	err := f.broker.AcquireState(context.Background(), hostA, host, protocol.NewWant())
	require.ErrorIs(t, err, form.ErrInvalidParam)
}

func TestMessageEventAndBackgroundCall(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)

	require.NoError(t, f.broker.MessageEvent(ctx, id, hostA, "tap", protocol.NewWant()))
	assert.Equal(t, "tap", lastCall(t, f.weather, protocol.MethodEvent).Message)

	require.NoError(t, f.broker.BackgroundCall(ctx, id, hostA, "sync", protocol.NewWant()))
	assert.Equal(t, "sync", lastCall(t, f.weather, protocol.MethodBackground).Message)

	require.ErrorIs(t, f.broker.MessageEvent(ctx, id, hostB, "tap", nil), form.ErrOperationNotSelf)
	require.ErrorIs(t, f.broker.BackgroundCall(ctx, id, hostA, "", nil), form.ErrInvalidParam)
}

func TestCastTempForm(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, clockKey.Bundle, hostA, nil, true)
	assert.False(t, f.timers.has(id), "temporary forms are not scheduled")

	require.NoError(t, f.broker.CastTempForm(ctx, id, hostA, 7))
	rec, _ := f.reg.Get(id)
	assert.False(t, rec.Temp)
	assert.Equal(t, 7, rec.UserID)
	assert.True(t, f.timers.has(id))

	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	lastCall(t, f.clock, protocol.MethodCastTemp)

	require.ErrorIs(t, f.broker.CastTempForm(ctx, id, hostA, 7), form.ErrInvalidParam)
}

func TestProviderRemovedNotifiesHosts(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	hostAClient, hostBClient := &prototest.Host{}, &prototest.Host{}
	w1 := f.add(t, weatherKey.Bundle, hostA, hostAClient, false)
	w2 := f.add(t, weatherKey.Bundle, hostB, hostBClient, true)
	c1 := f.add(t, clockKey.Bundle, hostA, hostAClient, false)

	removed := f.broker.ProviderRemoved(ctx, weatherKey.Bundle)
	assert.ElementsMatch(t, []int64{w1, w2}, removed)
	assert.Equal(t, [][]int64{{w1}}, hostAClient.Uninstalled())
	assert.Equal(t, [][]int64{{w2}}, hostBClient.Uninstalled())
	assert.Equal(t, 1, f.reg.Count())
	assert.True(t, f.reg.Exists(c1))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.weather.Count(protocol.MethodDelete))
}

func TestRestoreLoadsPersistedForms(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()

	info := form.ProviderInfo{Bundle: clockKey.Bundle, Ability: clockKey.Ability, FormName: "clock", Refresh: form.DailyAt(6, 30)}
	rec := form.NewRecord(int64(registry.DeviceHash(deviceID))<<32|42, info, 100, 1, false)
	rec.Inited = true
	require.NoError(t, f.store.Save(ctx, rec))

	n, err := f.broker.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := f.reg.Get(rec.ID)
	require.True(t, ok)
	assert.False(t, got.Inited, "content is re-acquired after restart")
	assert.True(t, f.timers.has(rec.ID))
}

func TestDrainRefreshes(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	id := f.add(t, weatherKey.Bundle, hostA, nil, false)
	_, err := f.broker.NotifyVisible(ctx, hostA, []int64{id}, true)
	require.NoError(t, err)

	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{FormID: id, Reason: queue.ReasonInterval, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{FormID: 404, Reason: queue.ReasonInterval, MaxAttempts: 1})
	require.NoError(t, err)

	// Becoming visible already refreshed the never-acquired form once.
	require.Eventually(t, func() bool { return f.weather.Count(protocol.MethodUpdate) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.broker.DrainRefreshes(ctx))
	require.Eventually(t, func() bool { return f.weather.Count(protocol.MethodUpdate) == 2 }, time.Second, 5*time.Millisecond)

	done, err := f.queue.FindJobsByStatus(ctx, queue.StatusSucceeded)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, id, done[0].FormID)
	dead, err := f.queue.FindJobsByStatus(ctx, queue.StatusDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(404), dead[0].FormID)
}

func TestPublishIsAcceptedThroughAddForm(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	ctx := context.Background()
	host := &prototest.Host{}

	id, err := f.broker.RequestPublishForm(ctx, broker.PublishRequest{
		Bundle:    weatherKey.Bundle,
		Data:      json.RawMessage(`{"temp":"30C"}`),
		CallerUID: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, f.reg.PendingPublishes())

	snap, err := f.broker.AddForm(ctx, broker.AddRequest{FormID: id, Caller: hostA, Host: host})
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID)
	assert.Empty(t, f.reg.PendingPublishes())
	require.Len(t, host.Acquired(), 1)
	assert.JSONEq(t, `{"temp":"30C"}`, string(host.Acquired()[0].Content))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.weather.Count(protocol.MethodAcquire))
}

func TestRefusedPublishStaysStaged(t *testing.T) {
	limits := registry.DefaultLimits()
	limits.MaxFormsPerClient = 2
	f := newFixture(t, limits)
	ctx := context.Background()
	f.add(t, weatherKey.Bundle, hostA, nil, false)

	id, err := f.broker.RequestPublishForm(ctx, broker.PublishRequest{
		Bundle: weatherKey.Bundle,
		Data:   json.RawMessage(`{"temp":"12C"}`),
	})
	require.NoError(t, err)

	_, err = f.broker.AddForm(ctx, broker.AddRequest{FormID: id, Caller: hostA})
	require.ErrorIs(t, err, form.ErrMaxCallerForms)
	assert.Equal(t, []int64{id}, f.reg.PendingPublishes())
	assert.False(t, f.reg.Exists(id))

	host := &prototest.Host{}
	snap, err := f.broker.AddForm(ctx, broker.AddRequest{FormID: id, Caller: hostB, Host: host})
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID)
	assert.Empty(t, f.reg.PendingPublishes())
	require.Len(t, host.Acquired(), 1)
	assert.JSONEq(t, `{"temp":"12C"}`, string(host.Acquired()[0].Content))
}

func TestBrokerPublishesEvents(t *testing.T) {
	f := newFixture(t, registry.DefaultLimits())
	id := f.add(t, weatherKey.Bundle, hostA, nil, true)
	f.broker.HostDied(context.Background(), hostA.Token)

	var types []string
	for _, ev := range f.hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.FormAdded)
	assert.Contains(t, types, events.HostDied)
	assert.False(t, f.reg.Exists(id))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := broker.New(broker.Options{})
	require.Error(t, err)
}
