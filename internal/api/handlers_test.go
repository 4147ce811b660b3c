package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/formbroker/internal/broker"
	"github.com/mattjoyce/formbroker/internal/catalog"
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
	"github.com/mattjoyce/formbroker/internal/supply"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const testAPIKey = "test-key"

var weatherKey = form.ProviderKey{Bundle: "com.example.weather", Ability: "FormAbility"}

type testServer struct {
	srv     *Server
	handler http.Handler
	broker  *broker.Broker
	catalog *catalog.Catalog
	weather *prototest.Provider
}

func newTestServer(t *testing.T) *testServer {
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

	cat := catalog.New()
	require.NoError(t, cat.Add(&catalog.Provider{
		Bundle:  weatherKey.Bundle,
		Module:  "entry",
		Version: 1,
		Forms: []catalog.FormSpec{{
			Name: "weather", Ability: weatherKey.Ability, UpdateEnabled: true, DefaultDimension: 2, IsDefault: true,
		}},
	}))

	binder := connecttest.NewBinder()
	weather := prototest.NewProvider("weather")
	binder.Serve(weatherKey, weather)
	binder.Serve(render.RendererKey, prototest.NewRenderer("renderer"))

	q := queue.New(db)
	b, err := broker.New(broker.Options{
		Registry:     registry.New("device-under-test", registry.DefaultLimits()),
		Resolver:     cat,
		Store:        formstore.New(db),
		Binder:       binder,
		Poster:       d,
		Queue:        q,
		Events:       events.NewHub(64),
		Grace:        time.Hour,
		AwaitTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	srv := New(Config{Listen: "127.0.0.1:0", APIKey: testAPIKey}, b, cat, q, log.WithComponent("api"))
	return &testServer{srv: srv, handler: srv.Handler(), broker: b, catalog: cat, weather: weather}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if token != "" {
		req.Header.Set(HeaderHostToken, token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) register(t *testing.T, uid int, bundle string) string {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/hosts", "", RegisterHostRequest{UID: uid, Bundle: bundle})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp RegisterHostResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (ts *testServer) addWeather(t *testing.T, token string, temp bool) int64 {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/forms", token, AddFormRequest{
		Bundle: weatherKey.Bundle, Ability: weatherKey.Ability, Temp: temp, UserID: 1,
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var snap protocol.FormSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.NotZero(t, snap.ID)
	return snap.ID
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ProvidersLoaded)
	assert.Zero(t, resp.Forms)
}

func TestFormRoutesRequireAPIKey(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/forms", nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/forms", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAddFormPushesContentToHost(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, 100, "com.example.launcher")
	id := ts.addWeather(t, token, false)

	var call protocol.Call
	require.Eventually(t, func() bool {
		for _, c := range ts.weather.Calls() {
			if c.Method == protocol.MethodAcquire {
				call = c
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	ts.broker.Deliver(weatherKey, &protocol.Callback{
		Protocol: protocol.Version,
		Callback: protocol.CallbackAcquireResult,
		Form:     &protocol.FormData{FormID: call.FormID, Data: json.RawMessage(`{"temp":"21C"}`)},
		Want:     call.Want,
	})

	var push HostPush
	for _, ev := range ts.broker.Events().SnapshotSince(0) {
		if ev.Type == events.HostPush && ev.Host == token {
			require.NoError(t, json.Unmarshal(ev.Data, &push))
		}
	}
	require.Equal(t, PushAcquired, push.Kind)
	require.NotNil(t, push.Form)
	assert.Equal(t, id, push.Form.ID)
	assert.JSONEq(t, `{"temp":"21C"}`, string(push.Form.Content))

	rr := ts.do(t, http.MethodGet, "/forms/"+strconv.FormatInt(id, 10), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got FormResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.True(t, got.Inited)
	assert.Equal(t, []string{token}, got.Hosts)
	assert.Equal(t, "script", got.Syntax)

	rr = ts.do(t, http.MethodGet, "/forms?host="+token, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list FormListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestHostIdentityIsChecked(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/forms", "", AddFormRequest{Bundle: weatherKey.Bundle, Ability: weatherKey.Ability})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/forms", "never-registered", AddFormRequest{Bundle: weatherKey.Bundle, Ability: weatherKey.Ability})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/hosts", "", RegisterHostRequest{UID: 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBrokerErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)
	owner := ts.register(t, 100, "com.example.launcher")
	other := ts.register(t, 200, "com.example.desk")
	id := ts.addWeather(t, owner, false)
	path := "/forms/" + strconv.FormatInt(id, 10)

	rr := ts.do(t, http.MethodDelete, path, other, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, form.CodeOperationNotSelf.String(), decodeError(t, rr).Code)

	rr = ts.do(t, http.MethodDelete, "/forms/99", owner, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodDelete, "/forms/abc", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, path+"/share", owner, ShareRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/forms", owner, AddFormRequest{Bundle: "com.example.missing", Ability: "FormAbility"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodDelete, path, owner, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAcquireDataTimesOut(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, 100, "com.example.launcher")
	id := ts.addWeather(t, token, false)

	rr := ts.do(t, http.MethodGet, "/forms/"+strconv.FormatInt(id, 10)+"/data", token, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Empty(t, decodeError(t, rr).Code)
}

func TestVisibilityRoute(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, 100, "com.example.launcher")
	id := ts.addWeather(t, token, false)

	rr := ts.do(t, http.MethodPost, "/forms/visibility", token, FormIDsRequest{FormIDs: []int64{id}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	visible := true
	rr = ts.do(t, http.MethodPost, "/forms/visibility", token, FormIDsRequest{FormIDs: []int64{id}, Visible: &visible})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp FormIDsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []int64{id}, resp.FormIDs)

	require.Eventually(t, func() bool { return ts.weather.Count(protocol.MethodVisibility) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHostDiedRoute(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, 100, "com.example.launcher")
	id := ts.addWeather(t, token, true)

	rr := ts.do(t, http.MethodDelete, "/hosts/"+token, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HostDiedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []int64{id}, resp.Removed)

	rr = ts.do(t, http.MethodPost, "/forms", token, AddFormRequest{Bundle: weatherKey.Bundle, Ability: weatherKey.Ability})
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "token is forgotten with the host")

	rr = ts.do(t, http.MethodDelete, "/hosts/"+token, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRemoveProviderRoute(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, 100, "com.example.launcher")
	id := ts.addWeather(t, token, false)

	rr := ts.do(t, http.MethodDelete, "/providers/com.example.missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/providers", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var providers ProviderListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &providers))
	require.Len(t, providers.Providers, 1)
	assert.Equal(t, []string{weatherKey.Ability}, providers.Providers[0].Abilities)

	rr = ts.do(t, http.MethodDelete, "/providers/"+weatherKey.Bundle, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var removed FormIDsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &removed))
	assert.Equal(t, []int64{id}, removed.FormIDs)
	_, ok := ts.catalog.Get(weatherKey.Bundle)
	assert.False(t, ok)
}

func TestReloadProviderRoute(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, 100, "com.example.launcher")
	id := ts.addWeather(t, token, false)

	rr := ts.do(t, http.MethodPost, "/providers/com.example.missing/reload", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodPost, "/providers/"+weatherKey.Bundle+"/reload", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var reloaded FormIDsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reloaded))
	assert.Equal(t, []int64{id}, reloaded.FormIDs)

	rec, ok := ts.broker.Registry().Get(id)
	require.True(t, ok)
	assert.True(t, rec.VersionUpgrade)
}

func TestPublishRoute(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, 100, "com.example.launcher")

	rr := ts.do(t, http.MethodPost, "/forms/publish", "", PublishRequest{
		Bundle: weatherKey.Bundle, Ability: weatherKey.Ability, Data: json.RawMessage(`{"temp":"5C"}`), UserID: 1,
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var pub PublishResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pub))

	rr = ts.do(t, http.MethodPost, "/forms", token, AddFormRequest{FormID: pub.FormID, Bundle: weatherKey.Bundle, Ability: weatherKey.Ability})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var snap protocol.FormSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, pub.FormID, snap.ID)
}

func TestConnectionsRoute(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/connections", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp ConnectionListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Connections)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{form.Errorf(form.CodeInvalidParam, "x"), http.StatusBadRequest},
		{form.Errorf(form.CodeNotExistID, "x"), http.StatusNotFound},
		{form.Errorf(form.CodeOperationNotSelf, "x"), http.StatusForbidden},
		{form.ErrMaxUserForms, http.StatusTooManyRequests},
		{form.Errorf(form.CodeConfigMismatch, "x"), http.StatusConflict},
		{form.Errorf(form.CodeBindProviderFailed, "x"), http.StatusBadGateway},
		{form.Errorf(form.CodeConnectRenderFailed, "x"), http.StatusBadGateway},
		{supply.ErrTimeout, http.StatusGatewayTimeout},
		{form.Errorf(form.CodeCommon, "x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
