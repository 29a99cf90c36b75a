package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/annel0/tileblend/internal/auth"
	"github.com/annel0/tileblend/internal/cache"
	"github.com/annel0/tileblend/internal/eventbus"
	"github.com/annel0/tileblend/internal/logging"
	"github.com/annel0/tileblend/internal/service"
	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/blend"
	"github.com/annel0/tileblend/internal/world"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	rs       *RestServer
	tokens   *auth.TokenManager
	bus      eventbus.EventBus
	webhooks *OutboundWebhookManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.NewWriterLogger("api", io.Discard)

	g := blend.NewGraph()
	g.Register(terrain.Grass, terrain.Sand, blend.Entry{SheetKey: "grass-sand", SheetIndex: 3})

	bus := eventbus.NewMemoryBus(64)
	mc := cache.NewMemoryCache(nil, nil)
	svc := service.NewTerrainService(service.Deps{
		World:  world.NewWorldManager(world.EditBiome, terrain.BiomeGrass),
		Cache:  mc,
		Bus:    bus,
		Logger: logger,
	}, service.Config{Graph: g, CacheTTL: time.Minute})

	tokens, err := auth.NewTokenManager("", time.Hour)
	require.NoError(t, err)

	webhooks := NewOutboundWebhookManager("test-node", logger)
	webhooks.retryDelay = time.Millisecond
	require.NoError(t, webhooks.Attach(context.Background(), bus))

	rs, err := NewRestServer(Config{
		Service:  svc,
		Tokens:   tokens,
		Registry: prometheus.NewRegistry(),
		Webhooks: webhooks,
		Logger:   logger,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		webhooks.Close()
		bus.Close()
		mc.Close()
	})
	return &testServer{rs: rs, tokens: tokens, bus: bus, webhooks: webhooks}
}

func (ts *testServer) token(t *testing.T, editor bool) string {
	t.Helper()
	tok, err := ts.tokens.Generate("mapper", editor)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.rs.Handler().ServeHTTP(w, req)

	var resp GenericResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealthAndServerInfo(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := ts.do(t, http.MethodGet, "/api/server", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "biome", data["edit_mode"])
	assert.Equal(t, "depth", data["base_mode"])
	assert.Equal(t, 1.0, data["blend_pairs"])
	proc := data["process"].(map[string]interface{})
	assert.Greater(t, proc["goroutines"], 0.0)
	assert.Greater(t, proc["heap_mb"], 0.0)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "42с", formatUptime(42*time.Second))
	assert.Equal(t, "3м 5с", formatUptime(3*time.Minute+5*time.Second))
	assert.Equal(t, "2ч 0м 1с", formatUptime(2*time.Hour+time.Second))
	assert.Equal(t, "1д 1ч 1м 1с", formatUptime(25*time.Hour+61*time.Second))
}

func TestGetChunk(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, http.MethodGet, "/api/chunks/-1/2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "biome", data["mode"])
	tiles := data["tiles"].([]interface{})
	require.Len(t, tiles, world.ChunkSize)
	assert.Equal(t, "grass", tiles[0].([]interface{})[0])
	corners := data["corners"].([]interface{})
	require.Len(t, corners, world.CornerSize)

	w, _ = ts.do(t, http.MethodGet, "/api/chunks/a/2", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEditRequiresEditorToken(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]interface{}{"x": 3, "y": 3, "value": "sand"}

	w, _ := ts.do(t, http.MethodPost, "/api/chunks/corners", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/chunks/corners", "garbage", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/chunks/corners", ts.token(t, false), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp := ts.do(t, http.MethodPost, "/api/chunks/corners", ts.token(t, true), body)
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	data := resp.Data.(map[string]interface{})
	assert.Len(t, data["corners"], 1)
}

func TestEditValidation(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, true)

	w, _ := ts.do(t, http.MethodPost, "/api/chunks/corners", tok, map[string]interface{}{"x": 0, "y": 0, "value": "lava"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/chunks/tiles", tok, map[string]interface{}{"y": 0, "value": "road"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "x обязателен")

	w, resp := ts.do(t, http.MethodPost, "/api/chunks/tiles", tok, map[string]interface{}{"x": 0, "y": 0, "value": "road"})
	require.Equal(t, http.StatusOK, w.Code, resp.Message)

	w, resp = ts.do(t, http.MethodGet, "/api/chunks/0/0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "road", data["tiles"].([]interface{})[0].([]interface{})[0])
	assert.Len(t, data["authored"], 1)
}

func TestChunkBlendEndpoints(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, true)

	// Песчаный тайл посреди травы: трава ложится на него переходом.
	w, _ := ts.do(t, http.MethodPost, "/api/chunks/tiles", tok, map[string]interface{}{"x": 7, "y": 7, "value": "sand"})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := ts.do(t, http.MethodGet, "/api/chunks/0/0/blend", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	tiles := data["tiles"].([]interface{})
	center := tiles[7].([]interface{})[7].(map[string]interface{})
	assert.Equal(t, "sand", center["base"])
	assert.NotEmpty(t, center["layers"])

	w, resp = ts.do(t, http.MethodGet, "/api/region/blend?x0=-1&y0=-1&x1=0&y1=0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data, 4)

	w, _ = ts.do(t, http.MethodGet, "/api/region/blend?x0=0&y0=0&x1=10&y1=10", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = ts.do(t, http.MethodGet, "/api/region/blend?x0=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegionBlendRejectsOverflowingSize(t *testing.T) {
	ts := newTestServer(t)

	// 2^32 x 2^32 чанков: произведение сторон переполняет int и даёт 0.
	for _, q := range []string{
		"x0=0&y0=0&x1=4294967295&y1=4294967295",
		"x0=0&y0=0&x1=63&y1=1",
		"x0=-9223372036854775808&y0=0&x1=9223372036854775807&y1=0",
		"x0=0&y0=0&x1=0&y1=64",
	} {
		done := make(chan int, 1)
		go func() {
			w, _ := ts.do(t, http.MethodGet, "/api/region/blend?"+q, "", nil)
			done <- w.Code
		}()
		select {
		case code := <-done:
			assert.Equal(t, http.StatusBadRequest, code, q)
		case <-time.After(3 * time.Second):
			t.Fatalf("запрос %s не отвергнут вовремя", q)
		}
	}

	w, resp := ts.do(t, http.MethodGet, "/api/region/blend?x0=0&y0=0&x1=63&y1=0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data, 64)
}

func TestBlobAndGraphEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, http.MethodGet, "/api/blob/255", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 1.0, data["col"])
	assert.Equal(t, 0.0, data["row"])

	// Диагональ без обеих соседних сторон отбрасывается.
	w, resp = ts.do(t, http.MethodGet, "/api/blob/16", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = resp.Data.(map[string]interface{})
	assert.Equal(t, 0.0, data["canonical"])

	w, _ = ts.do(t, http.MethodGet, "/api/blob/256", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = ts.do(t, http.MethodGet, "/api/blob", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data, 47)

	w, resp = ts.do(t, http.MethodGet, "/api/blend-graph", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pairs := resp.Data.(map[string]interface{})["pairs"].([]interface{})
	require.Len(t, pairs, 1)
	pair := pairs[0].(map[string]interface{})
	assert.Equal(t, "grass", pair["overlay"])
	assert.Equal(t, "sand", pair["base"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.rs.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tileblend_http_request_duration_seconds")
}

func TestFlushEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w, resp := ts.do(t, http.MethodPost, "/api/flush", ts.token(t, true), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.0, resp.Data.(map[string]interface{})["saved"], "без хранилища нечего сохранять")
}

func TestWebhookForwardsEdits(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, true)

	var mu sync.Mutex
	var got []OutboundWebhookEvent
	var signatures []string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev OutboundWebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			got = append(got, ev)
			signatures = append(signatures, r.Header.Get("X-Webhook-Signature"))
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	w, resp := ts.do(t, http.MethodPost, "/api/webhooks", tok, map[string]interface{}{
		"name":   "editor-feed",
		"url":    target.URL,
		"secret": "s3cret",
		"events": []string{eventbus.EventTerrainEdited},
	})
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)

	w, resp = ts.do(t, http.MethodGet, "/api/webhooks", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data, 1)

	w, _ = ts.do(t, http.MethodPost, "/api/chunks/tiles", tok, map[string]interface{}{"x": 5, "y": 5, "value": "road"})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	ev := got[0]
	sig := signatures[0]
	mu.Unlock()
	assert.Equal(t, eventbus.EventTerrainEdited, ev.EventType)
	assert.Equal(t, "test-node", ev.ServerID)
	assert.NotEmpty(t, ev.CorrelationID, "trace-id запроса")
	assert.Contains(t, sig, "sha256=")

	var payload eventbus.TerrainEdited
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "tile", payload.Kind)
	assert.Equal(t, "road", payload.Value)
	assert.Equal(t, "mapper", payload.Actor)

	w, _ = ts.do(t, http.MethodDelete, "/api/webhooks/1", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = ts.do(t, http.MethodDelete, "/api/webhooks/1", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRetriesAndCountsFailures(t *testing.T) {
	logger := logging.NewWriterLogger("api", io.Discard)
	owm := NewOutboundWebhookManager("node", logger)
	owm.retryDelay = time.Millisecond
	defer owm.Close()

	var mu sync.Mutex
	calls := 0
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	hook := owm.AddWebhook(OutboundWebhook{Name: "broken", URL: target.URL, Events: []string{"*"}, RetryCount: 2})
	owm.Enqueue(&eventbus.Envelope{ID: "e1", EventType: "Anything", Timestamp: time.Now()})

	assert.Eventually(t, func() bool {
		got, ok := owm.GetWebhook(hook.ID)
		return ok && got.FailureCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, calls, "первая попытка и два повтора")
	mu.Unlock()
}

func TestBearerToken(t *testing.T) {
	tok, ok := bearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = bearerToken("bearer  abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer", "Bearer ", "Basic abc", "abc"} {
		_, ok := bearerToken(h)
		assert.False(t, ok, h)
	}
}

func TestResetChunkEndpoint(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, true)

	w, _ := ts.do(t, http.MethodPost, "/api/chunks/tiles", tok, map[string]interface{}{"x": 3, "y": 3, "value": "road"})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodDelete, "/api/chunks/0/0", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = ts.do(t, http.MethodDelete, "/api/chunks/0/0", ts.token(t, false), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = ts.do(t, http.MethodDelete, "/api/chunks/x/0", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodDelete, "/api/chunks/0/0", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// После сброса чанк создаётся заново с заливкой по умолчанию.
	w, resp := ts.do(t, http.MethodGet, "/api/chunks/0/0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	tiles := data["tiles"].([]interface{})
	assert.Equal(t, "grass", tiles[3].([]interface{})[3])
}
