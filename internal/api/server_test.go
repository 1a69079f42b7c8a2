package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdebug/hookdebug/internal/capture"
	"github.com/hookdebug/hookdebug/internal/config"
	"github.com/hookdebug/hookdebug/internal/directory"
	"github.com/hookdebug/hookdebug/internal/export"
	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/identity"
	"github.com/hookdebug/hookdebug/internal/migration"
	"github.com/hookdebug/hookdebug/internal/models"
	"github.com/hookdebug/hookdebug/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	durable, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	require.NoError(t, durable.Migrate(context.Background()))

	log := zerolog.Nop()
	memory := storage.NewMemoryStore(100)
	dir := directory.New(memory, durable)
	reqs := directory.NewRequests(dir)
	hub := fanout.NewHub(log)

	srv := NewServer(config.ServerConfig{}, Deps{
		Directory:   dir,
		Requests:    reqs,
		Pipeline:    capture.NewPipeline(dir, reqs, hub, 1<<20, log),
		Coordinator: migration.NewCoordinator(memory, durable, hub, 2, log),
		Hub:         hub,
		Resolver:    identity.NewResolver(identity.NewSigner("test-secret", time.Hour), false),
		Verifier:    identity.DevVerifier{},
		WSBuffer:    16,
		Retention:   config.RetentionConfig{EndpointTTL: 60 * 24 * time.Hour, Interval: time.Hour},
	}, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// newClient keeps cookies like a browser would.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func do(t *testing.T, c *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

type endpointView struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	RequestCount int64  `json:"request_count"`
	Owner        struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	} `json:"owner"`
}

func TestAPI_AnonymousCaptureFlow(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)
	sender := &http.Client{}

	resp, raw := do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	ep := decode[endpointView](t, raw)
	assert.Equal(t, "anonymous", ep.Owner.Kind)
	assert.Empty(t, ep.Owner.ID, "session token must not leak")
	assert.Equal(t, ts.URL+"/"+ep.Path, ep.URL)

	body := []byte("raw \x00 bytes")
	resp, raw = do(t, sender, http.MethodPatch, ts.URL+"/"+ep.Path+"/deep/path?x=1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	receipt := decode[capture.Receipt](t, raw)
	assert.Equal(t, "Webhook received successfully", receipt.Message)
	assert.Equal(t, ep.ID, receipt.EndpointID)

	resp, raw = do(t, browser, http.MethodGet, ts.URL+"/api/endpoints/"+ep.ID+"/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reqs := decode[[]models.Request](t, raw)
	require.Len(t, reqs, 1)
	assert.Equal(t, body, reqs[0].Body)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, "/"+ep.Path+"/deep/path?x=1", reqs[0].URL)

	// another browser sees nothing
	stranger := newClient(t)
	resp, _ = do(t, stranger, http.MethodGet, ts.URL+"/api/endpoints/"+ep.ID+"/requests", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, raw = do(t, stranger, http.MethodGet, ts.URL+"/api/endpoints", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(raw))
}

func TestAPI_UnknownPath(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := do(t, &http.Client{}, http.MethodPost, ts.URL+"/nosuchpath", []byte("x"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Endpoint not found"}`, string(raw))
}

func TestAPI_CaptureBodyTooLarge(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)

	resp, raw := do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "big"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	ep := decode[endpointView](t, raw)

	resp, raw = do(t, &http.Client{}, http.MethodPost, ts.URL+"/"+ep.Path, bytes.Repeat([]byte("x"), 1<<20+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, string(raw))

	resp, raw = do(t, browser, http.MethodGet, ts.URL+"/api/endpoints/"+ep.ID+"/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(raw))
}

func TestAPI_CreateValidation(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t)
	resp, _ := do(t, c, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, c, http.MethodPost, ts.URL+"/api/endpoints", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, c, http.MethodGet, ts.URL+"/api/requests?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_LoginMigratesAnonymousWork(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)
	sender := &http.Client{}

	_, raw := do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "test"})
	ep := decode[endpointView](t, raw)
	resp, _ := do(t, sender, http.MethodPost, ts.URL+"/"+ep.Path, []byte(`{"n":1}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = do(t, browser, http.MethodPost, ts.URL+"/auth/login", map[string]string{"username": "acc1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	login := decode[struct {
		Account   models.Account    `json:"account"`
		Token     string            `json:"token"`
		Migration *migration.Result `json:"migration"`
	}](t, raw)
	assert.NotEmpty(t, login.Token)
	require.NotNil(t, login.Migration)
	assert.Equal(t, 1, login.Migration.MigratedCount)

	resp, _ = do(t, sender, http.MethodPost, ts.URL+"/"+ep.Path, []byte(`{"n":2}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = do(t, browser, http.MethodGet, ts.URL+"/api/endpoints", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eps := decode[[]endpointView](t, raw)
	require.Len(t, eps, 1)
	assert.Equal(t, ep.ID, eps[0].ID)
	assert.Equal(t, ep.Path, eps[0].Path)
	assert.Equal(t, "account", eps[0].Owner.Kind)
	assert.EqualValues(t, 2, eps[0].RequestCount)

	resp, raw = do(t, browser, http.MethodGet, ts.URL+"/api/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Request](t, raw), 2)

	resp, raw = do(t, browser, http.MethodGet, ts.URL+"/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"username":"acc1"`)

	// bearer tokens work without cookies
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/endpoints", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	bearerResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	bearerBody, _ := io.ReadAll(bearerResp.Body)
	bearerResp.Body.Close()
	assert.Len(t, decode[[]endpointView](t, bearerBody), 1)

	resp, _ = do(t, browser, http.MethodPost, ts.URL+"/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, browser, http.MethodGet, ts.URL+"/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_MigrateEndpointsRequiresAccount(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)

	resp, _ := do(t, browser, http.MethodPost, ts.URL+"/auth/migrate-endpoints", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_MigrateEndpointsWithExplicitSession(t *testing.T) {
	ts := newTestServer(t)
	anon := &http.Client{}
	session := models.NewSessionToken()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/endpoints", strings.NewReader(`{"name":"header-session"}`))
	require.NoError(t, err)
	req.Header.Set(identity.SessionHeader, session)
	resp, err := anon.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	account := newClient(t)
	resp, _ = do(t, account, http.MethodPost, ts.URL+"/auth/login", map[string]string{"username": "someone"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := do(t, account, http.MethodPost, ts.URL+"/auth/migrate-endpoints", map[string]any{"session_token": session})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.JSONEq(t, `{"migrated_count":1,"total_requested":1,"failed_count":0}`, string(raw))

	resp, raw = do(t, account, http.MethodPost, ts.URL+"/auth/migrate-endpoints", map[string]any{"session_token": session})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"migrated_count":0,"total_requested":0,"failed_count":0}`, string(raw))
}

func TestAPI_DeleteOperations(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)
	sender := &http.Client{}

	_, raw := do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "ops"})
	ep := decode[endpointView](t, raw)
	var receipts []capture.Receipt
	for i := 0; i < 3; i++ {
		_, raw := do(t, sender, http.MethodPost, ts.URL+"/"+ep.Path, []byte("x"))
		receipts = append(receipts, decode[capture.Receipt](t, raw))
	}

	resp, raw := do(t, browser, http.MethodDelete, ts.URL+"/api/requests/"+receipts[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), ep.ID)

	resp, raw = do(t, browser, http.MethodDelete, ts.URL+"/api/endpoints/"+ep.ID+"/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"cleared":2`)

	resp, _ = do(t, browser, http.MethodDelete, ts.URL+"/api/endpoints/"+ep.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, browser, http.MethodDelete, ts.URL+"/api/endpoints/"+ep.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, sender, http.MethodPost, ts.URL+"/"+ep.Path, []byte("late"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Export(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)

	_, raw := do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "exp"})
	ep := decode[endpointView](t, raw)
	do(t, &http.Client{}, http.MethodPost, ts.URL+"/"+ep.Path, []byte("one"))
	do(t, &http.Client{}, http.MethodPost, ts.URL+"/"+ep.Path, []byte("two"))

	resp, err := browser.Get(ts.URL + "/api/endpoints/" + ep.ID + "/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, export.ContentType, resp.Header.Get("Content-Type"))

	reqs, err := export.ReadJSONLGZ(resp.Body)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "two", string(reqs[0].Body))
}

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := do(t, &http.Client{}, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"database":"connected"`)
	assert.Empty(t, resp.Cookies(), "health must not mint sessions")
}

func TestAPI_GetSingleRequest(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)

	_, raw := do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "one"})
	ep := decode[endpointView](t, raw)
	_, raw = do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "other"})
	other := decode[endpointView](t, raw)
	_, raw = do(t, &http.Client{}, http.MethodPut, ts.URL+"/"+ep.Path, []byte("payload"))
	receipt := decode[capture.Receipt](t, raw)

	resp, raw := do(t, browser, http.MethodGet, ts.URL+"/api/endpoints/"+ep.ID+"/requests/"+receipt.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	got := decode[models.Request](t, raw)
	assert.Equal(t, receipt.ID, got.ID)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "payload", string(got.Body))

	resp, _ = do(t, browser, http.MethodGet, ts.URL+"/api/endpoints/"+other.ID+"/requests/"+receipt.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, newClient(t), http.MethodGet, ts.URL+"/api/endpoints/"+ep.ID+"/requests/"+receipt.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SystemInfo(t *testing.T) {
	ts := newTestServer(t)
	browser := newClient(t)

	_, raw := do(t, browser, http.MethodPost, ts.URL+"/api/endpoints", map[string]string{"name": "counted"})
	ep := decode[endpointView](t, raw)
	do(t, &http.Client{}, http.MethodPost, ts.URL+"/"+ep.Path, []byte("x"))

	resp, raw := do(t, browser, http.MethodGet, ts.URL+"/api/cleanup-info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	info := decode[struct {
		LastCleanup *struct{}  `json:"last_cleanup"`
		History     []struct{} `json:"history"`
		EndpointTTL string     `json:"endpoint_ttl"`
		Interval    string     `json:"interval"`
	}](t, raw)
	assert.Nil(t, info.LastCleanup)
	assert.Empty(t, info.History)
	assert.Equal(t, "1440h0m0s", info.EndpointTTL)
	assert.Equal(t, "1h0m0s", info.Interval)

	resp, raw = do(t, browser, http.MethodGet, ts.URL+"/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	stats := decode[struct {
		Durable struct {
			Endpoints int64 `json:"endpoints"`
		} `json:"durable"`
		Anonymous struct {
			Sessions  int `json:"sessions"`
			Endpoints int `json:"endpoints"`
			Requests  int `json:"requests"`
		} `json:"anonymous"`
	}](t, raw)
	assert.Zero(t, stats.Durable.Endpoints)
	assert.Equal(t, 1, stats.Anonymous.Endpoints)
	assert.Equal(t, 1, stats.Anonymous.Requests)
}

func TestAPI_LiveChannel(t *testing.T) {
	ts := newTestServer(t)
	session := models.NewSessionToken()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/endpoints", strings.NewReader(`{"name":"live"}`))
	require.NoError(t, err)
	req.Header.Set(identity.SessionHeader, session)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	ep := decode[endpointView](t, raw)

	header := http.Header{}
	header.Set(identity.SessionHeader, session)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "endpoint_id": ep.ID}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var joined fanout.Message
	require.NoError(t, conn.ReadJSON(&joined))
	require.Equal(t, "joined", joined.Type)

	resp, _ = do(t, &http.Client{}, http.MethodPost, ts.URL+"/"+ep.Path, []byte("live!"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var event struct {
		Type       string         `json:"type"`
		EndpointID string         `json:"endpoint_id"`
		Data       models.Request `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, string(fanout.KindNewRequest), event.Type)
	assert.Equal(t, ep.ID, event.EndpointID)
	assert.Equal(t, "live!", string(event.Data.Body))
}
