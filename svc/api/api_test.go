package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"snipserve/cfg"
	"snipserve/pkg/domain"
	"snipserve/svc/auth"
	"snipserve/svc/db"
	"snipserve/svc/svc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	srv      *Server
	accounts *svc.Accounts
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	c := &cfg.Cfg{
		Port:           "0",
		Environment:    "development",
		ContextTimeout: 5 * time.Second,
		MaxPasteSize:   4096,
		MaxTitleLength: 100,
		AllowedOrigins: []string{"http://ok.example"},
	}
	store, err := db.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "api.db"), db.Opts{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h, err := auth.NewHasher(auth.HasherOpts{
		Time:        1,
		Memory:      1024,
		Parallelism: 1,
		Pepper:      []byte("0123456789abcdef0123456789abcdef"),
		VerifyFloor: -1,
	})
	require.NoError(t, err)
	require.NoError(t, h.Start(2))
	t.Cleanup(h.Stop)

	sessions, err := auth.NewMemorySessions(100, time.Hour)
	require.NoError(t, err)

	clock := &testClock{t: time.Now().UTC()}
	views := svc.NewViews(store)
	views.SetClock(clock.Now)
	accounts := svc.NewAccounts(store, h, "test")
	srv := NewServer(Deps{
		Cfg:       c,
		Store:     store,
		Auth:      auth.NewAuthenticator(store, sessions, WriteErr, auth.Opts{SessionTTL: time.Hour}),
		Accounts:  accounts,
		Pastes:    svc.NewPastes(store, svc.PasteLimits{MaxContentBytes: c.MaxPasteSize, MaxTitleLength: c.MaxTitleLength}),
		Views:     views,
		Analytics: svc.NewAnalytics(store, 2),
	})
	return &harness{srv: srv, accounts: accounts, clock: clock}
}

// client carries a session cookie and/or API key between requests.
type client struct {
	h      *harness
	cookie *http.Cookie
	key    string
	ip     string
}

func (h *harness) anon() *client { return &client{h: h, ip: "203.0.113.7"} }

func (c *client) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	if c.key != "" {
		req.Header.Set(auth.APIKeyHeader, c.key)
	}
	if c.ip != "" {
		req.Header.Set("X-Forwarded-For", c.ip+", 10.0.0.1")
	}
	rec := httptest.NewRecorder()
	c.h.srv.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == auth.SessionCookie {
			if ck.MaxAge < 0 {
				c.cookie = nil
			} else {
				c.cookie = ck
			}
		}
	}
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// register signs up name and returns a client holding its session.
func (h *harness) register(t *testing.T, name string) (*client, string) {
	t.Helper()
	c := h.anon()
	rec := c.do(t, http.MethodPost, "/api/users", map[string]string{
		"username": name, "password": "password1", "invite_code": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[messageResp](t, rec)
	require.NotNil(t, c.cookie)
	return c, resp.APIKey
}

func (c *client) createPaste(t *testing.T, hidden bool) string {
	t.Helper()
	rec := c.do(t, http.MethodPost, "/api/pastes", map[string]any{"title": "t", "content": "body", "hidden": hidden})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Paste](t, rec).PublicID
}

func TestRegisterLoginLogout(t *testing.T) {
	h := newHarness(t)
	_, key := h.register(t, "alice")
	assert.Len(t, key, domain.APIKeyLength)

	c := h.anon()
	rec := c.do(t, http.MethodPost, "/api/users", map[string]string{"username": "alice", "password": "x", "invite_code": "bad"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = c.do(t, http.MethodPost, "/api/users", map[string]string{"username": "bob", "password": "x", "invite_code": "bad"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = c.do(t, http.MethodPost, "/api/users", map[string]string{"username": "bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(t, http.MethodPost, "/api/sessions", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = c.do(t, http.MethodPost, "/api/sessions", map[string]string{"username": "ghost", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decode[domain.ErrResp](t, rec)
	assert.Equal(t, "INVALID_CREDENTIALS", e.Code)
	assert.NotEmpty(t, e.RequestID)

	rec = c.do(t, http.MethodPost, "/api/sessions", map[string]string{"username": "alice", "password": "password1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, key, decode[messageResp](t, rec).APIKey)

	rec = c.do(t, http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.Equal(t, "alice", decode[domain.Identity](t, rec).Username)

	rec = c.do(t, http.MethodDelete, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = c.do(t, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewDedupScenario(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.register(t, "alice")
	id := alice.createPaste(t, false)

	anon := h.anon()
	for i := 0; i < 2; i++ {
		rec := anon.do(t, http.MethodPost, "/api/pastes/"+id+"/views", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, int64(1), decode[viewCountResp](t, rec).ViewCount)
	}

	h.clock.Advance(24*time.Hour + time.Second)
	rec := anon.do(t, http.MethodPost, "/api/pastes/"+id+"/views", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[viewCountResp](t, rec).ViewCount)

	// owner views are free
	rec = alice.do(t, http.MethodPost, "/api/pastes/"+id+"/views", nil)
	assert.Equal(t, int64(2), decode[viewCountResp](t, rec).ViewCount)

	for i := 0; i < 3; i++ {
		rec = anon.do(t, http.MethodGet, "/api/pastes/"+id+"/views", nil)
		assert.Equal(t, int64(2), decode[viewCountResp](t, rec).ViewCount)
	}

	rec = anon.do(t, http.MethodPost, "/api/pastes/nothere1/views", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHiddenPasteScenario(t *testing.T) {
	h := newHarness(t)
	alice, key := h.register(t, "alice")
	stranger, _ := h.register(t, "mallory")
	id := alice.createPaste(t, true)

	rec := h.anon().do(t, http.MethodGet, "/api/pastes/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = stranger.do(t, http.MethodGet, "/api/pastes/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	byKey := &client{h: h, key: key}
	rec = byKey.do(t, http.MethodGet, "/api/pastes/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[domain.Paste](t, rec)
	assert.Equal(t, "body", p.Content)
	assert.Equal(t, "alice", p.Username)

	rec = stranger.do(t, http.MethodDelete, "/api/pastes/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = stranger.do(t, http.MethodPut, "/api/pastes/nothere1", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeyRotationScenario(t *testing.T) {
	h := newHarness(t)
	alice, oldKey := h.register(t, "alice")

	// rotation needs a session, a key is not enough
	rec := (&client{h: h, key: oldKey}).do(t, http.MethodPost, "/api/me/api-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = alice.do(t, http.MethodPost, "/api/me/api-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	newKey := decode[apiKeyResp](t, rec).APIKey
	assert.NotEqual(t, oldKey, newKey)

	rec = (&client{h: h, key: oldKey}).do(t, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = (&client{h: h, key: newKey}).do(t, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = alice.do(t, http.MethodGet, "/api/me/api-key", nil)
	assert.Equal(t, newKey, decode[apiKeyResp](t, rec).APIKey)
}

func TestAPIKeyIdentityEndpoint(t *testing.T) {
	h := newHarness(t)
	alice, key := h.register(t, "alice")

	rec := alice.do(t, http.MethodGet, "/api/api-key/identity", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "API_KEY_REQUIRED", decode[domain.ErrResp](t, rec).Code)

	rec = h.anon().do(t, http.MethodGet, "/api/api-key/identity?api_key="+key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[domain.Identity](t, rec).Username)
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t)
	_, err := h.accounts.EnsureAdmin(context.Background(), "admin", "adminpw")
	require.NoError(t, err)
	alice, _ := h.register(t, "alice")
	id := alice.createPaste(t, true)

	rec := alice.do(t, http.MethodGet, "/api/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.anon().do(t, http.MethodGet, "/api/admin/users", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := h.anon()
	rec = admin.do(t, http.MethodPost, "/api/sessions", map[string]string{"username": "admin", "password": "adminpw"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = admin.do(t, http.MethodGet, "/api/pastes/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = admin.do(t, http.MethodGet, "/api/admin/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Identity](t, rec), 2)
	assert.NotContains(t, rec.Body.String(), "argon2")

	rec = admin.do(t, http.MethodPost, "/api/admin/users", map[string]any{"username": "bob", "password": "123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = admin.do(t, http.MethodPost, "/api/admin/users", map[string]any{"username": "bob", "password": "123456"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = admin.do(t, http.MethodPut, "/api/admin/users/bob", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = admin.do(t, http.MethodPut, "/api/admin/users/bob", map[string]any{"username": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = admin.do(t, http.MethodPut, "/api/admin/users/bob", map[string]any{"is_admin": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[domain.Identity](t, rec).IsAdmin)

	rec = admin.do(t, http.MethodGet, "/api/admin/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = admin.do(t, http.MethodDelete, "/api/admin/users/bob", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.anon().do(t, http.MethodPost, "/api/pastes/"+id+"/views", nil)
	rec = admin.do(t, http.MethodGet, "/api/admin/analytics/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.Summary](t, rec).TotalViews)

	rec = admin.do(t, http.MethodGet, "/api/admin/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]domain.PasteSummary](t, rec)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].PasteID)
	assert.Contains(t, rec.Body.String(), `"recent_views":1`)

	rec = admin.do(t, http.MethodGet, "/api/admin/pastes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Paste](t, rec), 1)
}

func TestBodyValidation(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.register(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/pastes", strings.NewReader(`{"title":"t","content":"c"}`))
	req.AddCookie(alice.cookie)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing content type")

	rec = alice.do(t, http.MethodPost, "/api/pastes", map[string]string{"title": "t"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CONTENT_REQUIRED", decode[domain.ErrResp](t, rec).Code)

	rec = alice.do(t, http.MethodPost, "/api/pastes", map[string]string{"title": "t", "content": strings.Repeat("x", 5000)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PASTE_TOO_LARGE", decode[domain.ErrResp](t, rec).Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(r))
	r.Header.Set("X-Forwarded-For", " 198.51.100.4 , 10.0.0.1")
	assert.Equal(t, "198.51.100.4", ClientIP(r))
	r.RemoteAddr = "[::1]:80"
	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "::1", ClientIP(r))
}

func TestHealthAndCORS(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ReadyResponse](t, rec).Ready)

	req := httptest.NewRequest(http.MethodOptions, "/api/pastes", nil)
	req.Header.Set("Origin", "http://ok.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://ok.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/pastes", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
