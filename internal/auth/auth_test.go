package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

type authEnv struct {
	router *gin.Engine
	clock  *fakeClock
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	dir, err := NewDirectory([]User{{
		Username:     "alice",
		PasswordHash: hashPassword(t, "correct-horse"),
		AccountID:    "acct-alice",
		Tier:         "pro",
	}})
	require.NoError(t, err)

	cfg := &config.Config{
		SessionSecret:   "test-secret",
		LoginRateLimit:  3,
		LoginRateWindow: 15 * time.Minute,
	}
	limiter := ratelimit.New(rdb, ratelimit.WithClock(clock.Now))
	m := NewManager(cfg, dir, limiter, zerolog.Nop(), WithClock(clock.Now))

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
	api := router.Group("/api")
	m.Register(api)
	protected := api.Group("", m.RequireLogin(), m.VerifyCSRF())
	protected.GET("/whoami", func(c *gin.Context) {
		caller, ok := Caller(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"account": caller.AccountID, "tier": caller.Tier})
	})
	protected.POST("/mutate", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	return &authEnv{router: router, clock: clock}
}

func (e *authEnv) do(method, path, body string, cookies []*http.Cookie, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *authEnv) login(t *testing.T) ([]*http.Cookie, string) {
	t.Helper()
	rec := e.do(http.MethodPost, "/api/auth/login", `{"username":"alice","password":"correct-horse"}`, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	token := rec.Header().Get(csrfHeader)
	require.NotEmpty(t, token)
	return rec.Result().Cookies(), token
}

func TestLoginResolvesAccountAndTier(t *testing.T) {
	env := newAuthEnv(t)
	cookies, _ := env.login(t)

	rec := env.do(http.MethodGet, "/api/whoami", "", cookies, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"account":"acct-alice","tier":"PRO"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/auth/session", "", cookies, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"username":"alice","accountId":"acct-alice","tier":"PRO"}`, rec.Body.String())
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newAuthEnv(t)

	rec := env.do(http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wrong"}`, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"code":"INVALID_CREDENTIALS","message":"ユーザー名またはパスワードが正しくありません","remainingAttempts":2}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/auth/login", `{"username":"alice"}`, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginIsRateLimitedPerIP(t *testing.T) {
	env := newAuthEnv(t)

	for range 3 {
		rec := env.do(http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wrong"}`, nil, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(http.MethodPost, "/api/auth/login", `{"username":"alice","password":"correct-horse"}`, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	env.clock.Advance(15 * time.Minute)
	env.login(t)
}

func TestRequireLoginRejectsMissingSession(t *testing.T) {
	env := newAuthEnv(t)
	rec := env.do(http.MethodGet, "/api/whoami", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestRequireLoginIdleTimeout(t *testing.T) {
	env := newAuthEnv(t)
	cookies, _ := env.login(t)

	env.clock.Advance(31 * time.Minute)
	rec := env.do(http.MethodGet, "/api/whoami", "", cookies, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "SESSION_IDLE_TIMEOUT")
}

func TestVerifyCSRF(t *testing.T) {
	env := newAuthEnv(t)
	cookies, token := env.login(t)

	rec := env.do(http.MethodPost, "/api/mutate", "", cookies, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSRF_INVALID")

	rec = env.do(http.MethodPost, "/api/mutate", "", cookies, map[string]string{csrfHeader: token})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogoutClearsSession(t *testing.T) {
	env := newAuthEnv(t)
	cookies, token := env.login(t)

	rec := env.do(http.MethodPost, "/api/auth/logout", "", cookies, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/auth/logout", "", cookies, map[string]string{csrfHeader: token})
	require.Equal(t, http.StatusNoContent, rec.Code)

	var last *http.Cookie
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == SessionCookieName {
			last = ck
		}
	}
	require.NotNil(t, last)
	assert.Negative(t, last.MaxAge)

	rec = env.do(http.MethodGet, "/api/whoami", "", []*http.Cookie{{Name: last.Name, Value: last.Value}}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewDirectoryValidation(t *testing.T) {
	_, err := NewDirectory([]User{{Username: "bob"}})
	assert.Error(t, err)
	_, err = NewDirectory([]User{{Username: "bob", PasswordHash: "x"}, {Username: "bob", PasswordHash: "y"}})
	assert.Error(t, err)
	_, err = NewDirectory([]User{{Username: "bob", PasswordHash: "x", Tier: "GOLD"}})
	assert.Error(t, err)

	dir, err := NewDirectory([]User{{Username: "bob", PasswordHash: hashPassword(t, "pw")}})
	require.NoError(t, err)
	user, err := dir.Authenticate("bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.AccountID)
	assert.Equal(t, entitlement.TierFree, user.Tier)

	_, err = dir.Authenticate("nobody", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDirectoryFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	content := "users:\n  - username: carol\n    passwordHash: " + hashPassword(t, "pw") + "\n    accountId: acct-carol\n    tier: BUSINESS\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	dir, err := DirectoryFromConfig(&config.Config{UsersFile: path})
	require.NoError(t, err)
	user, err := dir.Authenticate("carol", "pw")
	require.NoError(t, err)
	assert.Equal(t, "acct-carol", user.AccountID)
	assert.Equal(t, entitlement.TierBusiness, user.Tier)

	single, err := DirectoryFromConfig(&config.Config{
		AppUsername:     "admin",
		AppPasswordHash: hashPassword(t, "pw"),
		AppAccountID:    "default",
		AppAccountTier:  "STARTER",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, single.Len())

	empty, err := DirectoryFromConfig(&config.Config{})
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}
