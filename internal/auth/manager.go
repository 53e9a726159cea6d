// Package auth はセッションによるログインと、リクエストから課金先アカウントを解決する機能を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/ratelimit"
)

const (
	SessionCookieName    = "df_session"
	sessionKeyUser       = "auth_user"
	sessionKeyAccount    = "auth_account"
	sessionKeyTier       = "auth_tier"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextCallerKey は、ハンドラー間でログイン済みの呼び出し元を共有するためのキーです。
const ContextCallerKey = "auth.caller"

// Manager は認証処理と状態をまとめた構造体です。
// ログイン試行回数は IP ごとに Redis のカウンタで数えるため、複数インスタンスで共有されます。
type Manager struct {
	directory *Directory
	limiter   *ratelimit.Limiter
	loginRule ratelimit.Rule
	secretSet bool
	now       func() time.Time
	logger    zerolog.Logger
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithClock はセッション期限の判定に使う時刻を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager は認証マネージャーを作成します。limiter が nil の場合は試行回数を制限しません。
func NewManager(cfg *config.Config, directory *Directory, limiter *ratelimit.Limiter, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		directory: directory,
		limiter:   limiter,
		loginRule: ratelimit.Rule{
			Limit:  int64(cfg.LoginRateLimit),
			Window: cfg.LoginRateWindow,
			Policy: ratelimit.FailClosed,
		},
		secretSet: cfg.SessionSecret != "",
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
