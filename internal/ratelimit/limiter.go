// Package ratelimit は共有キャッシュ上の固定ウィンドウ方式レート制限を提供します。
//
// カウンタは Redis に置くため、複数のAPIインスタンスから同じ上限を共有できます。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Policy はカウンタストアが利用できないときの振る舞いです。
type Policy string

const (
	// FailOpen はストア障害時に許可します。読み取り系エンドポイント向けです。
	FailOpen Policy = "open"
	// FailClosed はストア障害時に拒否します。処理系エンドポイント向けです。
	FailClosed Policy = "closed"
)

var (
	// ErrUnavailable はカウンタストアに到達できず FailClosed で拒否したことを表します。
	ErrUnavailable = errors.New("ratelimit: counter store unavailable")
	// ErrInvalidRule は Rule の指定が不正であることを表します。
	ErrInvalidRule = errors.New("ratelimit: invalid rule")
)

// INCRBY と初回の PEXPIRE を1往復で行います。
var incrScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return current
`)

// Rule はウィンドウあたりの上限と障害時ポリシーです。
type Rule struct {
	Limit  int64
	Window time.Duration
	Policy Policy
}

func (r Rule) validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidRule)
	}
	if r.Window < time.Second {
		return fmt.Errorf("%w: window must be at least 1s", ErrInvalidRule)
	}
	if r.Policy != FailOpen && r.Policy != FailClosed {
		return fmt.Errorf("%w: policy must be %q or %q", ErrInvalidRule, FailOpen, FailClosed)
	}
	return nil
}

// Decision は1回の判定結果です。
type Decision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetAt   time.Time
	// Degraded はストア障害により FailOpen で許可したことを示します。
	Degraded bool
}

// RetryAfter は now から次のウィンドウまでの秒数（切り上げ）を返します。
func (d Decision) RetryAfter(now time.Time) int64 {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 1
	}
	secs := int64(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return secs
}

// Limiter は Redis 上の固定ウィンドウカウンタです。
type Limiter struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// Option は Limiter の設定を変更します。
type Option func(*Limiter)

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger はストア障害時のログ出力先を設定します。
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithPrefix はカウンタキーの接頭辞を変更します。
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New は Limiter を作成します。
func New(rdb redis.Scripter, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		prefix: "ratelimit",
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement は identity のカウンタを cost だけ加算し、上限内かどうかを返します。
// ストアに到達できない場合は rule.Policy に従います。FailClosed のときは ErrUnavailable を返します。
func (l *Limiter) CheckAndIncrement(ctx context.Context, identity string, rule Rule, cost int64) (Decision, error) {
	if err := rule.validate(); err != nil {
		return Decision{}, err
	}
	if cost < 1 {
		return Decision{}, fmt.Errorf("%w: cost must be positive", ErrInvalidRule)
	}

	windowMs := rule.Window.Milliseconds()
	startMs := l.now().UnixMilli() / windowMs * windowMs
	decision := Decision{
		Limit:   rule.Limit,
		ResetAt: time.UnixMilli(startMs + windowMs),
	}

	key := l.key(identity, startMs/1000)
	count, err := incrScript.Run(ctx, l.rdb, []string{key}, cost, windowMs).Int64()
	if err != nil {
		if rule.Policy == FailOpen {
			l.logger.Warn().Err(err).Str("identity", identity).Msg("ratelimit: store unavailable, allowing request")
			decision.Allowed = true
			decision.Remaining = rule.Limit
			decision.Degraded = true
			return decision, nil
		}
		l.logger.Error().Err(err).Str("identity", identity).Msg("ratelimit: store unavailable, rejecting request")
		return decision, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	decision.Allowed = count <= rule.Limit
	decision.Remaining = max(rule.Limit-count, 0)
	return decision, nil
}

// Now は Limiter が使う現在時刻を返します。
func (l *Limiter) Now() time.Time {
	return l.now()
}

func (l *Limiter) key(identity string, windowStartUnix int64) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, identity, windowStartUnix)
}
