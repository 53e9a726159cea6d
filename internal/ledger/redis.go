package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	codeOK             = 0
	codeAlreadyCharged = 1
	codeNotFound       = -1
	codeInactive       = -2
	codeInsufficient   = -3
)

var (
	ensureScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], "tier", ARGV[1], "allotment", ARGV[2], "used", 0, "reset_at", ARGV[3], "active", "1")
else
	redis.call("HSET", KEYS[1], "tier", ARGV[1], "allotment", ARGV[2])
end
return 0
`)

	deductScript = redis.NewScript(`
local acct = redis.call("HMGET", KEYS[1], "allotment", "used", "active")
if not acct[1] then
	return {-1, 0}
end
if acct[3] ~= "1" then
	return {-2, 0}
end
local allotment = tonumber(acct[1])
local amount = tonumber(ARGV[1])
if tonumber(acct[2]) + amount > allotment then
	return {-3, allotment - tonumber(acct[2])}
end
local used = redis.call("HINCRBY", KEYS[1], "used", amount)
return {0, allotment - used}
`)

	chargeScript = redis.NewScript(`
local acct = redis.call("HMGET", KEYS[1], "allotment", "used")
if not acct[1] then
	return {-1, 0}
end
local allotment = tonumber(acct[1])
if redis.call("EXISTS", KEYS[2]) == 1 then
	return {1, allotment - tonumber(acct[2])}
end
local amount = tonumber(ARGV[1])
if tonumber(acct[2]) + amount > allotment then
	return {-3, allotment - tonumber(acct[2])}
end
local used = redis.call("HINCRBY", KEYS[1], "used", amount)
redis.call("HSET", KEYS[2], "account", ARGV[2], "amount", ARGV[1], "charged_at", ARGV[3])
return {0, allotment - used}
`)

	voidScript = redis.NewScript(`
local charge = redis.call("HMGET", KEYS[1], "account", "amount", "voided")
if not charge[2] or charge[3] == "1" then
	return 0
end
redis.call("HSET", KEYS[1], "voided", "1", "voided_at", ARGV[2])
local amount = tonumber(charge[2])
local accountKey = ARGV[1] .. charge[1]
local used = tonumber(redis.call("HGET", accountKey, "used") or "-1")
if used < 0 then
	return amount
end
if amount > used then
	redis.call("HSET", accountKey, "used", 0)
else
	redis.call("HINCRBY", accountKey, "used", -amount)
end
return amount
`)

	refundScript = redis.NewScript(`
local acct = redis.call("HMGET", KEYS[1], "allotment", "used")
if not acct[1] then
	return {-1, 0}
end
local amount = tonumber(ARGV[1])
local used = tonumber(acct[2])
if amount > used then
	amount = used
end
used = redis.call("HINCRBY", KEYS[1], "used", -amount)
return {0, tonumber(acct[1]) - used}
`)

	resetScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local current = tonumber(redis.call("HGET", KEYS[1], "reset_at") or "0")
if tonumber(ARGV[1]) <= current then
	return 0
end
redis.call("HSET", KEYS[1], "used", 0, "reset_at", ARGV[1])
return 1
`)

	deactivateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
redis.call("HSET", KEYS[1], "active", "0")
return 0
`)
)

// RedisLedger は Redis のハッシュと Lua スクリプトで台帳を実装します。
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption は RedisLedger の設定を変更します。
type RedisOption func(*RedisLedger)

// WithRedisClock は課金時刻などに使う時計を差し替えます。
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLedger) { l.now = now }
}

// NewRedisLedger は RedisLedger を作成します。
func NewRedisLedger(rdb redis.UniversalClient, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		rdb:    rdb,
		prefix: "ledger",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) accountKey(id string) string {
	return l.prefix + ":account:" + id
}

func (l *RedisLedger) chargeKey(jobID string) string {
	return l.prefix + ":charge:" + jobID
}

// EnsureAccount は Ledger.EnsureAccount の Redis 実装です。
func (l *RedisLedger) EnsureAccount(ctx context.Context, acct Account) (*Account, error) {
	if acct.ID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	resetAt := acct.PeriodResetAt
	if resetAt.IsZero() {
		resetAt = PeriodStart(l.now())
	}
	err := ensureScript.Run(ctx, l.rdb, []string{l.accountKey(acct.ID)},
		acct.Tier, acct.MonthlyAllotment, resetAt.UnixMilli()).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return l.GetAccount(ctx, acct.ID)
}

// GetAccount はアカウントを取得します。
func (l *RedisLedger) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	fields, err := l.rdb.HGetAll(ctx, l.accountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrAccountNotFound
	}
	return parseAccount(accountID, fields)
}

func parseAccount(id string, fields map[string]string) (*Account, error) {
	allotment, err := strconv.ParseInt(fields["allotment"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid allotment for account %s: %w", id, err)
	}
	used, err := strconv.ParseInt(fields["used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid usage for account %s: %w", id, err)
	}
	resetMs, err := strconv.ParseInt(fields["reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid reset time for account %s: %w", id, err)
	}
	return &Account{
		ID:               id,
		Tier:             fields["tier"],
		MonthlyAllotment: allotment,
		CreditsUsed:      used,
		PeriodResetAt:    time.UnixMilli(resetMs).UTC(),
		Active:           fields["active"] == "1",
	}, nil
}

// Available は残りクレジットを返します。
func (l *RedisLedger) Available(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Available(), nil
}

// TryDeduct は Ledger.TryDeduct の Redis 実装です。
func (l *RedisLedger) TryDeduct(ctx context.Context, accountID string, amount int64) (int64, error) {
	if err := validAmount(amount); err != nil {
		return 0, err
	}
	code, balance, err := runPair(ctx, deductScript, l.rdb, []string{l.accountKey(accountID)}, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}
	if err := codeError(code); err != nil {
		return 0, err
	}
	return balance, nil
}

// Charge は Ledger.Charge の Redis 実装です。
func (l *RedisLedger) Charge(ctx context.Context, accountID, jobID string, amount int64) (ChargeResult, error) {
	if err := validAmount(amount); err != nil {
		return ChargeResult{}, err
	}
	if jobID == "" {
		return ChargeResult{}, fmt.Errorf("job id is required")
	}
	keys := []string{l.accountKey(accountID), l.chargeKey(jobID)}
	code, balance, err := runPair(ctx, chargeScript, l.rdb, keys, amount, accountID, l.now().UnixMilli())
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to charge credits: %w", err)
	}
	if code == codeAlreadyCharged {
		return ChargeResult{Balance: balance, AlreadyCharged: true}, nil
	}
	if err := codeError(code); err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Balance: balance}, nil
}

// ChargedAmount は Ledger.ChargedAmount の Redis 実装です。
func (l *RedisLedger) ChargedAmount(ctx context.Context, jobID string) (int64, error) {
	values, err := l.rdb.HMGet(ctx, l.chargeKey(jobID), "amount", "voided").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to load charge: %w", err)
	}
	raw, ok := values[0].(string)
	if !ok {
		return 0, nil
	}
	if voided, _ := values[1].(string); voided == "1" {
		return 0, nil
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid charge amount for job %s: %w", jobID, err)
	}
	return amount, nil
}

// VoidCharge は Ledger.VoidCharge の Redis 実装です。
func (l *RedisLedger) VoidCharge(ctx context.Context, jobID string) (int64, error) {
	amount, err := voidScript.Run(ctx, l.rdb, []string{l.chargeKey(jobID)}, l.accountKey(""), l.now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to void charge: %w", err)
	}
	return amount, nil
}

// Refund は Ledger.Refund の Redis 実装です。
func (l *RedisLedger) Refund(ctx context.Context, accountID string, amount int64) (int64, error) {
	if err := validAmount(amount); err != nil {
		return 0, err
	}
	code, balance, err := runPair(ctx, refundScript, l.rdb, []string{l.accountKey(accountID)}, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to refund credits: %w", err)
	}
	if err := codeError(code); err != nil {
		return 0, err
	}
	return balance, nil
}

// ResetPeriod は Ledger.ResetPeriod の Redis 実装です。
func (l *RedisLedger) ResetPeriod(ctx context.Context, accountID string, at time.Time) (bool, error) {
	code, err := resetScript.Run(ctx, l.rdb, []string{l.accountKey(accountID)}, at.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to reset period: %w", err)
	}
	if code == codeNotFound {
		return false, ErrAccountNotFound
	}
	return code == 1, nil
}

// Deactivate はアカウントを無効化します。
func (l *RedisLedger) Deactivate(ctx context.Context, accountID string) error {
	code, err := deactivateScript.Run(ctx, l.rdb, []string{l.accountKey(accountID)}).Int64()
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	if code == codeNotFound {
		return ErrAccountNotFound
	}
	return nil
}

func runPair(ctx context.Context, script *redis.Script, rdb redis.Scripter, keys []string, args ...any) (int64, int64, error) {
	values, err := script.Run(ctx, rdb, keys, args...).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply length %d", len(values))
	}
	return values[0], values[1], nil
}

func codeError(code int64) error {
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return ErrAccountNotFound
	case codeInactive:
		return ErrAccountInactive
	case codeInsufficient:
		return ErrInsufficientCredits
	default:
		return fmt.Errorf("unexpected ledger code %d", code)
	}
}

var _ Ledger = (*RedisLedger)(nil)
