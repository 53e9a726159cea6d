package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema は PostgresLedger が使うテーブル定義です。
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	tier              TEXT NOT NULL,
	monthly_allotment BIGINT NOT NULL CHECK (monthly_allotment >= 0),
	credits_used      BIGINT NOT NULL DEFAULT 0 CHECK (credits_used >= 0),
	period_reset_at   TIMESTAMPTZ NOT NULL,
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_charges (
	job_id     TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts (id),
	amount     BIGINT NOT NULL CHECK (amount > 0),
	charged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	voided_at  TIMESTAMPTZ
);

ALTER TABLE credit_charges ADD COLUMN IF NOT EXISTS voided_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS credit_charges_account_idx ON credit_charges (account_id, charged_at);
`

const (
	accountColumns = `id, tier, monthly_allotment, credits_used, period_reset_at, active`

	upsertAccountSQL = `
INSERT INTO accounts (id, tier, monthly_allotment, credits_used, period_reset_at, active)
VALUES ($1, $2, $3, 0, $4, TRUE)
ON CONFLICT (id) DO UPDATE
SET tier = EXCLUDED.tier, monthly_allotment = EXCLUDED.monthly_allotment, updated_at = now()
RETURNING ` + accountColumns

	selectAccountSQL = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	deductSQL = `
UPDATE accounts
SET credits_used = credits_used + $2, updated_at = now()
WHERE id = $1 AND active AND credits_used + $2 <= monthly_allotment
RETURNING monthly_allotment - credits_used`

	chargeDeductSQL = `
UPDATE accounts
SET credits_used = credits_used + $2, updated_at = now()
WHERE id = $1 AND credits_used + $2 <= monthly_allotment
RETURNING monthly_allotment - credits_used`

	insertChargeSQL = `
INSERT INTO credit_charges (job_id, account_id, amount)
VALUES ($1, $2, $3)
ON CONFLICT (job_id) DO NOTHING`

	selectChargeSQL = `SELECT amount FROM credit_charges WHERE job_id = $1 AND voided_at IS NULL`

	voidChargeSQL = `
WITH voided AS (
	UPDATE credit_charges SET voided_at = now()
	WHERE job_id = $1 AND voided_at IS NULL
	RETURNING account_id, amount
)
UPDATE accounts a
SET credits_used = GREATEST(a.credits_used - v.amount, 0), updated_at = now()
FROM voided v
WHERE a.id = v.account_id
RETURNING v.amount`

	refundSQL = `
UPDATE accounts
SET credits_used = GREATEST(credits_used - $2, 0), updated_at = now()
WHERE id = $1
RETURNING monthly_allotment - credits_used`

	resetSQL = `
UPDATE accounts
SET credits_used = 0, period_reset_at = $2, updated_at = now()
WHERE id = $1 AND period_reset_at < $2`

	deactivateSQL = `UPDATE accounts SET active = FALSE, updated_at = now() WHERE id = $1`
)

const foreignKeyViolation = "23503"

// DB は PostgresLedger が必要とする接続の操作です。*pgxpool.Pool が満たします。
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger は PostgreSQL の条件付き UPDATE で台帳を実装します。
type PostgresLedger struct {
	db  DB
	now func() time.Time
}

// NewPostgresLedger は PostgresLedger を作成します。
func NewPostgresLedger(db DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

// OpenPostgres は接続プールを作成して PostgresLedger を返します。
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresLedger, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewPostgresLedger(pool), pool, nil
}

// Migrate はテーブルを作成します。既に存在する場合は何もしません。
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return nil
}

// EnsureAccount は Ledger.EnsureAccount の PostgreSQL 実装です。
func (l *PostgresLedger) EnsureAccount(ctx context.Context, acct Account) (*Account, error) {
	if acct.ID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	resetAt := acct.PeriodResetAt
	if resetAt.IsZero() {
		resetAt = PeriodStart(l.now())
	}
	row := l.db.QueryRow(ctx, upsertAccountSQL, acct.ID, acct.Tier, acct.MonthlyAllotment, resetAt)
	out, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return out, nil
}

// GetAccount はアカウントを取得します。
func (l *PostgresLedger) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acct, err := scanAccount(l.db.QueryRow(ctx, selectAccountSQL, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var acct Account
	if err := row.Scan(&acct.ID, &acct.Tier, &acct.MonthlyAllotment, &acct.CreditsUsed, &acct.PeriodResetAt, &acct.Active); err != nil {
		return nil, err
	}
	acct.PeriodResetAt = acct.PeriodResetAt.UTC()
	return &acct, nil
}

// Available は残りクレジットを返します。
func (l *PostgresLedger) Available(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Available(), nil
}

// TryDeduct は Ledger.TryDeduct の PostgreSQL 実装です。
func (l *PostgresLedger) TryDeduct(ctx context.Context, accountID string, amount int64) (int64, error) {
	if err := validAmount(amount); err != nil {
		return 0, err
	}
	var balance int64
	err := l.db.QueryRow(ctx, deductSQL, accountID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}
	return 0, l.classifyRejection(ctx, accountID, true)
}

// Charge は Ledger.Charge の PostgreSQL 実装です。
// 課金行の挿入と残高更新を同一トランザクションで行います。
func (l *PostgresLedger) Charge(ctx context.Context, accountID, jobID string, amount int64) (ChargeResult, error) {
	if err := validAmount(amount); err != nil {
		return ChargeResult{}, err
	}
	if jobID == "" {
		return ChargeResult{}, fmt.Errorf("job id is required")
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to begin charge: %w", err)
	}

	tag, err := tx.Exec(ctx, insertChargeSQL, jobID, accountID, amount)
	if err != nil {
		_ = tx.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return ChargeResult{}, ErrAccountNotFound
		}
		return ChargeResult{}, fmt.Errorf("failed to record charge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		acct, err := l.GetAccount(ctx, accountID)
		if err != nil {
			return ChargeResult{}, err
		}
		return ChargeResult{Balance: acct.MonthlyAllotment - acct.CreditsUsed, AlreadyCharged: true}, nil
	}

	var balance int64
	if err := tx.QueryRow(ctx, chargeDeductSQL, accountID, amount).Scan(&balance); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return ChargeResult{}, l.classifyRejection(ctx, accountID, false)
		}
		return ChargeResult{}, fmt.Errorf("failed to charge credits: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ChargeResult{}, fmt.Errorf("failed to commit charge: %w", err)
	}
	return ChargeResult{Balance: balance}, nil
}

// ChargedAmount は Ledger.ChargedAmount の PostgreSQL 実装です。
func (l *PostgresLedger) ChargedAmount(ctx context.Context, jobID string) (int64, error) {
	var amount int64
	err := l.db.QueryRow(ctx, selectChargeSQL, jobID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load charge: %w", err)
	}
	return amount, nil
}

// VoidCharge は Ledger.VoidCharge の PostgreSQL 実装です。課金行の取り消しと使用量の返却を1文で行います。
func (l *PostgresLedger) VoidCharge(ctx context.Context, jobID string) (int64, error) {
	var amount int64
	err := l.db.QueryRow(ctx, voidChargeSQL, jobID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to void charge: %w", err)
	}
	return amount, nil
}

// Refund は Ledger.Refund の PostgreSQL 実装です。
func (l *PostgresLedger) Refund(ctx context.Context, accountID string, amount int64) (int64, error) {
	if err := validAmount(amount); err != nil {
		return 0, err
	}
	var balance int64
	err := l.db.QueryRow(ctx, refundSQL, accountID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to refund credits: %w", err)
	}
	return balance, nil
}

// ResetPeriod は Ledger.ResetPeriod の PostgreSQL 実装です。
func (l *PostgresLedger) ResetPeriod(ctx context.Context, accountID string, at time.Time) (bool, error) {
	tag, err := l.db.Exec(ctx, resetSQL, accountID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to reset period: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := l.GetAccount(ctx, accountID); err != nil {
		return false, err
	}
	return false, nil
}

// Deactivate はアカウントを無効化します。
func (l *PostgresLedger) Deactivate(ctx context.Context, accountID string) error {
	tag, err := l.db.Exec(ctx, deactivateSQL, accountID)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// classifyRejection は条件付き UPDATE が0行だった理由を判定します。
func (l *PostgresLedger) classifyRejection(ctx context.Context, accountID string, checkActive bool) error {
	acct, err := scanAccount(l.db.QueryRow(ctx, selectAccountSQL, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to load account: %w", err)
	}
	if checkActive && !acct.Active {
		return ErrAccountInactive
	}
	return ErrInsufficientCredits
}

var _ Ledger = (*PostgresLedger)(nil)
