// Package ledger はアカウントごとの月間クレジット残高を管理します。
//
// 残高の確認と減算は必ずストア側の条件付き更新1回で行います。
// 複数のAPIインスタンスやワーカーから同時に呼ばれても上限を超えません。
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientCredits は残高不足を表します。
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrAccountNotFound はアカウントが存在しないことを表します。
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrAccountInactive は無効化されたアカウントであることを表します。
	ErrAccountInactive = errors.New("ledger: account inactive")
	// ErrInvalidAmount は0以下の金額が指定されたことを表します。
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Account は課金単位となるアカウントです。削除はせず、無効化のみ行います。
type Account struct {
	ID               string    `json:"id" yaml:"id"`
	Tier             string    `json:"tier" yaml:"tier"`
	MonthlyAllotment int64     `json:"monthlyAllotment" yaml:"monthlyAllotment"`
	CreditsUsed      int64     `json:"creditsUsed" yaml:"creditsUsed"`
	PeriodResetAt    time.Time `json:"periodResetAt" yaml:"periodResetAt"`
	Active           bool      `json:"active" yaml:"active"`
}

// Available は今期の残りクレジットです。
func (a Account) Available() int64 {
	return max(a.MonthlyAllotment-a.CreditsUsed, 0)
}

// ChargeResult はジョブ単位の課金結果です。
type ChargeResult struct {
	Balance        int64
	AlreadyCharged bool
}

// Ledger はクレジット台帳の操作です。
type Ledger interface {
	// EnsureAccount はアカウントがなければ作成し、あればプランと月間付与量を同期します。
	EnsureAccount(ctx context.Context, acct Account) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	Available(ctx context.Context, accountID string) (int64, error)
	// TryDeduct は残高が足りる場合のみ amount を減算し、減算後の残高を返します。
	TryDeduct(ctx context.Context, accountID string, amount int64) (int64, error)
	// Charge は jobID に対して一度だけ課金します。同じ jobID での再呼び出しは AlreadyCharged を返します。
	Charge(ctx context.Context, accountID, jobID string, amount int64) (ChargeResult, error)
	// ChargedAmount は jobID に課金済みの量を返します。未課金または取り消し済みなら 0 です。
	ChargedAmount(ctx context.Context, jobID string) (int64, error)
	// VoidCharge は jobID の課金を取り消して使用量を戻し、戻した量を返します。
	// 未課金または取り消し済みなら何もせず 0 を返します。取り消した課金は再度 Charge しても課金されません。
	VoidCharge(ctx context.Context, jobID string) (int64, error)
	// Refund は使用量を戻します。使用量は 0 未満になりません。
	Refund(ctx context.Context, accountID string, amount int64) (int64, error)
	// ResetPeriod は at が現在の期間開始より新しい場合のみ使用量を 0 にします。
	ResetPeriod(ctx context.Context, accountID string, at time.Time) (bool, error)
	Deactivate(ctx context.Context, accountID string) error
}

func validAmount(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// PeriodStart は t を含む月の開始時刻（UTC）を返します。
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
