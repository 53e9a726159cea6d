// Package jobs はジョブの受付から実行、結果の確定までを管理します。
//
// 受付時の検査（プラン、レート制限、ファイルサイズ、オプション、クレジット残高、同時実行数）を
// 固定の順序で行い、通ったジョブだけを pending で保存してキューに投入します。
// ワーカーはリースを取得したジョブを変換し、成功した場合に限り一度だけクレジットを課金します。
package jobs

import (
	"encoding/json"
	"time"

	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/pdf"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusLeased     Status = "leased"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress は進捗の補足情報を表します。
type Progress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。Message は利用者向けの文言です。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InputRef はオブジェクトストアに保存した入力ファイルです。
type InputRef struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Record はジョブの保存形式です。
type Record struct {
	JobID           string           `json:"jobId"`
	AccountID       string           `json:"accountId"`
	Tier            entitlement.Tier `json:"tier"`
	Operation       pdf.Operation    `json:"operation"`
	Status          Status           `json:"status"`
	Priority        int              `json:"priority"`
	InputSize       int64            `json:"inputSize"`
	Inputs          []InputRef       `json:"inputs,omitempty"`
	Options         json.RawMessage  `json:"options,omitempty"`
	CreditCost      int64            `json:"creditCost"`
	CreditsCharged  int64            `json:"creditsCharged"`
	Progress        Progress         `json:"progress"`
	Attempts        int              `json:"attempts"`
	WorkerID        string           `json:"workerId,omitempty"`
	OutputKey       string           `json:"outputKey,omitempty"`
	OutputFilename  string           `json:"outputFilename,omitempty"`
	OutputKind      pdf.ResultKind   `json:"outputKind,omitempty"`
	OutputSize      int64            `json:"outputSize,omitempty"`
	Meta            json.RawMessage  `json:"meta,omitempty"`
	Error           *ErrorInfo       `json:"error,omitempty"`
	CancelRequested bool             `json:"cancelRequested,omitempty"`
	ResultExpired   bool             `json:"resultExpired,omitempty"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	FinishedAt      time.Time        `json:"finishedAt,omitzero"`
	ExpiresAt       time.Time        `json:"expiresAt,omitzero"`
}

// View は利用者に返すジョブの状態です。
type View struct {
	JobID           string          `json:"jobId"`
	Operation       pdf.Operation   `json:"operation"`
	Status          Status          `json:"status"`
	Progress        Progress        `json:"progress"`
	Attempts        int             `json:"attempts"`
	InputSize       int64           `json:"inputSize"`
	CreditCost      int64           `json:"creditCost"`
	CreditsCharged  int64           `json:"creditsCharged"`
	DownloadURL     string          `json:"downloadUrl,omitempty"`
	OutputKey       string          `json:"outputKey,omitempty"`
	Meta            json.RawMessage `json:"meta,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ExpiresAt       time.Time       `json:"expiresAt,omitzero"`
}

// Caller は認証済みの呼び出し元です。
type Caller struct {
	AccountID string
	Tier      entitlement.Tier
}

// Upload は受け付けたファイルです。
type Upload struct {
	Name string
	Data []byte
}

// SubmitRequest はジョブ投入の要求です。
type SubmitRequest struct {
	Caller    Caller
	Operation pdf.Operation
	Files     []Upload
	Options   json.RawMessage
}

// Result はダウンロード用の成果物です。
type Result struct {
	JobID       string
	Filename    string
	ContentType string
	Data        []byte
}
