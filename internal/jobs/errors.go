package jobs

import (
	"errors"
	"fmt"
	"time"
)

// AdmissionKind は受付で拒否した理由の分類です。
type AdmissionKind string

const (
	KindRateLimited         AdmissionKind = "RateLimited"
	KindInsufficientCredits AdmissionKind = "InsufficientCredits"
	KindEntitlementDenied   AdmissionKind = "EntitlementDenied"
	KindFileTooLarge        AdmissionKind = "FileTooLarge"
	KindInvalidOptions      AdmissionKind = "InvalidOptions"
)

// 受付時のエラーコード
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeTooManyActiveJobs   = "TOO_MANY_ACTIVE_JOBS"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeOperationNotAllowed = "OPERATION_NOT_ALLOWED"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeInvalidFileType     = "INVALID_FILE_TYPE"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
)

// ジョブ失敗時のエラーコード
const (
	CodeTransformFailed = "TRANSFORM_FAILED"
	CodePoolSaturated   = "POOL_SATURATED"
	CodeLeaseExhausted  = "LEASE_EXHAUSTED"
	CodeCanceled        = "CANCELED"
	CodeInternal        = "INTERNAL_ERROR"
)

var (
	// ErrNotFound はジョブが存在しないか、呼び出し元のジョブではないことを表します。
	ErrNotFound = errors.New("jobs: job not found")
	// ErrResultNotReady はジョブがまだ完了していないことを表します。
	ErrResultNotReady = errors.New("jobs: result not ready")
	// ErrResultExpired は成果物の保持期間が過ぎたことを表します。
	ErrResultExpired = errors.New("jobs: result expired")
	// ErrAlreadyFinished は終了済みのジョブを変更しようとしたことを表します。
	ErrAlreadyFinished = errors.New("jobs: job already finished")
	// ErrTooManyActive は同時実行数の上限に達していることを表します。
	ErrTooManyActive = errors.New("jobs: too many active jobs")
	// ErrDuplicate は同じIDのジョブが既に存在することを表します。
	ErrDuplicate = errors.New("jobs: duplicate job id")
)

// AdmissionError は受付時に拒否したことを表します。呼び出し元へ同期的に返し、自動で再試行はしません。
type AdmissionError struct {
	Kind       AdmissionKind
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s/%s): %s", e.Kind, e.Code, e.Message)
}

func reject(kind AdmissionKind, code, message string) *AdmissionError {
	return &AdmissionError{Kind: kind, Code: code, Message: message}
}

// UnavailableError は受付中に依存先（Redis、台帳、ストレージ）が利用できなかったことを表します。
// 呼び出し元は再試行できます。
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) *UnavailableError {
	return &UnavailableError{Op: op, Err: err}
}
