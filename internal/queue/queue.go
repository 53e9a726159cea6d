// Package queue は Redis 上の優先度付きワークキューを提供します。
//
// ジョブは優先度ごとのソート済みセットに投入順の連番で並びます。
// リースの取得、延長、失効時の再投入はすべて Lua スクリプトで1回の往復として実行するため、
// 複数のワーカープロセスが同じキューを取り合っても同じジョブを二重に取得しません。
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	MinPriority = 0
	MaxPriority = 9

	// ReasonLeaseExpired はリース失効で再投入されたことを表します。
	ReasonLeaseExpired = "lease_expired"
	// ReasonLeaseExhausted はリース失効が上限回数を超えたことを表します。
	ReasonLeaseExhausted = "lease_exhausted"

	defaultSweepBatch = 100
)

// State はキュー内でのジョブの状態です。
type State string

const (
	StatePending    State = "pending"
	StateDelayed    State = "delayed"
	StateLeased     State = "leased"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

var (
	// ErrNotFound はキューにジョブが存在しないことを表します。
	ErrNotFound = errors.New("queue: job not found")
	// ErrLeaseLost はリースを保持していない、または失効していることを表します。
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrInvalidPriority は優先度が範囲外であることを表します。
	ErrInvalidPriority = errors.New("queue: priority out of range")
)

// Lease はワーカーが取得したジョブの排他権です。
type Lease struct {
	JobID     string
	WorkerID  string
	Attempts  int
	Priority  int
	ExpiresAt time.Time
}

// JobInfo はキューが保持するジョブの状態です。
type JobInfo struct {
	JobID      string    `json:"jobId" yaml:"jobId"`
	State      State     `json:"state" yaml:"state"`
	Priority   int       `json:"priority" yaml:"priority"`
	Seq        int64     `json:"seq" yaml:"seq"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	WorkerID   string    `json:"workerId,omitempty" yaml:"workerId,omitempty"`
	LeaseUntil time.Time `json:"leaseUntil,omitempty" yaml:"leaseUntil,omitempty"`
	Reason     string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RetryResult は Retry の結果です。Requeued が false の場合ジョブは failed になっています。
type RetryResult struct {
	Requeued bool
	Attempts int
}

// SweepResult は RequeueExpired で処理したジョブです。
type SweepResult struct {
	Requeued  []string `json:"requeued" yaml:"requeued"`
	Exhausted []string `json:"exhausted" yaml:"exhausted"`
}

// Stats はキューの滞留状況です。
type Stats struct {
	Pending    int64         `json:"pending" yaml:"pending"`
	ByPriority map[int]int64 `json:"byPriority" yaml:"byPriority"`
	Delayed    int64         `json:"delayed" yaml:"delayed"`
	Leased     int64         `json:"leased" yaml:"leased"`
}

// Queue は Redis 上のワークキューです。
type Queue struct {
	rdb         redis.UniversalClient
	prefix      string
	maxAttempts int
	backoff     time.Duration
	backoffMax  time.Duration
	retention   time.Duration
	sweepBatch  int
	now         func() time.Time
}

// Option は Queue の設定を変更します。
type Option func(*Queue)

// WithPrefix はキーの接頭辞を変更します。
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

// WithMaxAttempts は再投入の上限回数を設定します。
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithBackoff は再投入時の待ち時間を設定します。待ち時間は base * 2^(試行回数-1) で max が上限です。
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		q.backoff = base
		q.backoffMax = max
	}
}

// WithRetention は終了したジョブの情報を保持する期間を設定します。
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithSweepBatch は RequeueExpired が1回のスクリプト実行で走査するリースの件数を設定します。
func WithSweepBatch(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.sweepBatch = n
		}
	}
}

// WithClock は時計を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New は Queue を作成します。
func New(rdb redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{
		rdb:         rdb,
		prefix:      "queue",
		maxAttempts: 3,
		retention:   24 * time.Hour,
		sweepBatch:  defaultSweepBatch,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxAttempts は再投入の上限回数を返します。
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

func (q *Queue) jobPrefix() string     { return q.prefix + ":job:" }
func (q *Queue) pendingPrefix() string { return q.prefix + ":pending:" }
func (q *Queue) jobKey(id string) string {
	return q.jobPrefix() + id
}
func (q *Queue) pendingKey(priority int) string {
	return q.pendingPrefix() + strconv.Itoa(priority)
}
func (q *Queue) seqKey() string     { return q.prefix + ":seq" }
func (q *Queue) delayedKey() string { return q.prefix + ":delayed" }
func (q *Queue) leasesKey() string  { return q.prefix + ":leases" }

// Enqueue はジョブを投入します。既に投入済みの jobID は何もせず成功します。
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("job id is required")
	}
	if priority < MinPriority || priority > MaxPriority {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	keys := []string{q.jobKey(jobID), q.seqKey(), q.pendingKey(priority)}
	if err := enqueueScript.Run(ctx, q.rdb, keys, jobID, priority, q.now().UnixMilli()).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return jobID, nil
}

// Lease は最も優先度が高く最も古いジョブを取得します。取得できるジョブがなければ nil を返します。
// 待機期間を過ぎた再投入ジョブはここで pending に戻されます。
func (q *Queue) Lease(ctx context.Context, workerID string, d time.Duration) (*Lease, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if d <= 0 {
		return nil, fmt.Errorf("lease duration must be positive")
	}

	keys := make([]string, 0, 2+MaxPriority-MinPriority+1)
	keys = append(keys, q.delayedKey(), q.leasesKey())
	for p := MaxPriority; p >= MinPriority; p-- {
		keys = append(keys, q.pendingKey(p))
	}

	now := q.now()
	until := now.Add(d)
	res, err := leaseScript.Run(ctx, q.rdb, keys,
		now.UnixMilli(), until.UnixMilli(), workerID, q.jobPrefix(), q.pendingPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected lease reply length %d", len(res))
	}

	attempts, _ := strconv.Atoi(res[1])
	priority, _ := strconv.Atoi(res[2])
	return &Lease{
		JobID:     res[0],
		WorkerID:  workerID,
		Attempts:  attempts,
		Priority:  priority,
		ExpiresAt: time.UnixMilli(until.UnixMilli()),
	}, nil
}

// ExtendLease は保持中のリースを now+d まで延長します。
// 別のワーカーに移っている場合や既に失効している場合は ErrLeaseLost を返します。
func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string, d time.Duration) (time.Time, error) {
	now := q.now()
	until := now.Add(d)
	code, err := extendScript.Run(ctx, q.rdb, []string{q.jobKey(jobID), q.leasesKey()},
		jobID, workerID, now.UnixMilli(), until.UnixMilli()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to extend lease for %s: %w", jobID, err)
	}
	if err := leaseCodeError(code); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(until.UnixMilli()), nil
}

// MarkProcessing はリース保持者としてジョブを processing にします。
func (q *Queue) MarkProcessing(ctx context.Context, jobID, workerID string) error {
	code, err := processingScript.Run(ctx, q.rdb, []string{q.jobKey(jobID)},
		workerID, q.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("failed to mark %s processing: %w", jobID, err)
	}
	return leaseCodeError(code)
}

// Complete はジョブを完了としてキューから取り除きます。
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, StateDone, "")
}

// Fail はジョブを失敗としてキューから取り除きます。
func (q *Queue) Fail(ctx context.Context, jobID, reason string) error {
	return q.finish(ctx, jobID, StateFailed, reason)
}

func (q *Queue) finish(ctx context.Context, jobID string, state State, reason string) error {
	keys := []string{q.jobKey(jobID), q.leasesKey(), q.delayedKey()}
	code, err := finishScript.Run(ctx, q.rdb, keys,
		jobID, q.pendingPrefix(), string(state), reason, q.retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}
	if code < 0 {
		return ErrNotFound
	}
	return nil
}

// Retry はリース保持者がジョブを返却し、バックオフ後に再取得できるようにします。
// 試行回数が上限を超えた場合はジョブを failed にし、Requeued=false を返します。
func (q *Queue) Retry(ctx context.Context, jobID, workerID, reason string) (RetryResult, error) {
	keys := []string{q.jobKey(jobID), q.leasesKey(), q.delayedKey()}
	res, err := retryScript.Run(ctx, q.rdb, keys,
		jobID, workerID, q.now().UnixMilli(), q.maxAttempts,
		q.backoff.Milliseconds(), q.backoffMax.Milliseconds(),
		q.pendingPrefix(), reason, q.retention.Milliseconds()).Int64Slice()
	if err != nil {
		return RetryResult{}, fmt.Errorf("failed to retry job %s: %w", jobID, err)
	}
	if len(res) != 2 {
		return RetryResult{}, fmt.Errorf("unexpected retry reply length %d", len(res))
	}
	switch res[0] {
	case -1:
		return RetryResult{}, ErrNotFound
	case 0:
		return RetryResult{}, ErrLeaseLost
	case 1:
		return RetryResult{Requeued: true, Attempts: int(res[1])}, nil
	default:
		return RetryResult{Requeued: false, Attempts: int(res[1])}, nil
	}
}

// Cancel は pending または待機中のジョブを取り消します。
// 既にリースされているジョブは取り消さず false を返します。
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	code, err := cancelScript.Run(ctx, q.rdb, []string{q.jobKey(jobID), q.delayedKey()},
		jobID, q.pendingPrefix(), q.retention.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	if code < 0 {
		return false, ErrNotFound
	}
	return code == 1, nil
}

// RequeueExpired は失効したリースを回収します。試行回数が上限以内のジョブは再投入し、
// 超えたジョブは lease_exhausted で failed にします。
func (q *Queue) RequeueExpired(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	for {
		res, err := sweepScript.Run(ctx, q.rdb, []string{q.leasesKey(), q.delayedKey()},
			q.now().UnixMilli(), q.maxAttempts,
			q.backoff.Milliseconds(), q.backoffMax.Milliseconds(),
			q.jobPrefix(), q.pendingPrefix(), q.sweepBatch, q.retention.Milliseconds()).StringSlice()
		if err != nil {
			return result, fmt.Errorf("failed to sweep expired leases: %w", err)
		}
		if len(res) == 0 {
			return result, errors.New("sweep script returned no scan count")
		}
		scanned, err := strconv.Atoi(res[0])
		if err != nil {
			return result, fmt.Errorf("invalid sweep scan count %q: %w", res[0], err)
		}
		for _, entry := range res[1:] {
			switch {
			case strings.HasPrefix(entry, "r:"):
				result.Requeued = append(result.Requeued, entry[2:])
			case strings.HasPrefix(entry, "x:"):
				result.Exhausted = append(result.Exhausted, entry[2:])
			}
		}
		if scanned < q.sweepBatch {
			return result, nil
		}
	}
}

// Info はキュー上のジョブ状態を返します。
func (q *Queue) Info(ctx context.Context, jobID string) (*JobInfo, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	info := &JobInfo{
		JobID:    jobID,
		State:    State(fields["state"]),
		WorkerID: fields["worker"],
		Reason:   fields["reason"],
	}
	info.Priority, _ = strconv.Atoi(fields["priority"])
	info.Attempts, _ = strconv.Atoi(fields["attempts"])
	info.Seq, _ = strconv.ParseInt(fields["seq"], 10, 64)
	if ms, err := strconv.ParseInt(fields["lease_until"], 10, 64); err == nil {
		info.LeaseUntil = time.UnixMilli(ms)
	}
	return info, nil
}

// Stats は優先度ごとの待ち件数、待機中件数、リース中件数を返します。
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := make(map[int]*redis.IntCmd, MaxPriority-MinPriority+1)
	for p := MinPriority; p <= MaxPriority; p++ {
		pending[p] = pipe.ZCard(ctx, q.pendingKey(p))
	}
	delayed := pipe.ZCard(ctx, q.delayedKey())
	leased := pipe.ZCard(ctx, q.leasesKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to load queue stats: %w", err)
	}

	stats := Stats{
		ByPriority: make(map[int]int64, len(pending)),
		Delayed:    delayed.Val(),
		Leased:     leased.Val(),
	}
	for p, cmd := range pending {
		if n := cmd.Val(); n > 0 {
			stats.ByPriority[p] = n
			stats.Pending += n
		}
	}
	return stats, nil
}

func leaseCodeError(code int64) error {
	switch code {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return ErrLeaseLost
	}
}
