package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/ledger"
	"github.com/yourusername/docforge/internal/metrics"
	"github.com/yourusername/docforge/internal/pdf"
	"github.com/yourusername/docforge/internal/queue"
	"github.com/yourusername/docforge/internal/ratelimit"
	"github.com/yourusername/docforge/internal/storage"
	"github.com/yourusername/docforge/internal/worker"
)

const (
	megabyte         = 1 << 20
	defaultListLimit = 20
	maxListLimit     = 100
)

// WorkQueue はジョブを投入・取得するキューです。*queue.Queue が満たします。
type WorkQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int) (string, error)
	Lease(ctx context.Context, workerID string, d time.Duration) (*queue.Lease, error)
	ExtendLease(ctx context.Context, jobID, workerID string, d time.Duration) (time.Time, error)
	MarkProcessing(ctx context.Context, jobID, workerID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, reason string) error
	Retry(ctx context.Context, jobID, workerID, reason string) (queue.RetryResult, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	RequeueExpired(ctx context.Context) (queue.SweepResult, error)
}

// Executor は変換を実行するワーカープールです。*worker.Pool が満たします。
type Executor interface {
	Submit(task worker.Task) (*worker.Future, error)
}

// ExpiryScheduler は成果物と入力ファイルの削除を予約します。
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, jobID string, at time.Time) error
}

// Deps は Manager が利用するコンポーネントです。Limiter、Executor、Expiry、Metrics は省略できます。
// Executor を省略した Manager は受付と参照のみ行えます。
type Deps struct {
	Store    *Store
	Queue    WorkQueue
	Ledger   ledger.Ledger
	Resolver *entitlement.Resolver
	Limiter  *ratelimit.Limiter
	Objects  storage.ObjectStore
	Executor Executor
	Expiry   ExpiryScheduler
	Metrics  *metrics.Collector
}

// Manager はジョブの受付と実行を管理します。
type Manager struct {
	store    *Store
	queue    WorkQueue
	ledger   ledger.Ledger
	resolver *entitlement.Resolver
	limiter  *ratelimit.Limiter
	objects  storage.ObjectStore
	executor Executor
	expiry   ExpiryScheduler
	metrics  *metrics.Collector
	logger   zerolog.Logger
	now      func() time.Time

	submitRule           ratelimit.Rule
	maxUploadSize        int64
	leaseDuration        time.Duration
	transformTimeout     time.Duration
	pollInterval         time.Duration
	resultTTL            time.Duration
	resultBaseURL        string
	deleteInputOnFailure bool
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithClock は時計を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, deps Deps, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Queue == nil {
		return nil, errors.New("queue is nil")
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger is nil")
	}
	if deps.Resolver == nil {
		return nil, errors.New("resolver is nil")
	}
	if deps.Objects == nil {
		return nil, errors.New("object store is nil")
	}

	m := &Manager{
		store:    deps.Store,
		queue:    deps.Queue,
		ledger:   deps.Ledger,
		resolver: deps.Resolver,
		limiter:  deps.Limiter,
		objects:  deps.Objects,
		executor: deps.Executor,
		expiry:   deps.Expiry,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
		submitRule: ratelimit.Rule{
			Limit:  int64(cfg.SubmitRateLimit),
			Window: cfg.SubmitRateWindow,
			Policy: ratelimit.FailClosed,
		},
		maxUploadSize:        cfg.MaxFileSize,
		leaseDuration:        cfg.LeaseDuration,
		transformTimeout:     cfg.TransformTimeout,
		pollInterval:         cfg.PollInterval,
		resultTTL:            time.Duration(cfg.JobExpireMinutes) * time.Minute,
		resultBaseURL:        cfg.JobResultBaseURL,
		deleteInputOnFailure: cfg.DeleteInputOnFailure,
	}
	if m.leaseDuration <= 0 {
		m.leaseDuration = time.Minute
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 500 * time.Millisecond
	}
	if m.resultTTL <= 0 {
		m.resultTTL = time.Hour
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Submit は受付時の検査を行い、通った場合はジョブを pending で保存してキューに投入します。
// 検査は プラン → レート制限 → ファイルサイズと形式 → オプション → クレジット残高 → 同時実行数
// の順に行い、最初に失敗したものを *AdmissionError として返します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*View, error) {
	view, err := m.submit(ctx, req)
	if err != nil {
		var admErr *AdmissionError
		if errors.As(err, &admErr) {
			m.metrics.JobRejected(admErr.Code)
			m.logger.Info().
				Str("account_id", req.Caller.AccountID).
				Str("operation", string(req.Operation)).
				Str("code", admErr.Code).
				Msg("jobs: submission rejected")
		}
		return nil, err
	}
	return view, nil
}

func (m *Manager) submit(ctx context.Context, req SubmitRequest) (*View, error) {
	if req.Caller.AccountID == "" {
		return nil, errors.New("account id is required")
	}
	ent := m.resolver.Resolve(req.Caller.Tier)

	opts, err := m.admit(ctx, req, ent)
	if err != nil {
		return nil, err
	}
	rawOpts, err := pdf.EncodeOptions(opts)
	if err != nil {
		return nil, err
	}

	record := &Record{
		JobID:      uuid.NewString(),
		AccountID:  req.Caller.AccountID,
		Tier:       ent.Tier,
		Operation:  req.Operation,
		Status:     StatusPending,
		Priority:   ent.QueuePriority,
		InputSize:  totalSize(req.Files),
		Options:    rawOpts,
		CreditCost: entitlement.CreditCost(req.Operation),
		Progress:   Progress{Percent: 0, Stage: "queued"},
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.Create(ctx, record, ent.MaxConcurrentJobs); err != nil {
		if errors.Is(err, ErrTooManyActive) {
			return nil, reject(KindRateLimited, CodeTooManyActiveJobs,
				fmt.Sprintf("同時に実行できるジョブは%d件までです。完了を待ってから再度お試しください。", ent.MaxConcurrentJobs))
		}
		return nil, unavailable("job store", err)
	}

	log := m.logger.With().Str("job_id", record.JobID).Str("account_id", record.AccountID).Logger()

	inputs, err := m.storeInputs(ctx, record.JobID, req.Files)
	if err != nil {
		m.abandon(ctx, record, inputs, err)
		return nil, unavailable("object storage", err)
	}
	updated, err := m.store.Update(ctx, record.JobID, func(r *Record) error {
		r.Inputs = inputs
		return nil
	})
	if err != nil {
		m.abandon(ctx, record, inputs, err)
		return nil, unavailable("job store", err)
	}
	record = updated
	if _, err := m.queue.Enqueue(ctx, record.JobID, record.Priority); err != nil {
		m.abandon(ctx, record, inputs, err)
		return nil, unavailable("queue", err)
	}

	m.metrics.JobAdmitted(record.Operation)
	log.Info().
		Str("operation", string(record.Operation)).
		Int64("input_size", record.InputSize).
		Int("priority", record.Priority).
		Msg("jobs: job admitted")
	return m.view(record), nil
}

func (m *Manager) admit(ctx context.Context, req SubmitRequest, ent entitlement.Entitlement) (pdf.Options, error) {
	if _, ok := pdf.ParseOperation(string(req.Operation)); !ok {
		return nil, reject(KindInvalidOptions, pdf.CodeInvalidOptions, fmt.Sprintf("未対応の処理です: %s", req.Operation))
	}
	if !ent.Allows(req.Operation) {
		return nil, reject(KindEntitlementDenied, CodeOperationNotAllowed,
			fmt.Sprintf("現在のプラン（%s）では %s を利用できません。", ent.Tier, req.Operation))
	}

	if m.limiter != nil && m.submitRule.Limit > 0 {
		decision, err := m.limiter.CheckAndIncrement(ctx, "submit:"+req.Caller.AccountID, m.submitRule, 1)
		if err != nil {
			return nil, unavailable("rate limiter", err)
		}
		if !decision.Allowed {
			admErr := reject(KindRateLimited, CodeRateLimited, "リクエストが多すぎます。しばらく待ってから再度お試しください。")
			admErr.RetryAfter = time.Duration(decision.RetryAfter(m.limiter.Now())) * time.Second
			return nil, admErr
		}
	}

	if len(req.Files) == 0 {
		return nil, reject(KindInvalidOptions, pdf.CodeInvalidInput, "PDFファイルを選択してください。")
	}
	limit := ent.MaxFileSizeBytes
	if m.maxUploadSize > 0 && m.maxUploadSize < limit {
		limit = m.maxUploadSize
	}
	if totalSize(req.Files) > limit {
		return nil, reject(KindFileTooLarge, CodeFileTooLarge,
			fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", limit/megabyte))
	}
	for _, f := range req.Files {
		if len(f.Data) == 0 {
			return nil, reject(KindInvalidOptions, pdf.CodeInvalidInput, fmt.Sprintf("%s は空のファイルです。", f.Name))
		}
		if !mimetype.Detect(f.Data).Is("application/pdf") {
			return nil, reject(KindInvalidOptions, CodeInvalidFileType, fmt.Sprintf("%s はPDFファイルではありません。", f.Name))
		}
	}

	opts, err := pdf.ParseOptions(req.Operation, req.Options, len(req.Files))
	if err != nil {
		var pdfErr *pdf.Error
		if errors.As(err, &pdfErr) {
			return nil, reject(KindInvalidOptions, pdfErr.Code, pdfErr.Message)
		}
		return nil, err
	}

	acct, err := m.ledger.EnsureAccount(ctx, ledger.Account{
		ID:               req.Caller.AccountID,
		Tier:             string(ent.Tier),
		MonthlyAllotment: ent.MaxCreditsPerMonth,
	})
	if err != nil {
		return nil, unavailable("credit ledger", err)
	}
	if !acct.Active {
		return nil, reject(KindEntitlementDenied, CodeAccountInactive, "このアカウントは無効化されています。")
	}
	if cost := entitlement.CreditCost(req.Operation); acct.Available() < cost {
		return nil, reject(KindInsufficientCredits, CodeInsufficientCredits,
			fmt.Sprintf("クレジットが不足しています（必要: %d、残り: %d）。", cost, acct.Available()))
	}
	return opts, nil
}

func (m *Manager) storeInputs(ctx context.Context, jobID string, files []Upload) ([]InputRef, error) {
	refs := make([]InputRef, 0, len(files))
	for i, f := range files {
		key := fmt.Sprintf("jobs/%s/input/%02d.pdf", jobID, i+1)
		if _, err := m.objects.Put(ctx, key, f.Data); err != nil {
			return refs, fmt.Errorf("failed to store input %d: %w", i+1, err)
		}
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("input-%02d.pdf", i+1)
		}
		refs = append(refs, InputRef{Key: key, Name: name, Size: int64(len(f.Data))})
	}
	return refs, nil
}

// abandon は受付途中で失敗したジョブを failed にし、保存済みの入力を削除します。
func (m *Manager) abandon(ctx context.Context, record *Record, inputs []InputRef, cause error) {
	ctx = context.WithoutCancel(ctx)
	m.logger.Error().Err(cause).Str("job_id", record.JobID).Msg("jobs: failed to finish admission")
	for _, ref := range inputs {
		if err := m.objects.Delete(ctx, ref.Key); err != nil {
			m.logger.Warn().Err(err).Str("key", ref.Key).Msg("jobs: failed to delete input")
		}
	}
	_, err := m.store.Update(ctx, record.JobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.Status = StatusFailed
		r.Error = &ErrorInfo{Code: CodeInternal, Message: "ジョブの登録に失敗しました。時間をおいて再度お試しください。"}
		r.FinishedAt = m.now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyFinished) {
		m.logger.Error().Err(err).Str("job_id", record.JobID).Msg("jobs: failed to mark abandoned job")
	}
}

// GetJob はジョブの状態を返します。accountID が空の場合は所有者を確認しません。
func (m *Manager) GetJob(ctx context.Context, accountID, jobID string) (*View, error) {
	record, err := m.owned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	return m.view(record), nil
}

// Record は保存されているジョブをそのまま返します。
func (m *Manager) Record(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// ListJobs はアカウントのジョブを新しい順に返します。
func (m *Manager) ListJobs(ctx context.Context, accountID string, limit int) ([]*View, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	records, err := m.store.List(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(records))
	for _, r := range records {
		views = append(views, m.view(r))
	}
	return views, nil
}

// Cancel はジョブを取り消します。リース前のジョブはキューから取り除いて failed にします。
// リース後は取り消し要求を記録するだけで、変換が始まっていれば最後まで実行されます。
func (m *Manager) Cancel(ctx context.Context, accountID, jobID string) (*View, error) {
	record, err := m.owned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, ErrAlreadyFinished
	}

	removed, err := m.queue.Cancel(ctx, jobID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return nil, err
	}
	if removed {
		record, err = m.markFailed(ctx, record, CodeCanceled, "ジョブを取り消しました。")
		if err != nil {
			return nil, err
		}
		m.logger.Info().Str("job_id", jobID).Msg("jobs: job canceled before lease")
		return m.view(record), nil
	}

	record, err = m.store.Update(ctx, jobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.CancelRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("job_id", jobID).Msg("jobs: cancel requested for leased job")
	return m.view(record), nil
}

// OpenResult は完了したジョブの成果物を返します。
func (m *Manager) OpenResult(ctx context.Context, accountID, jobID string) (*Result, error) {
	record, err := m.owned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusCompleted {
		return nil, ErrResultNotReady
	}
	if record.ResultExpired || (!record.ExpiresAt.IsZero() && m.now().After(record.ExpiresAt)) {
		return nil, ErrResultExpired
	}
	data, err := m.objects.Get(ctx, record.OutputKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrResultExpired
		}
		return nil, err
	}
	return &Result{
		JobID:       record.JobID,
		Filename:    record.OutputFilename,
		ContentType: record.OutputKind.ContentType(),
		Data:        data,
	}, nil
}

// AccountView はアカウントの残高とプランです。
type AccountView struct {
	Account     ledger.Account          `json:"account" yaml:"account"`
	Available   int64                   `json:"available" yaml:"available"`
	Entitlement entitlement.Entitlement `json:"entitlement" yaml:"entitlement"`
	ActiveJobs  int64                   `json:"activeJobs" yaml:"activeJobs"`
}

// Account は呼び出し元のアカウント情報を返します。台帳にアカウントがなければ作成します。
func (m *Manager) Account(ctx context.Context, caller Caller) (*AccountView, error) {
	ent := m.resolver.Resolve(caller.Tier)
	acct, err := m.ledger.EnsureAccount(ctx, ledger.Account{
		ID:               caller.AccountID,
		Tier:             string(ent.Tier),
		MonthlyAllotment: ent.MaxCreditsPerMonth,
	})
	if err != nil {
		return nil, unavailable("credit ledger", err)
	}
	active, err := m.store.ActiveCount(ctx, caller.AccountID)
	if err != nil {
		return nil, unavailable("job store", err)
	}
	return &AccountView{
		Account:     *acct,
		Available:   acct.Available(),
		Entitlement: ent,
		ActiveJobs:  active,
	}, nil
}

// Expire は保持期間を過ぎたジョブの入力と成果物を削除します。
func (m *Manager) Expire(ctx context.Context, jobID string) error {
	record, err := m.store.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !record.Status.Terminal() || record.ResultExpired {
		return nil
	}

	keys := make([]string, 0, len(record.Inputs)+1)
	for _, ref := range record.Inputs {
		keys = append(keys, ref.Key)
	}
	if record.OutputKey != "" {
		keys = append(keys, record.OutputKey)
	}
	for _, key := range keys {
		if err := m.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}

	_, err = m.store.Update(ctx, jobID, func(r *Record) error {
		r.ResultExpired = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	m.logger.Debug().Str("job_id", jobID).Int("objects", len(keys)).Msg("jobs: job files expired")
	return nil
}

func (m *Manager) owned(ctx context.Context, accountID, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if accountID != "" && record.AccountID != accountID {
		return nil, ErrNotFound
	}
	return record, nil
}

func (m *Manager) view(r *Record) *View {
	v := &View{
		JobID:           r.JobID,
		Operation:       r.Operation,
		Status:          r.Status,
		Progress:        r.Progress,
		Attempts:        r.Attempts,
		InputSize:       r.InputSize,
		CreditCost:      r.CreditCost,
		CreditsCharged:  r.CreditsCharged,
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
	if r.Status == StatusCompleted {
		v.OutputKey = r.OutputKey
		v.Meta = r.Meta
		if !r.ResultExpired {
			v.DownloadURL = m.buildDownloadURL(r)
		}
	}
	return v
}

func (m *Manager) buildDownloadURL(r *Record) string {
	if m.resultBaseURL == "" {
		return fmt.Sprintf("/api/jobs/%s/download", r.JobID)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.resultBaseURL, "/"), r.JobID, url.PathEscape(r.OutputFilename))
}

func totalSize(files []Upload) int64 {
	var total int64
	for _, f := range files {
		total += int64(len(f.Data))
	}
	return total
}

func encodeMeta(meta any) json.RawMessage {
	if meta == nil {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return data
}
