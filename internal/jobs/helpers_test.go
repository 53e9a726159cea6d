package jobs

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

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

type fakeTransformer struct {
	calls atomic.Int64
	apply func(req pdf.Request) (*pdf.Output, error)
}

func (f *fakeTransformer) Apply(_ context.Context, req pdf.Request, progress pdf.ProgressReporter) (*pdf.Output, error) {
	f.calls.Add(1)
	if progress != nil {
		progress("process", 50)
	}
	if f.apply != nil {
		return f.apply(req)
	}
	return &pdf.Output{
		Data:     append([]byte("%PDF-1.4 compressed "), req.Inputs[0].Name...),
		Filename: "compressed.pdf",
		Kind:     pdf.ResultKindPDF,
		Meta:     &pdf.CompressMeta{Preset: pdf.CompressPresetStandard},
	}, nil
}

type scheduledExpiry struct {
	jobID string
	at    time.Time
}

type fakeExpiry struct {
	mu        sync.Mutex
	scheduled []scheduledExpiry
}

func (f *fakeExpiry) ScheduleExpiry(_ context.Context, jobID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledExpiry{jobID: jobID, at: at})
	return nil
}

func (f *fakeExpiry) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.scheduled))
	for _, s := range f.scheduled {
		ids = append(ids, s.jobID)
	}
	return ids
}

type saturatedExecutor struct{}

func (saturatedExecutor) Submit(worker.Task) (*worker.Future, error) {
	return nil, worker.ErrPoolSaturated
}

type testEnv struct {
	mr          *miniredis.Miniredis
	rdb         *redis.Client
	clock       *fakeClock
	store       *Store
	queue       *queue.Queue
	ledger      *ledger.RedisLedger
	objects     *storage.LocalStore
	transformer *fakeTransformer
	expiry      *fakeExpiry
	registry    *prometheus.Registry
	manager     *Manager
}

type envOption func(*envSettings)

type envSettings struct {
	cfg         *config.Config
	maxAttempts int
	executor    Executor
}

func withConfig(mutate func(*config.Config)) envOption {
	return func(s *envSettings) { mutate(s.cfg) }
}

func withMaxAttempts(n int) envOption {
	return func(s *envSettings) { s.maxAttempts = n }
}

func withExecutor(e Executor) envOption {
	return func(s *envSettings) { s.executor = e }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	settings := &envSettings{
		cfg: &config.Config{
			MaxFileSize:          512 * megabyte,
			JobExpireMinutes:     60,
			LeaseDuration:        time.Minute,
			TransformTimeout:     5 * time.Second,
			PollInterval:         10 * time.Millisecond,
			SubmitRateLimit:      100,
			SubmitRateWindow:     time.Minute,
			DeleteInputOnFailure: true,
		},
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(settings)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	store := NewStore(rdb, 72*time.Hour)
	store.now = clock.Now

	q := queue.New(rdb,
		queue.WithClock(clock.Now),
		queue.WithMaxAttempts(settings.maxAttempts),
		queue.WithBackoff(0, 0),
	)
	led := ledger.NewRedisLedger(rdb, ledger.WithRedisClock(clock.Now))
	objects, err := storage.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	resolver, err := entitlement.NewResolver(nil)
	require.NoError(t, err)
	limiter := ratelimit.New(rdb, ratelimit.WithClock(clock.Now))

	transformer := &fakeTransformer{}
	executor := settings.executor
	if executor == nil {
		pool := worker.NewPool(transformer, worker.WithConcurrency(2), worker.WithQueueDepth(2))
		require.NoError(t, pool.Start())
		t.Cleanup(pool.Stop)
		executor = pool
	}

	registry := prometheus.NewRegistry()
	expiry := &fakeExpiry{}
	manager, err := NewManager(settings.cfg, Deps{
		Store:    store,
		Queue:    q,
		Ledger:   led,
		Resolver: resolver,
		Limiter:  limiter,
		Objects:  objects,
		Executor: executor,
		Expiry:   expiry,
		Metrics:  metrics.NewCollector(registry),
	}, zerolog.Nop(), WithClock(clock.Now))
	require.NoError(t, err)

	return &testEnv{
		mr:          mr,
		rdb:         rdb,
		clock:       clock,
		store:       store,
		queue:       q,
		ledger:      led,
		objects:     objects,
		transformer: transformer,
		expiry:      expiry,
		registry:    registry,
		manager:     manager,
	}
}

func pdfBytes(size int) []byte {
	header := []byte("%PDF-1.4\n")
	if size < len(header) {
		size = len(header)
	}
	data := bytes.Repeat([]byte{' '}, size)
	copy(data, header)
	return data
}

func compressRequest(accountID string, tier entitlement.Tier, size int) SubmitRequest {
	return SubmitRequest{
		Caller:    Caller{AccountID: accountID, Tier: tier},
		Operation: pdf.OperationCompress,
		Files:     []Upload{{Name: "report.pdf", Data: pdfBytes(size)}},
	}
}

func (e *testEnv) submit(t *testing.T, req SubmitRequest) *View {
	t.Helper()
	view, err := e.manager.Submit(context.Background(), req)
	require.NoError(t, err)
	return view
}

func (e *testEnv) leaseAndProcess(t *testing.T) *queue.Lease {
	t.Helper()
	ctx := context.Background()
	lease, err := e.queue.Lease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, e.manager.Process(ctx, lease))
	return lease
}

func (e *testEnv) record(t *testing.T, jobID string) *Record {
	t.Helper()
	record, err := e.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return record
}

func (e *testEnv) creditsUsed(t *testing.T, accountID string) int64 {
	t.Helper()
	acct, err := e.ledger.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acct.CreditsUsed
}

func requireAdmission(t *testing.T, err error, kind AdmissionKind, code string) *AdmissionError {
	t.Helper()
	require.Error(t, err)
	var admErr *AdmissionError
	require.True(t, errors.As(err, &admErr), "expected AdmissionError, got %v", err)
	require.Equal(t, kind, admErr.Kind)
	require.Equal(t, code, admErr.Code)
	return admErr
}
