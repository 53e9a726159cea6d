package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/ledger"
	"github.com/yourusername/docforge/internal/pdf"
	"github.com/yourusername/docforge/internal/queue"
	"github.com/yourusername/docforge/internal/storage"
)

func TestStarterCompressJobCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view := env.submit(t, compressRequest("acct-1", entitlement.TierStarter, 10*megabyte))
	assert.Equal(t, StatusPending, view.Status)
	assert.Equal(t, int64(10*megabyte), view.InputSize)
	assert.Equal(t, int64(1), view.CreditCost)

	record := env.record(t, view.JobID)
	require.Len(t, record.Inputs, 1)
	stored, err := env.objects.Get(ctx, record.Inputs[0].Key)
	require.NoError(t, err)
	assert.Len(t, stored, 10*megabyte)

	info, err := env.queue.Info(ctx, view.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, info.State)
	assert.Equal(t, 3, info.Priority)

	env.leaseAndProcess(t)

	done, err := env.manager.GetJob(ctx, "acct-1", view.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(1), done.CreditsCharged)
	assert.NotEmpty(t, done.OutputKey)
	assert.Equal(t, "/api/jobs/"+view.JobID+"/download", done.DownloadURL)
	assert.Equal(t, Progress{Percent: 100, Stage: "completed"}, done.Progress)
	assert.JSONEq(t, `{"originalSize":0,"outputSize":0,"savedBytes":0,"savedPercent":0,"preset":"standard"}`, string(done.Meta))
	assert.Equal(t, int64(1), env.creditsUsed(t, "acct-1"))

	info, err = env.queue.Info(ctx, view.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDone, info.State)

	result, err := env.manager.OpenResult(ctx, "acct-1", view.JobID)
	require.NoError(t, err)
	assert.Equal(t, "compressed.pdf", result.Filename)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.Equal(t, "%PDF-1.4 compressed report.pdf", string(result.Data))

	assert.Equal(t, []string{view.JobID}, env.expiry.jobs())

	active, err := env.store.ActiveCount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, active)

	expected := `
# HELP docforge_jobs_completed_total Jobs that reached completed, by operation.
# TYPE docforge_jobs_completed_total counter
docforge_jobs_completed_total{operation="compress"} 1
# HELP docforge_credits_charged_total Credits charged for completed jobs.
# TYPE docforge_credits_charged_total counter
docforge_credits_charged_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(env.registry, strings.NewReader(expected),
		"docforge_jobs_completed_total", "docforge_credits_charged_total"))
}

func TestSubmitWithoutCreditsCreatesNoJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.EnsureAccount(ctx, ledger.Account{ID: "acct-1", Tier: "STARTER", MonthlyAllotment: 100})
	require.NoError(t, err)
	_, err = env.ledger.TryDeduct(ctx, "acct-1", 100)
	require.NoError(t, err)

	_, err = env.manager.Submit(ctx, compressRequest("acct-1", entitlement.TierStarter, 1024))
	requireAdmission(t, err, KindInsufficientCredits, CodeInsufficientCredits)

	jobs, err := env.manager.ListJobs(ctx, "acct-1", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)

	keys, err := env.rdb.Keys(ctx, "job:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTransformFailureLeavesCreditsUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.transformer.apply = func(pdf.Request) (*pdf.Output, error) {
		return nil, &pdf.Error{Code: pdf.CodeUnsupportedPDF, Message: "PDFを読み込めませんでした。"}
	}

	view := env.submit(t, compressRequest("acct-1", entitlement.TierStarter, 2048))
	inputKey := env.record(t, view.JobID).Inputs[0].Key
	env.leaseAndProcess(t)

	record := env.record(t, view.JobID)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, CodeTransformFailed, record.Error.Code)
	assert.Equal(t, "PDFを読み込めませんでした。", record.Error.Message)
	assert.Zero(t, record.CreditsCharged)
	assert.Zero(t, env.creditsUsed(t, "acct-1"))

	_, err := env.objects.Get(ctx, inputKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	info, err := env.queue.Info(ctx, view.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, info.State)

	_, err = env.manager.OpenResult(ctx, "acct-1", view.JobID)
	assert.ErrorIs(t, err, ErrResultNotReady)
}

func TestAdmissionChecksRunInFixedOrder(t *testing.T) {
	t.Run("entitlement before size and credits", func(t *testing.T) {
		env := newTestEnv(t)
		req := compressRequest("acct-1", entitlement.TierFree, 20*megabyte)
		req.Operation = pdf.OperationSplit
		_, err := env.manager.Submit(context.Background(), req)
		requireAdmission(t, err, KindEntitlementDenied, CodeOperationNotAllowed)
	})

	t.Run("rate limit before size", func(t *testing.T) {
		env := newTestEnv(t, withConfig(func(cfg *config.Config) { cfg.SubmitRateLimit = 1 }))
		env.submit(t, compressRequest("acct-1", entitlement.TierPro, 1024))

		_, err := env.manager.Submit(context.Background(), compressRequest("acct-1", entitlement.TierFree, 11*megabyte))
		admErr := requireAdmission(t, err, KindRateLimited, CodeRateLimited)
		assert.Equal(t, time.Minute, admErr.RetryAfter)
	})

	t.Run("size before options", func(t *testing.T) {
		env := newTestEnv(t)
		req := compressRequest("acct-1", entitlement.TierFree, 11*megabyte)
		req.Options = json.RawMessage(`{"preset":"ultra"}`)
		_, err := env.manager.Submit(context.Background(), req)
		requireAdmission(t, err, KindFileTooLarge, CodeFileTooLarge)
	})

	t.Run("non pdf upload", func(t *testing.T) {
		env := newTestEnv(t)
		req := compressRequest("acct-1", entitlement.TierFree, 10)
		req.Files[0].Data = []byte("hello, plain text")
		_, err := env.manager.Submit(context.Background(), req)
		requireAdmission(t, err, KindInvalidOptions, CodeInvalidFileType)
	})

	t.Run("options before credits", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		_, err := env.ledger.EnsureAccount(ctx, ledger.Account{ID: "acct-1", Tier: "FREE", MonthlyAllotment: 10})
		require.NoError(t, err)
		_, err = env.ledger.TryDeduct(ctx, "acct-1", 10)
		require.NoError(t, err)

		req := compressRequest("acct-1", entitlement.TierFree, 1024)
		req.Options = json.RawMessage(`{"preset":"ultra"}`)
		_, err = env.manager.Submit(ctx, req)
		requireAdmission(t, err, KindInvalidOptions, pdf.CodeInvalidOptions)
	})

	t.Run("inactive account", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		_, err := env.ledger.EnsureAccount(ctx, ledger.Account{ID: "acct-1", Tier: "FREE", MonthlyAllotment: 10})
		require.NoError(t, err)
		require.NoError(t, env.ledger.Deactivate(ctx, "acct-1"))

		_, err = env.manager.Submit(ctx, compressRequest("acct-1", entitlement.TierFree, 1024))
		requireAdmission(t, err, KindEntitlementDenied, CodeAccountInactive)
	})

	t.Run("sign costs two credits", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		_, err := env.ledger.EnsureAccount(ctx, ledger.Account{ID: "acct-1", Tier: "BUSINESS", MonthlyAllotment: 10000})
		require.NoError(t, err)
		_, err = env.ledger.TryDeduct(ctx, "acct-1", 9999)
		require.NoError(t, err)

		req := compressRequest("acct-1", entitlement.TierBusiness, 1024)
		req.Operation = pdf.OperationSign
		req.Options = json.RawMessage(`{"signer":"Tanaka"}`)
		_, err = env.manager.Submit(ctx, req)
		requireAdmission(t, err, KindInsufficientCredits, CodeInsufficientCredits)
	})
}

func TestConcurrentJobLimitPerAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.submit(t, compressRequest("acct-1", entitlement.TierFree, 1024))
	_, err := env.manager.Submit(ctx, compressRequest("acct-1", entitlement.TierFree, 1024))
	requireAdmission(t, err, KindRateLimited, CodeTooManyActiveJobs)

	other := env.submit(t, compressRequest("acct-2", entitlement.TierFree, 1024))
	assert.NotEqual(t, first.JobID, other.JobID)

	env.leaseAndProcess(t)
	assert.Equal(t, StatusCompleted, env.record(t, first.JobID).Status)

	env.submit(t, compressRequest("acct-1", entitlement.TierFree, 1024))
}

func TestCancelPendingJobRemovesItFromQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view := env.submit(t, compressRequest("acct-1", entitlement.TierStarter, 1024))
	canceled, err := env.manager.Cancel(ctx, "acct-1", view.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, canceled.Status)
	require.NotNil(t, canceled.Error)
	assert.Equal(t, CodeCanceled, canceled.Error.Code)
	assert.Zero(t, canceled.CreditsCharged)

	lease, err := env.queue.Lease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, lease)

	_, err = env.manager.Cancel(ctx, "acct-1", view.JobID)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestCancelAfterLeaseIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view := env.submit(t, compressRequest("acct-1", entitlement.TierStarter, 1024))
	lease, err := env.queue.Lease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	requested, err := env.manager.Cancel(ctx, "acct-1", view.JobID)
	require.NoError(t, err)
	assert.True(t, requested.CancelRequested)
	assert.False(t, requested.Status.Terminal())

	require.NoError(t, env.manager.Process(ctx, lease))
	record := env.record(t, view.JobID)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, CodeCanceled, record.Error.Code)
	assert.Zero(t, env.transformer.calls.Load())
	assert.Zero(t, env.creditsUsed(t, "acct-1"))
}

func TestJobsAreScopedToTheirAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view := env.submit(t, compressRequest("acct-1", entitlement.TierStarter, 1024))

	_, err := env.manager.GetJob(ctx, "acct-2", view.JobID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.manager.Cancel(ctx, "acct-2", view.JobID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.manager.GetJob(ctx, "acct-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	adminView, err := env.manager.GetJob(ctx, "", view.JobID)
	require.NoError(t, err)
	assert.Equal(t, view.JobID, adminView.JobID)
}

func TestListJobsNewestFirst(t *testing.T) {
	env := newTestEnv(t)

	first := env.submit(t, compressRequest("acct-1", entitlement.TierBusiness, 1024))
	env.clock.Advance(time.Second)
	second := env.submit(t, compressRequest("acct-1", entitlement.TierBusiness, 1024))

	views, err := env.manager.ListJobs(context.Background(), "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, second.JobID, views[0].JobID)
	assert.Equal(t, first.JobID, views[1].JobID)
}

func TestResultExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view := env.submit(t, compressRequest("acct-1", entitlement.TierStarter, 1024))
	env.leaseAndProcess(t)
	record := env.record(t, view.JobID)

	env.clock.Advance(61 * time.Minute)
	_, err := env.manager.OpenResult(ctx, "acct-1", view.JobID)
	assert.ErrorIs(t, err, ErrResultExpired)

	require.NoError(t, env.manager.Expire(ctx, view.JobID))
	_, err = env.objects.Get(ctx, record.OutputKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = env.objects.Get(ctx, record.Inputs[0].Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	expired, err := env.manager.GetJob(ctx, "acct-1", view.JobID)
	require.NoError(t, err)
	assert.Empty(t, expired.DownloadURL)
	assert.Equal(t, StatusCompleted, expired.Status)

	assert.NoError(t, env.manager.Expire(ctx, "missing"))
}

func TestAccountView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.submit(t, compressRequest("acct-1", entitlement.TierPro, 1024))
	view, err := env.manager.Account(ctx, Caller{AccountID: "acct-1", Tier: entitlement.TierPro})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), view.Account.MonthlyAllotment)
	assert.Equal(t, int64(1000), view.Available)
	assert.Equal(t, entitlement.TierPro, view.Entitlement.Tier)
	assert.Equal(t, int64(1), view.ActiveJobs)
}

func TestBuildDownloadURLWithBase(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.Config) {
		cfg.JobResultBaseURL = "https://files.example.com/results/"
	}))
	url := env.manager.buildDownloadURL(&Record{JobID: "job-1", OutputFilename: "split result.zip"})
	assert.Equal(t, "https://files.example.com/results/job-1/split%20result.zip", url)
}
