package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/jobs"
	"github.com/yourusername/docforge/internal/pdf"
)

func testConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	return &config.Config{
		QueueRedisURL:     "redis://" + redisAddr + "/0",
		LedgerBackend:     "redis",
		StoragePath:       t.TempDir(),
		MaxFileSize:       512 << 20,
		JobExpireMinutes:  60,
		JobRecordTTL:      72 * time.Hour,
		WorkerConcurrency: 1,
		WorkerQueueDepth:  1,
		LeaseDuration:     time.Minute,
		TransformTimeout:  time.Minute,
		MaxAttempts:       3,
		PollInterval:      10 * time.Millisecond,
		SubmitRateLimit:   10,
		SubmitRateWindow:  time.Minute,
	}
}

func TestNewWiresComponents(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(context.Background(), testConfig(t, mr.Addr()), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Ledger)
	assert.NotNil(t, a.Tasks)
	assert.Equal(t, entitlement.TierPro, a.Resolver.Resolve("pro").Tier)

	m, err := a.NewManager(nil)
	require.NoError(t, err)

	data := append([]byte("%PDF-1.4\n"), make([]byte, 64)...)
	view, err := m.Submit(context.Background(), jobs.SubmitRequest{
		Caller:    jobs.Caller{AccountID: "acct-1", Tier: entitlement.TierStarter},
		Operation: pdf.OperationCompress,
		Files:     []jobs.Upload{{Name: "a.pdf", Data: data}},
	})
	require.NoError(t, err)

	stats, err := a.Queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.ByPriority[3])

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "docforge_jobs_admitted_total" {
			found = true
		}
	}
	assert.True(t, found, "admission counter for %s should be registered", view.JobID)
}

func TestNewFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	mr.Close()

	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewRejectsBadEntitlementsFile(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	cfg.EntitlementsFile = t.TempDir() + "/missing.yaml"

	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
