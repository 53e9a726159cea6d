package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/docforge/internal/pdf"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	store := NewStore(rdb, time.Hour)
	store.now = clock.Now
	return store, mr, clock
}

func newRecord(id, account string) *Record {
	return &Record{
		JobID:     id,
		AccountID: account,
		Operation: pdf.OperationCompress,
		Status:    StatusPending,
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRecord("job-1", "acct-1"), 0))
	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC), got.CreatedAt)

	assert.ErrorIs(t, store.Create(ctx, newRecord("job-1", "acct-1"), 0), ErrDuplicate)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateEnforcesActiveLimit(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Create(ctx, newRecord(fmt.Sprintf("job-%d", i), "acct-1"), 2)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrTooManyActive):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, created)
	assert.Equal(t, 8, rejected)
	n, err := store.ActiveCount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, store.Create(ctx, newRecord("other", "acct-2"), 2))
}

func TestStoreUpdateIsAtomic(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("job-1", "acct-1"), 0))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "job-1", func(r *Record) error {
				r.Attempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Attempts)
	assert.Equal(t, int64(9), got.Version)
}

func TestStoreUpdateReturnsMutateError(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("job-1", "acct-1"), 0))

	_, err := store.Update(ctx, "job-1", func(r *Record) error {
		r.Status = StatusFailed
		return ErrAlreadyFinished
	})
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = store.Update(ctx, "missing", func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreTerminalTransitionReleasesSlot(t *testing.T) {
	store, mr, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("job-1", "acct-1"), 1))
	assert.Zero(t, mr.TTL(jobKey("job-1")))

	clock.Advance(time.Second)
	updated, err := store.Update(ctx, "job-1", func(r *Record) error {
		r.Status = StatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), updated.UpdatedAt)
	assert.Equal(t, time.Hour, mr.TTL(jobKey("job-1")))

	n, err := store.ActiveCount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, store.Create(ctx, newRecord("job-2", "acct-1"), 1))
}

func TestStoreTerminalTransitionRedactsPasswords(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()
	record := newRecord("job-1", "acct-1")
	record.Operation = pdf.OperationProtect
	record.Options = []byte(`{"userPassword":"open-sesame","ownerPassword":"open-sesame"}`)
	require.NoError(t, store.Create(ctx, record, 0))

	raw, err := mr.Get(jobKey("job-1"))
	require.NoError(t, err)
	assert.Contains(t, raw, "open-sesame")

	updated, err := store.Update(ctx, "job-1", func(r *Record) error {
		r.Status = StatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, updated.Options)

	raw, err = mr.Get(jobKey("job-1"))
	require.NoError(t, err)
	assert.NotContains(t, raw, "open-sesame")
}

func TestStoreListSkipsExpiredRecords(t *testing.T) {
	store, mr, clock := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Create(ctx, newRecord(fmt.Sprintf("job-%d", i), "acct-1"), 0))
		clock.Advance(time.Second)
	}
	_, err := store.Update(ctx, "job-1", func(r *Record) error {
		r.Status = StatusFailed
		return nil
	})
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	records, err := store.List(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "job-3", records[0].JobID)
	assert.Equal(t, "job-2", records[1].JobID)

	members, err := mr.ZMembers(indexKey("acct-1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-2", "job-3"}, members)

	empty, err := store.List(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
