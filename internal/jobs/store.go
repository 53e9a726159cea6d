package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/docforge/internal/pdf"
)

const (
	jobKeyPrefix     = "job:"
	accountKeyPrefix = "account:"

	maxUpdateRetries = 16
)

// KEYS: job, account active set, account job index
// ARGV: payload, maxActive, jobID, createdAtMillis
var createScript = redis.NewScript(`
local maxActive = tonumber(ARGV[2])
if maxActive > 0 and redis.call("SCARD", KEYS[2]) >= maxActive then
	return -1
end
if not redis.call("SET", KEYS[1], ARGV[1], "NX") then
	return 0
end
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[3])
return 1
`)

// Store はジョブ状態を Redis に保存します。
// 更新は WATCH/MULTI による compare-and-swap で行い、終了したジョブには保持期間を設定します。
type Store struct {
	rdb       redis.UniversalClient
	recordTTL time.Duration
	now       func() time.Time
}

// NewStore は Store を作成します。recordTTL は終了したジョブの保持期間です（0 なら無期限）。
func NewStore(rdb redis.UniversalClient, recordTTL time.Duration) *Store {
	return &Store{
		rdb:       rdb,
		recordTTL: recordTTL,
		now:       time.Now,
	}
}

// Create は新しいジョブを保存します。アカウントの未終了ジョブが maxActive 件以上ある場合は
// ErrTooManyActive を返し、何も保存しません。件数の確認と保存は1回の往復で行います。
func (s *Store) Create(ctx context.Context, record *Record, maxActive int) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" || record.AccountID == "" {
		return fmt.Errorf("jobId and accountId are required")
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Version = 1

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	keys := []string{jobKey(record.JobID), activeKey(record.AccountID), indexKey(record.AccountID)}
	code, err := createScript.Run(ctx, s.rdb, keys,
		payload, maxActive, record.JobID, record.CreatedAt.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", record.JobID, err)
	}
	switch code {
	case -1:
		return ErrTooManyActive
	case 0:
		return ErrDuplicate
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return decodeRecord(data)
}

// Update は mutate を適用して保存します。保存までの間に別の更新が入った場合は読み直して再適用します。
// mutate がエラーを返した場合は保存せず、そのエラーを返します。
func (s *Store) Update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	key := jobKey(jobID)
	var updated *Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		wasTerminal := record.Status.Terminal()
		if err := mutate(record); err != nil {
			return err
		}
		if record.Status.Terminal() && !wasTerminal {
			record.Options = pdf.RedactOptions(record.Operation, record.Options)
		}
		record.Version++
		record.UpdatedAt = s.now().UTC()

		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}

		var ttl time.Duration
		if record.Status.Terminal() {
			ttl = s.recordTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			if record.Status.Terminal() && !wasTerminal {
				pipe.SRem(ctx, activeKey(record.AccountID), record.JobID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = record
		return nil
	}

	for range maxUpdateRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update job %s: too much contention", jobID)
}

// List はアカウントのジョブを新しい順に最大 limit 件返します。保持期間を過ぎたジョブは索引から取り除きます。
func (s *Store) List(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.ZRevRange(ctx, indexKey(accountID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	records := make([]*Record, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		record, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, indexKey(accountID), stale...).Err()
	}
	return records, nil
}

// ActiveCount はアカウントの未終了ジョブ数を返します。
func (s *Store) ActiveCount(ctx context.Context, accountID string) (int64, error) {
	n, err := s.rdb.SCard(ctx, activeKey(accountID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &record, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func activeKey(accountID string) string {
	return accountKeyPrefix + accountID + ":active"
}

func indexKey(accountID string) string {
	return accountKeyPrefix + accountID + ":jobs"
}
