package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	// TaskTypeSweep は失効リースの回収タスクです。
	TaskTypeSweep = "queue:sweep"
	// TaskTypeExpire は保持期間を過ぎたファイルの削除タスクです。
	TaskTypeExpire = "storage:expire"
	// MaintenanceQueue は保守タスクを流す asynq のキュー名です。
	MaintenanceQueue = "maintenance"
)

// Enqueuer は asynq へのタスク投入です。*asynq.Client が満たします。
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type expirePayload struct {
	JobID string `json:"jobId"`
}

// AsynqExpiry は asynq の遅延タスクでファイル削除を予約します。
type AsynqExpiry struct {
	client Enqueuer
}

// NewAsynqExpiry は AsynqExpiry を作成します。
func NewAsynqExpiry(client Enqueuer) *AsynqExpiry {
	return &AsynqExpiry{client: client}
}

// ScheduleExpiry は at に jobID のファイルを削除するタスクを予約します。同じジョブの予約は1件だけです。
func (e *AsynqExpiry) ScheduleExpiry(ctx context.Context, jobID string, at time.Time) error {
	body, err := json.Marshal(expirePayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeExpire, body)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(MaintenanceQueue),
		asynq.ProcessAt(at),
		asynq.TaskID("expire:"+jobID),
		asynq.MaxRetry(5),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// NewSweepTask は失効リース回収タスクを作成します。
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil)
}

// RegisterSweep は interval ごとに回収タスクを実行するよう scheduler に登録します。
func RegisterSweep(scheduler *asynq.Scheduler, interval time.Duration) (string, error) {
	if interval < time.Second {
		return "", fmt.Errorf("sweep interval must be at least 1s (received: %s)", interval)
	}
	return scheduler.Register(fmt.Sprintf("@every %s", interval), NewSweepTask(),
		asynq.Queue(MaintenanceQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(interval),
	)
}

// NewMaintenanceMux は保守タスクのハンドラーを登録した ServeMux を返します。
func NewMaintenanceMux(m *Manager, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeSweep, func(ctx context.Context, _ *asynq.Task) error {
		res, err := m.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Debug().
			Int("requeued", len(res.Requeued)).
			Int("exhausted", len(res.Exhausted)).
			Msg("maintenance: sweep finished")
		return nil
	})
	mux.HandleFunc(TaskTypeExpire, func(ctx context.Context, task *asynq.Task) error {
		var payload expirePayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid expire payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
		}
		return m.Expire(ctx, payload.JobID)
	})
	return mux
}
