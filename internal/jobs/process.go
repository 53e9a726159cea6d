package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yourusername/docforge/internal/ledger"
	"github.com/yourusername/docforge/internal/pdf"
	"github.com/yourusername/docforge/internal/queue"
	"github.com/yourusername/docforge/internal/storage"
	"github.com/yourusername/docforge/internal/worker"
)

const (
	reasonPoolSaturated = "pool_saturated"
	reasonUnavailable   = "dependency_unavailable"

	progressTimeout = 3 * time.Second
)

var errInputMissing = errors.New("jobs: input object missing")

// RunWorker はキューからリースを取得してジョブを実行し続けます。ctx が終了すると nil を返します。
// キューが空の間は pollInterval ごとに問い合わせます。
func (m *Manager) RunWorker(ctx context.Context, workerID string) error {
	if m.executor == nil {
		return errors.New("executor is not configured")
	}
	idle := rate.NewLimiter(rate.Every(m.pollInterval), 1)
	log := m.logger.With().Str("worker_id", workerID).Logger()
	log.Info().Msg("worker: lease loop started")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("worker: lease loop stopped")
			return nil
		}

		lease, err := m.queue.Lease(ctx, workerID, m.leaseDuration)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("worker: failed to lease job")
		}
		if lease == nil {
			if err := idle.Wait(ctx); err != nil {
				log.Info().Msg("worker: lease loop stopped")
				return nil
			}
			continue
		}

		if err := m.Process(ctx, lease); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("job_id", lease.JobID).Msg("worker: job processing failed")
		}
	}
}

// Process はリースを取得したジョブを1件実行します。
// ジョブが既に終了している場合はキューの状態を合わせるだけで、成果物が保存済みの場合は課金と確定から再開します。
// nil 以外を返した場合、リースは期限切れを待って回収されます。
func (m *Manager) Process(ctx context.Context, lease *queue.Lease) error {
	if m.executor == nil {
		return errors.New("executor is not configured")
	}
	log := m.logger.With().Str("job_id", lease.JobID).Str("worker_id", lease.WorkerID).Logger()

	record, err := m.store.Get(ctx, lease.JobID)
	if errors.Is(err, ErrNotFound) {
		log.Warn().Msg("jobs: leased job has no record")
		return m.queue.Fail(ctx, lease.JobID, "record_missing")
	}
	if err != nil {
		return m.release(ctx, lease, reasonUnavailable, err)
	}

	if record.Status.Terminal() {
		return m.syncQueue(ctx, record)
	}
	if record.OutputKey != "" {
		if _, err := m.queue.ExtendLease(ctx, lease.JobID, lease.WorkerID, m.leaseDuration); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrNotFound) {
				log.Warn().Msg("jobs: lease lost before resuming finalization")
				return nil
			}
			return err
		}
		log.Info().Msg("jobs: resuming finalization of stored output")
		return m.finalize(ctx, lease, record)
	}

	record, err = m.store.Update(ctx, lease.JobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.Status = StatusLeased
		r.WorkerID = lease.WorkerID
		r.Attempts = lease.Attempts
		return nil
	})
	if errors.Is(err, ErrAlreadyFinished) {
		return m.settle(ctx, lease.JobID)
	}
	if err != nil {
		return m.release(ctx, lease, reasonUnavailable, err)
	}

	if err := m.queue.MarkProcessing(ctx, lease.JobID, lease.WorkerID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn().Msg("jobs: lease lost before processing")
			return nil
		}
		return err
	}

	if record.CancelRequested {
		return m.failWithQueue(ctx, record, CodeCanceled, "ジョブを取り消しました。")
	}

	record, err = m.store.Update(ctx, lease.JobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.Status = StatusProcessing
		r.Progress = Progress{Percent: 0, Stage: "load"}
		return nil
	})
	if errors.Is(err, ErrAlreadyFinished) {
		return m.settle(ctx, lease.JobID)
	}
	if err != nil {
		return m.release(ctx, lease, reasonUnavailable, err)
	}

	req, err := m.loadRequest(ctx, record)
	if err != nil {
		var pdfErr *pdf.Error
		switch {
		case errors.Is(err, errInputMissing):
			log.Error().Err(err).Msg("jobs: input files are gone")
			return m.failWithQueue(ctx, record, CodeInternal, "入力ファイルが見つかりませんでした。再度アップロードしてください。")
		case errors.As(err, &pdfErr):
			return m.failWithQueue(ctx, record, CodeTransformFailed, pdfErr.Message)
		default:
			return m.release(ctx, lease, reasonUnavailable, err)
		}
	}

	started := m.now()
	out, err := m.execute(ctx, lease, req)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrPoolSaturated):
		log.Warn().Msg("jobs: worker pool saturated, returning job to queue")
		return m.release(ctx, lease, reasonPoolSaturated, err)
	case errors.Is(err, worker.ErrPoolClosed), errors.Is(err, worker.ErrPoolNotStarted):
		return m.release(ctx, lease, reasonUnavailable, err)
	case errors.Is(err, queue.ErrLeaseLost):
		log.Warn().Msg("jobs: lease lost during transform, discarding result")
		return nil
	case errors.Is(err, worker.ErrTaskCanceled):
		return m.failWithQueue(ctx, record, CodeCanceled, "ジョブを取り消しました。")
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		log.Error().Dur("budget", m.transformTimeout).Msg("jobs: transform exceeded time budget, leaving lease to expire")
		return fmt.Errorf("transform for job %s timed out: %w", lease.JobID, err)
	default:
		message := "PDFの処理中にエラーが発生しました。"
		var pdfErr *pdf.Error
		if errors.As(err, &pdfErr) {
			message = pdfErr.Message
		}
		log.Warn().Err(err).Str("operation", string(record.Operation)).Msg("jobs: transform failed")
		return m.failWithQueue(ctx, record, CodeTransformFailed, message)
	}

	if _, err := m.queue.ExtendLease(ctx, lease.JobID, lease.WorkerID, m.leaseDuration); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrNotFound) {
			log.Warn().Msg("jobs: lease lost after transform, discarding result")
			return nil
		}
		return err
	}

	outputKey := fmt.Sprintf("jobs/%s/output/%s", record.JobID, out.Filename)
	if _, err := m.objects.Put(ctx, outputKey, out.Data); err != nil {
		return m.release(ctx, lease, reasonUnavailable, err)
	}
	record, err = m.store.Update(ctx, lease.JobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.OutputKey = outputKey
		r.OutputFilename = out.Filename
		r.OutputKind = out.Kind
		r.OutputSize = int64(len(out.Data))
		r.Meta = encodeMeta(out.Meta)
		r.Progress = Progress{Percent: 95, Stage: "finalize"}
		return nil
	})
	if errors.Is(err, ErrAlreadyFinished) {
		return m.settle(ctx, lease.JobID)
	}
	if err != nil {
		return m.release(ctx, lease, reasonUnavailable, err)
	}

	log.Debug().Dur("elapsed", m.now().Sub(started)).Int64("output_size", record.OutputSize).Msg("jobs: output stored")
	return m.finalize(ctx, lease, record)
}

// execute はワーカープールで変換を実行し、完了を待つ間リースを延長します。
func (m *Manager) execute(ctx context.Context, lease *queue.Lease, req pdf.Request) (*pdf.Output, error) {
	future, err := m.executor.Submit(worker.Task{
		JobID:    lease.JobID,
		Request:  req,
		Progress: m.progressReporter(lease.JobID),
	})
	if err != nil {
		return nil, err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	lost := make(chan struct{})
	go m.heartbeat(hbCtx, lease, future, lost)

	waitCtx := ctx
	if m.transformTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.transformTimeout)
		defer cancel()
	}

	out, err := future.Wait(waitCtx)
	select {
	case <-lost:
		return nil, queue.ErrLeaseLost
	default:
	}
	return out, err
}

// heartbeat は変換が終わるまでリースを延長し続けます。
// リースを失った場合は lost を閉じ、取り消し要求があれば開始前のタスクを取り消します。
func (m *Manager) heartbeat(ctx context.Context, lease *queue.Lease, future *worker.Future, lost chan<- struct{}) {
	ticker := time.NewTicker(max(m.leaseDuration/3, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-future.Done():
			return
		case <-ticker.C:
		}

		if _, err := m.queue.ExtendLease(ctx, lease.JobID, lease.WorkerID, m.leaseDuration); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrNotFound) {
				close(lost)
				future.Cancel()
				return
			}
			m.logger.Warn().Err(err).Str("job_id", lease.JobID).Msg("jobs: failed to extend lease")
			continue
		}

		if record, err := m.store.Get(ctx, lease.JobID); err == nil && record.CancelRequested {
			if future.Cancel() {
				m.logger.Info().Str("job_id", lease.JobID).Msg("jobs: queued transform canceled")
			}
		}
	}
}

// finalize は課金してジョブを completed にします。課金はジョブ単位で一度だけ行われるため、
// 途中で中断して再実行しても二重に課金されません。課金の後でジョブが別経路で failed に
// なっていた場合は課金を取り消します。
func (m *Manager) finalize(ctx context.Context, lease *queue.Lease, record *Record) error {
	res, err := m.ledger.Charge(ctx, record.AccountID, record.JobID, record.CreditCost)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return m.failWithQueue(ctx, record, CodeInsufficientCredits, "クレジットが不足しているため処理結果を確定できませんでした。")
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrInvalidAmount):
		m.logger.Error().Err(err).Str("job_id", record.JobID).Msg("jobs: charge rejected")
		return m.failWithQueue(ctx, record, CodeInternal, "課金処理に失敗しました。")
	default:
		return m.release(ctx, lease, reasonUnavailable, err)
	}

	jobID := record.JobID
	record, err = m.markCompleted(ctx, jobID, record.CreditCost)
	if errors.Is(err, ErrAlreadyFinished) {
		m.voidIfFailed(ctx, jobID)
		return m.settle(ctx, jobID)
	}
	if err != nil {
		return err
	}
	if err := m.queue.Complete(ctx, record.JobID); err != nil {
		m.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("jobs: failed to complete queue entry")
	}

	charged := record.CreditsCharged
	if res.AlreadyCharged {
		charged = 0
	}
	m.metrics.JobCompleted(record.Operation, charged)
	m.logger.Info().
		Str("job_id", record.JobID).
		Str("account_id", record.AccountID).
		Int64("credits", record.CreditsCharged).
		Int64("balance", res.Balance).
		Msg("jobs: job completed")
	m.scheduleExpiry(ctx, record)
	return nil
}

// Sweep は失効したリースを回収します。再投入したジョブは pending に戻し、
// 上限回数を超えたジョブは LEASE_EXHAUSTED で failed にします。
// ただし課金まで終わっていたジョブは completed として確定します。
func (m *Manager) Sweep(ctx context.Context) (queue.SweepResult, error) {
	res, err := m.queue.RequeueExpired(ctx)
	if err != nil {
		return res, err
	}

	for _, id := range res.Requeued {
		_, err := m.store.Update(ctx, id, func(r *Record) error {
			if r.Status.Terminal() {
				return ErrAlreadyFinished
			}
			r.Status = StatusPending
			r.WorkerID = ""
			r.Progress = Progress{Percent: 0, Stage: "queued"}
			return nil
		})
		if err != nil && !errors.Is(err, ErrAlreadyFinished) && !errors.Is(err, ErrNotFound) {
			m.logger.Error().Err(err).Str("job_id", id).Msg("jobs: failed to reset requeued job")
		}
	}
	for _, id := range res.Exhausted {
		if err := m.exhaust(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("job_id", id).Msg("jobs: failed to finish exhausted job")
		}
	}

	m.metrics.LeasesSwept(len(res.Requeued), len(res.Exhausted))
	if len(res.Requeued)+len(res.Exhausted) > 0 {
		m.logger.Info().
			Int("requeued", len(res.Requeued)).
			Int("exhausted", len(res.Exhausted)).
			Msg("jobs: expired leases swept")
	}
	return res, nil
}

func (m *Manager) exhaust(ctx context.Context, jobID string) error {
	record, err := m.store.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return nil
	}

	if record.OutputKey != "" {
		charged, err := m.ledger.ChargedAmount(ctx, jobID)
		if err != nil {
			return err
		}
		if charged > 0 {
			record, err = m.markCompleted(ctx, jobID, charged)
			if err != nil {
				if errors.Is(err, ErrAlreadyFinished) {
					return nil
				}
				return err
			}
			if err := m.queue.Complete(ctx, jobID); err != nil {
				m.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobs: failed to complete queue entry")
			}
			m.metrics.JobCompleted(record.Operation, 0)
			m.scheduleExpiry(ctx, record)
			return nil
		}
	}

	_, err = m.markFailed(ctx, record, CodeLeaseExhausted, "処理が繰り返し中断されたため失敗しました。時間をおいて再度お試しください。")
	if errors.Is(err, ErrAlreadyFinished) {
		return nil
	}
	return err
}

// release はリースを返却してバックオフ後に再取得できるようにします。
// 再投入の上限を超えた場合はジョブを failed にします。
func (m *Manager) release(ctx context.Context, lease *queue.Lease, reason string, cause error) error {
	res, err := m.queue.Retry(ctx, lease.JobID, lease.WorkerID, reason)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to release job %s after %v: %w", lease.JobID, cause, err)
	}

	if !res.Requeued {
		record, err := m.store.Get(ctx, lease.JobID)
		if err != nil {
			return err
		}
		code, message := CodeInternal, "処理を完了できませんでした。時間をおいて再度お試しください。"
		if reason == reasonPoolSaturated {
			code, message = CodePoolSaturated, "処理が混み合っているため実行できませんでした。時間をおいて再度お試しください。"
		}
		_, err = m.markFailed(ctx, record, code, message)
		if errors.Is(err, ErrAlreadyFinished) {
			return nil
		}
		return err
	}

	_, err = m.store.Update(ctx, lease.JobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.Status = StatusPending
		r.WorkerID = ""
		r.Attempts = res.Attempts
		r.Progress = Progress{Percent: 0, Stage: "queued"}
		return nil
	})
	if err != nil && !errors.Is(err, ErrAlreadyFinished) {
		return err
	}
	m.logger.Debug().Err(cause).Str("job_id", lease.JobID).Str("reason", reason).Int("attempts", res.Attempts).Msg("jobs: job returned to queue")
	return nil
}

func (m *Manager) failWithQueue(ctx context.Context, record *Record, code, message string) error {
	if err := m.queue.Fail(ctx, record.JobID, strings.ToLower(code)); err != nil && !errors.Is(err, queue.ErrNotFound) {
		m.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("jobs: failed to fail queue entry")
	}
	_, err := m.markFailed(ctx, record, code, message)
	if errors.Is(err, ErrAlreadyFinished) {
		return nil
	}
	return err
}

func (m *Manager) markCompleted(ctx context.Context, jobID string, charged int64) (*Record, error) {
	now := m.now().UTC()
	return m.store.Update(ctx, jobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.Status = StatusCompleted
		r.CreditsCharged = charged
		r.WorkerID = ""
		r.Error = nil
		r.Progress = Progress{Percent: 100, Stage: "completed"}
		r.FinishedAt = now
		r.ExpiresAt = now.Add(m.resultTTL)
		return nil
	})
}

// markFailed はジョブを failed にし、成果物と（設定により）入力を削除します。
// 並行する確定処理が先に課金していた場合はその課金を取り消します。
func (m *Manager) markFailed(ctx context.Context, record *Record, code, message string) (*Record, error) {
	now := m.now().UTC()
	updated, err := m.store.Update(ctx, record.JobID, func(r *Record) error {
		if r.Status.Terminal() {
			return ErrAlreadyFinished
		}
		r.Status = StatusFailed
		r.CreditsCharged = 0
		r.WorkerID = ""
		r.Error = &ErrorInfo{Code: code, Message: message}
		r.FinishedAt = now
		r.ExpiresAt = now.Add(m.resultTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	m.voidCharge(cleanupCtx, updated.JobID)
	if updated.OutputKey != "" {
		if err := m.objects.Delete(cleanupCtx, updated.OutputKey); err != nil {
			m.logger.Warn().Err(err).Str("job_id", updated.JobID).Msg("jobs: failed to delete output")
		}
	}
	if m.deleteInputOnFailure {
		for _, ref := range updated.Inputs {
			if err := m.objects.Delete(cleanupCtx, ref.Key); err != nil {
				m.logger.Warn().Err(err).Str("key", ref.Key).Msg("jobs: failed to delete input")
			}
		}
	} else {
		m.scheduleExpiry(cleanupCtx, updated)
	}

	m.metrics.JobFailed(code)
	m.logger.Info().
		Str("job_id", updated.JobID).
		Str("account_id", updated.AccountID).
		Str("code", code).
		Msg("jobs: job failed")
	return updated, nil
}

// voidIfFailed は確定済みの記録が failed のとき課金を取り消します。
func (m *Manager) voidIfFailed(ctx context.Context, jobID string) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobs: failed to load settled record")
		}
		return
	}
	if record.Status == StatusFailed {
		m.voidCharge(ctx, jobID)
	}
}

func (m *Manager) voidCharge(ctx context.Context, jobID string) {
	amount, err := m.ledger.VoidCharge(ctx, jobID)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: failed to void charge of failed job")
		return
	}
	if amount > 0 {
		m.logger.Info().Str("job_id", jobID).Int64("credits", amount).Msg("jobs: charge voided for failed job")
	}
}

// settle は別の実行で確定済みのジョブについて、キューの状態を記録に合わせます。
func (m *Manager) settle(ctx context.Context, jobID string) error {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !record.Status.Terminal() {
		return nil
	}
	return m.syncQueue(ctx, record)
}

func (m *Manager) syncQueue(ctx context.Context, record *Record) error {
	if record.Status == StatusCompleted {
		return m.queue.Complete(ctx, record.JobID)
	}
	reason := "failed"
	if record.Error != nil {
		reason = strings.ToLower(record.Error.Code)
	}
	return m.queue.Fail(ctx, record.JobID, reason)
}

func (m *Manager) loadRequest(ctx context.Context, record *Record) (pdf.Request, error) {
	if len(record.Inputs) == 0 {
		return pdf.Request{}, errInputMissing
	}
	inputs := make([]pdf.Input, 0, len(record.Inputs))
	for _, ref := range record.Inputs {
		data, err := m.objects.Get(ctx, ref.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return pdf.Request{}, fmt.Errorf("%w: %s", errInputMissing, ref.Key)
			}
			return pdf.Request{}, err
		}
		inputs = append(inputs, pdf.Input{Name: ref.Name, Data: data})
	}
	opts, err := pdf.ParseOptions(record.Operation, record.Options, len(inputs))
	if err != nil {
		return pdf.Request{}, err
	}
	return pdf.Request{Operation: record.Operation, Inputs: inputs, Options: opts}, nil
}

func (m *Manager) progressReporter(jobID string) pdf.ProgressReporter {
	return func(stage string, percent int) {
		ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
		defer cancel()
		_, err := m.store.Update(ctx, jobID, func(r *Record) error {
			if r.Status != StatusProcessing {
				return ErrAlreadyFinished
			}
			r.Progress = Progress{Percent: percent, Stage: stage}
			return nil
		})
		if err != nil && !errors.Is(err, ErrAlreadyFinished) {
			m.logger.Debug().Err(err).Str("job_id", jobID).Msg("jobs: failed to update progress")
		}
	}
}

func (m *Manager) scheduleExpiry(ctx context.Context, record *Record) {
	if m.expiry == nil {
		return
	}
	at := record.ExpiresAt
	if at.IsZero() {
		at = m.now().Add(m.resultTTL)
	}
	if err := m.expiry.ScheduleExpiry(ctx, record.JobID, at); err != nil {
		m.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("jobs: failed to schedule expiry")
	}
}
