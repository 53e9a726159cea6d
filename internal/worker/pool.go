// Package worker は CPU負荷の高い PDF 変換を固定数のゴルーチンで並列実行するプールを提供します。
//
// 実行中と待機中を合わせて並列数+待ち行列長までを受け付け、それを超える投入は ErrPoolSaturated ですぐに失敗します。
// 変換中の panic はそのタスクの失敗として報告し、ゴルーチンは新しいものに置き換えます。
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/docforge/internal/pdf"
)

var (
	// ErrPoolNotStarted は Start 前に投入されたことを表します。
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolClosed は Stop 後に投入されたことを表します。
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolSaturated は待ち行列が満杯であることを表します。
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrTaskCanceled は開始前に取り消されたことを表します。
	ErrTaskCanceled = errors.New("task canceled before start")
	// ErrWorkerCrashed は変換中に panic が発生したことを表します。
	ErrWorkerCrashed = errors.New("worker crashed during transform")
)

// Transformer はプールが実行する変換処理です。*pdf.Transformer が満たします。
type Transformer interface {
	Apply(ctx context.Context, req pdf.Request, progress pdf.ProgressReporter) (*pdf.Output, error)
}

// Observer は変換の完了を受け取ります。
type Observer interface {
	TransformFinished(op pdf.Operation, elapsed time.Duration, err error)
}

// Task はプールに投入する1件の変換です。オプションは投入前に検証済みである必要があります。
type Task struct {
	JobID    string
	Request  pdf.Request
	Progress pdf.ProgressReporter
}

// Stats はプールの状態です。
type Stats struct {
	Workers    int   `json:"workers" yaml:"workers"`
	Busy       int64 `json:"busy" yaml:"busy"`
	Queued     int   `json:"queued" yaml:"queued"`
	QueueDepth int   `json:"queueDepth" yaml:"queueDepth"`
	Restarts   int64 `json:"restarts" yaml:"restarts"`
	Completed  int64 `json:"completed" yaml:"completed"`
	Failed     int64 `json:"failed" yaml:"failed"`
}

// Pool は固定数のワーカーゴルーチンです。
type Pool struct {
	transformer Transformer
	concurrency int
	queueDepth  int
	logger      zerolog.Logger
	observer    Observer

	mu      sync.RWMutex
	taskCh  chan *Future
	slots   chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool

	busy      atomic.Int64
	restarts  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Option は Pool の設定を変更します。
type Option func(*Pool)

// WithConcurrency は並列数を設定します。0以下ならCPU数を使います。
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueueDepth は待ち行列の最大長を設定します。
func WithQueueDepth(n int) Option {
	return func(p *Pool) { p.queueDepth = n }
}

// WithLogger はロガーを設定します。
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithObserver は変換完了の通知先を設定します。
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// NewPool は Pool を作成します。
func NewPool(transformer Transformer, opts ...Option) *Pool {
	p := &Pool{
		transformer: transformer,
		queueDepth:  -1,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = runtime.NumCPU()
	}
	if p.queueDepth < 0 {
		p.queueDepth = p.concurrency
	}
	return p
}

// Start はワーカーを起動します。
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	capacity := p.concurrency + p.queueDepth
	p.slots = make(chan struct{}, capacity)
	p.taskCh = make(chan *Future, capacity)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.started = true
	p.logger.Info().Int("concurrency", p.concurrency).Int("queue_depth", p.queueDepth).Msg("worker: pool started")
	return nil
}

// Submit はタスクを投入します。実行中と待機中のタスクが並列数+待ち行列長に達していれば
// 待たずに ErrPoolSaturated を返します。
func (p *Pool) Submit(task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		return nil, ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	default:
		return nil, ErrPoolSaturated
	}

	f := newFuture(task, p.releaseSlot)
	select {
	case p.taskCh <- f:
		return f, nil
	default:
		// 取り消し済みのタスクがまだ取り出されずに残っている
		p.releaseSlot()
		return nil, ErrPoolSaturated
	}
}

func (p *Pool) releaseSlot() {
	<-p.slots
}

// Stop は新規投入を止め、待ち行列に残ったタスクを含めて実行し終えるまで待ちます。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("worker: pool stopped")
}

// Stats はプールの状態を返します。
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	queued := 0
	if p.taskCh != nil {
		queued = len(p.taskCh)
	}
	p.mu.RUnlock()

	return Stats{
		Workers:    p.concurrency,
		Busy:       p.busy.Load(),
		Queued:     queued,
		QueueDepth: p.queueDepth,
		Restarts:   p.restarts.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}

func (p *Pool) run(slot int) {
	defer p.wg.Done()
	for f := range p.taskCh {
		if !f.start() {
			continue
		}
		if crashed := p.execute(slot, f); crashed {
			// panic 後のゴルーチンは破棄し、同じ枠に新しいものを起動する
			p.restarts.Add(1)
			p.wg.Add(1)
			go p.run(slot)
			return
		}
	}
}

func (p *Pool) execute(slot int, f *Future) (crashed bool) {
	p.busy.Add(1)
	started := time.Now()
	op := f.task.Request.Operation

	defer func() {
		p.busy.Add(-1)
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
			p.logger.Error().
				Str("job_id", f.task.JobID).
				Int("slot", slot).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker: transform panicked")
			p.failed.Add(1)
			p.observe(op, time.Since(started), err)
			f.finish(nil, err)
			crashed = true
		}
	}()

	out, err := p.transformer.Apply(context.Background(), f.task.Request, f.task.Progress)
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.observe(op, time.Since(started), err)
	f.finish(out, err)
	return false
}

func (p *Pool) observe(op pdf.Operation, elapsed time.Duration, err error) {
	if p.observer != nil {
		p.observer.TransformFinished(op, elapsed, err)
	}
}
