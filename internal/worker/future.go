package worker

import (
	"context"
	"sync/atomic"

	"github.com/yourusername/docforge/internal/pdf"
)

const (
	stateQueued int32 = iota
	stateRunning
	stateCanceled
	stateDone
)

// Future はプールに投入したタスクの結果です。
type Future struct {
	task    Task
	state   atomic.Int32
	done    chan struct{}
	release func()
	out     *pdf.Output
	err     error
}

// newFuture は release を結果の確定時に一度だけ呼ぶ Future を作成します。
func newFuture(task Task, release func()) *Future {
	return &Future{task: task, done: make(chan struct{}), release: release}
}

// JobID はタスクのジョブIDです。
func (f *Future) JobID() string {
	return f.task.JobID
}

// Done は結果が確定すると閉じられるチャネルを返します。
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait は結果が確定するか ctx が終了するまで待ちます。
// ctx が先に終了してもタスク自体は止まりません。
func (f *Future) Wait(ctx context.Context) (*pdf.Output, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel は開始前のタスクを取り消します。既に実行中または終了済みの場合は false を返し、
// 実行中のタスクは最後まで実行されます。
func (f *Future) Cancel() bool {
	if !f.state.CompareAndSwap(stateQueued, stateCanceled) {
		return false
	}
	f.err = ErrTaskCanceled
	f.settle()
	return true
}

func (f *Future) start() bool {
	return f.state.CompareAndSwap(stateQueued, stateRunning)
}

func (f *Future) finish(out *pdf.Output, err error) {
	if !f.state.CompareAndSwap(stateRunning, stateDone) {
		return
	}
	f.out = out
	f.err = err
	f.settle()
}

func (f *Future) settle() {
	if f.release != nil {
		f.release()
	}
	close(f.done)
}
