// Package dispatch は表示層から観測される状態を更新する唯一の実行コンテキストを提供する。
// ネットワーク側のゴルーチンは状態を直接変更せず、Postで更新処理をループへ渡す。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrStopped はループ停止後に処理を投入した場合のエラー。
var ErrStopped = errors.New("dispatch loop stopped")

// defaultQueueSize はキューのデフォルト長。
const defaultQueueSize = 256

// Loop は投入された関数を1つのゴルーチンで順番に実行する。
type Loop struct {
	queue  chan func()
	done   chan struct{}
	logger *slog.Logger
}

// New はLoopの新しいインスタンスを生成する。
// queueSizeが0以下の場合はデフォルト値256を使用する。
func New(logger *slog.Logger, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run はコンテキストがキャンセルされるまで投入された関数を実行する。
// Runはプロセスにつき1回だけ呼び出す。
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

// exec は1つの関数を実行し、panicをログに記録して握りつぶす。
func (l *Loop) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("panic in dispatch loop",
				slog.String("error", fmt.Sprintf("%v", rec)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// Post はfnをループに投入する。ループ停止後はfalseを返す。
// キューが満杯の場合は空きが出るまでブロックする。
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do はfnをループ上で実行し、完了まで待つ。
// ループ上で実行中の関数から呼び出してはならない。
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done はループ停止時にクローズされるチャネルを返す。
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
