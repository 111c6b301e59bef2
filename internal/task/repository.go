// Package task はユーザーのタスク一覧をリモートのドキュメントツリーと同期する。
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/tasksync/internal/dispatch"
	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/model"
)

// errorBufferSize はErrorsチャネルのバッファ長。
const errorBufferSize = 32

// Snapshot はサーバーからのプッシュごとに配信されるタスク一覧全体。
// Errが設定されている場合、Tasksは最後に成功したプッシュの内容のまま。
type Snapshot struct {
	Tasks []model.Task
	Err   error
}

// Recorder は同期処理の結果を記録するインターフェース。
type Recorder interface {
	RecordPush(ok bool)
	RecordDecodeFailure()
	RecordWriteFailure(op string)
}

// state は表示層から参照される状態。更新はdispatchループ上でのみ行う。
type state struct {
	email   string
	tasks   []model.Task
	err     error
	loading bool
}

// subscription はSubscribe 1回分の購読。
type subscription struct {
	email   string
	out     chan Snapshot
	watcher docstore.Watcher
	closed  bool // dispatchループ上でのみ参照する
}

// Repository はユーザーのタスク一覧のライブ購読と書き込みを提供する。
type Repository struct {
	store    docstore.Store
	loop     *dispatch.Loop
	logger   *slog.Logger
	recorder Recorder
	errs     chan error

	// subMu は購読の開始・解除を直列化する
	subMu sync.Mutex
	sub   *subscription

	// 以下はdispatchループ上でのみ変更する
	active *subscription
	cur    state

	// published はループ外から読むための最新の状態
	published atomic.Pointer[state]

	// writeMu は書き込みの投入順序を保つ
	writeMu   sync.Mutex
	lastWrite chan struct{}
}

// NewRepository はRepositoryを生成する。
func NewRepository(store docstore.Store, loop *dispatch.Loop, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)

	r := &Repository{
		store:     store,
		loop:      loop,
		logger:    logger,
		errs:      make(chan error, errorBufferSize),
		lastWrite: done,
	}
	r.published.Store(&state{})
	return r
}

// SetRecorder はメトリクスの記録先を設定する。
func (r *Repository) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Subscribe はusers/{email}のライブ購読を開始する。
// 既存の購読があれば先に解除し、そのチャネルをクローズする。
// 配信は最新優先で、受信が遅れた場合は古いスナップショットを捨てる。
func (r *Repository) Subscribe(email string) (<-chan Snapshot, error) {
	if model.UserKey(email) == "" {
		return nil, model.ErrNotAuthenticated
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.releaseLocked()

	sub := &subscription{email: email, out: make(chan Snapshot, 1)}
	if !r.loop.Post(func() { r.activate(sub) }) {
		return nil, dispatch.ErrStopped
	}

	path := model.UserPath(email)
	watcher, err := r.store.Watch(context.Background(), path, func(ev docstore.Event) {
		r.loop.Post(func() { r.applyEvent(sub, ev) })
	})
	if err != nil {
		r.loop.Post(func() { r.deactivate(sub) })
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	sub.watcher = watcher
	r.sub = sub
	r.logger.Info("task subscription started", slog.String("user", model.UserKey(email)))
	return sub.out, nil
}

// Unsubscribe は現在の購読を解除し、サーバー側のリスナーを解放する。
func (r *Repository) Unsubscribe() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.releaseLocked()
}

func (r *Repository) releaseLocked() {
	sub := r.sub
	if sub == nil {
		return
	}
	r.sub = nil

	if err := sub.watcher.Close(); err != nil {
		r.logger.Warn("failed to close task watcher", slog.String("error", err.Error()))
	}
	r.loop.Post(func() { r.deactivate(sub) })
	r.logger.Info("task subscription released", slog.String("user", model.UserKey(sub.email)))
}

// activate は購読を有効にし、状態を読み込み中にする。ループ上で実行する。
func (r *Repository) activate(sub *subscription) {
	r.active = sub
	r.cur = state{email: sub.email, tasks: []model.Task{}, loading: true}
	r.publish()
}

// deactivate は購読のチャネルをクローズする。ループ上で実行する。
func (r *Repository) deactivate(sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.out)

	if r.active == sub {
		r.active = nil
		r.cur = state{tasks: []model.Task{}}
		r.publish()
	}
}

// applyEvent はサーバーからのプッシュを状態に反映する。ループ上で実行する。
func (r *Repository) applyEvent(sub *subscription, ev docstore.Event) {
	if r.active != sub || sub.closed {
		return
	}
	r.cur.loading = false

	if ev.Err != nil {
		r.setStickyError(ev.Err)
		return
	}

	user, recordErrs, err := DecodeUser(ev.Value)
	if err != nil {
		r.setStickyError(err)
		return
	}

	for _, rerr := range recordErrs {
		r.logger.Warn("skipping undecodable task", slog.String("error", rerr.Error()))
		if r.recorder != nil {
			r.recorder.RecordDecodeFailure()
		}
		r.report(rerr)
	}
	if r.recorder != nil {
		r.recorder.RecordPush(true)
	}

	r.cur.tasks = user.Tasks
	r.cur.err = nil
	r.publish()
	r.deliver(sub)
}

// setStickyError は次の成功したプッシュまで保持されるエラーを設定する。
// 一覧は更新しない。
func (r *Repository) setStickyError(err error) {
	var netErr *model.NetworkError
	if !errors.As(err, &netErr) && !errors.Is(err, ErrMalformedUser) {
		err = &model.NetworkError{Op: "watch tasks", Err: err}
	}
	r.logger.Error("task subscription error", slog.String("error", err.Error()))
	if r.recorder != nil {
		r.recorder.RecordPush(false)
	}

	r.cur.err = err
	r.publish()
	r.deliver(r.active)
}

// deliver は最新のスナップショットを購読チャネルに送る。
// 受信されていない古いスナップショットは捨てる。
func (r *Repository) deliver(sub *subscription) {
	if sub == nil || sub.closed {
		return
	}
	snap := Snapshot{Tasks: copyTasks(r.cur.tasks), Err: r.cur.err}
	select {
	case sub.out <- snap:
		return
	default:
	}
	select {
	case <-sub.out:
	default:
	}
	sub.out <- snap
}

func (r *Repository) publish() {
	s := r.cur
	s.tasks = copyTasks(r.cur.tasks)
	r.published.Store(&s)
}

// Add はタスクを追加する。ローカルの一覧に即座に反映し、書き込みは非同期で行う。
func (r *Repository) Add(t model.Task, email string) {
	r.upsert("add", t, email)
}

// Update はタスクを更新する。同じidのタスクを置き換える。
func (r *Repository) Update(t model.Task, email string) {
	r.upsert("update", t, email)
}

func (r *Repository) upsert(op string, t model.Task, email string) {
	if err := Validate(t); err != nil {
		r.report(err)
		return
	}

	// 1. ローカルの一覧へ楽観的に反映
	r.loop.Post(func() { r.applyLocal(t, email) })

	// 2. リモートへ非同期で書き込み
	path := model.TaskPath(email, t.ID)
	value := encode(t)
	r.enqueueWrite(op, t.ID, func(ctx context.Context) error {
		return r.store.Set(ctx, path, value)
	})
}

// applyLocal はタスクをローカルの一覧にupsertする。ループ上で実行する。
// エラーを保持している間は一覧を更新せず、次に成功したプッシュで反映する。
func (r *Repository) applyLocal(t model.Task, email string) {
	if r.active == nil || model.UserKey(r.cur.email) != model.UserKey(email) {
		return
	}
	if r.cur.err != nil {
		return
	}

	tasks := copyTasks(r.cur.tasks)
	replaced := false
	for i := range tasks {
		if tasks[i].ID == t.ID {
			tasks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		tasks = append(tasks, t)
	}
	Sort(tasks)

	r.cur.tasks = tasks
	r.publish()
	r.deliver(r.active)
}

// Delete はタスクのノードを削除する。一覧からの除去は次のプッシュで反映される。
// 存在しないidの削除は何もしない。
func (r *Repository) Delete(t model.Task, email string) {
	if t.ID == "" {
		r.report(model.NewInvalidTaskError("id is required"))
		return
	}
	path := model.TaskPath(email, t.ID)
	r.enqueueWrite("delete", t.ID, func(ctx context.Context) error {
		return r.store.Delete(ctx, path)
	})
}

// enqueueWrite は書き込みを投入順に非同期で実行する。
func (r *Repository) enqueueWrite(op, taskID string, write func(ctx context.Context) error) {
	r.writeMu.Lock()
	prev := r.lastWrite
	done := make(chan struct{})
	r.lastWrite = done
	r.writeMu.Unlock()

	go func() {
		defer close(done)
		<-prev

		if err := write(context.Background()); err != nil {
			r.logger.Error("task write failed",
				slog.String("op", op),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			if r.recorder != nil {
				r.recorder.RecordWriteFailure(op)
			}
			r.report(fmt.Errorf("failed to %s task %s: %w", op, taskID, err))
		}
	}()
}

// Flush は投入済みの書き込みがすべて完了するまで待つ。
func (r *Repository) Flush(ctx context.Context) error {
	r.writeMu.Lock()
	last := r.lastWrite
	r.writeMu.Unlock()

	select {
	case <-last:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report は非同期エラーをErrorsチャネルに送る。満杯の場合は新しいエラーを捨てる。
func (r *Repository) report(err error) {
	select {
	case r.errs <- err:
	default:
		r.logger.Warn("task error channel full, dropping error", slog.String("error", err.Error()))
	}
}

// Errors は書き込み失敗とレコードのデコード失敗を受け取るチャネルを返す。
func (r *Repository) Errors() <-chan error {
	return r.errs
}

// Tasks は現在のタスク一覧を返す。
func (r *Repository) Tasks() []model.Task {
	return copyTasks(r.published.Load().tasks)
}

// Err は保持中のエラーを返す。
func (r *Repository) Err() error {
	return r.published.Load().err
}

// Loading は最初のプッシュを待っているかどうかを返す。
func (r *Repository) Loading() bool {
	return r.published.Load().loading
}

// Validate はタスクを書き込めるかどうかを検証する。
func Validate(t model.Task) error {
	switch {
	case t.ID == "":
		return model.NewInvalidTaskError("id is required")
	case strings.TrimSpace(t.Text) == "":
		return model.NewInvalidTaskError("text is required")
	case !t.Importance.Valid():
		return model.NewInvalidTaskError(fmt.Sprintf("unknown importance %d", t.Importance))
	}
	return nil
}

func copyTasks(tasks []model.Task) []model.Task {
	out := make([]model.Task, len(tasks))
	copy(out, tasks)
	return out
}
