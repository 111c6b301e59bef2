// Package session はログインからログアウトまでの認証状態を管理する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hitoshi/tasksync/internal/dispatch"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/task"
)

// Authenticator はOAuthプロバイダーとのやり取りを行うインターフェース。
type Authenticator interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) error
	AccessToken(ctx context.Context) (string, error)
	FetchEmail(ctx context.Context) (string, error)
}

// TokenStore はログアウト時にトークンを削除するためのインターフェース。
type TokenStore interface {
	DeleteTokenPair() error
}

// TaskSubscriber はタスクのライブ購読を開始・解除するインターフェース。
type TaskSubscriber interface {
	Subscribe(email string) (<-chan task.Snapshot, error)
	Unsubscribe()
}

// DeviceChannel はブローカー接続の開始・停止を行うインターフェース。
type DeviceChannel interface {
	Start(ctx context.Context)
	Stop()
}

// Options はControllerの設定。
type Options struct {
	// UserEmail が設定されている場合はプロフィール取得を行わずにこの値を使う
	UserEmail string
}

// state は表示層から参照されるセッション状態。更新はdispatchループ上でのみ行う。
type state struct {
	authenticated bool
	email         string
	err           error
	snapshots     <-chan task.Snapshot
}

// Controller は認証状態を保持し、ログイン・ログアウトに合わせて購読とブローカー接続を開閉する。
type Controller struct {
	auth    Authenticator
	tokens  TokenStore
	tasks   TaskSubscriber
	devices DeviceChannel
	loop    *dispatch.Loop
	opts    Options
	logger  *slog.Logger

	// mu はログイン・ログアウト処理を直列化する
	mu sync.Mutex

	published atomic.Pointer[state]
}

// NewController はControllerを生成する。devicesがnilの場合はブローカーを使わない。
func NewController(auth Authenticator, tokens TokenStore, tasks TaskSubscriber, devices DeviceChannel, loop *dispatch.Loop, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		auth:    auth,
		tokens:  tokens,
		tasks:   tasks,
		devices: devices,
		loop:    loop,
		opts:    opts,
		logger:  logger,
	}
	c.published.Store(&state{})
	return c
}

// LoginURL は認可画面のURLと、コールバックで照合するstate値を返す。
func (c *Controller) LoginURL() (string, string) {
	st := uuid.NewString()
	return c.auth.AuthorizeURL(st), st
}

// HandleAuthCallback はリダイレクトURLから認可コードを取り出してトークンに交換し、
// セッションを開始する。codeがない場合は交換を行わずにエラーを設定する。
func (c *Controller) HandleAuthCallback(ctx context.Context, redirectURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 1. 認可コードの取り出し
	code, err := extractCode(redirectURL)
	if err != nil {
		c.logger.Warn("auth callback rejected", slog.String("error", err.Error()))
		c.update(ctx, func(s *state) { s.err = err })
		return err
	}

	// 2. トークンに交換
	if err := c.auth.ExchangeCode(ctx, code); err != nil {
		c.logger.Error("authorization code exchange failed", slog.String("error", err.Error()))
		c.update(ctx, func(s *state) { s.err = err })
		return err
	}

	// 3. 購読とブローカー接続を開始
	return c.startLocked(ctx)
}

// Restore は保存済みのトークンがあればログイン済みとしてセッションを再開する。
// トークンがない場合は何もしない。
func (c *Controller) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.auth.AccessToken(ctx); err != nil {
		if errors.Is(err, model.ErrNotAuthenticated) {
			c.logger.Info("no stored token, waiting for login")
			return nil
		}
		c.logger.Warn("failed to restore session", slog.String("error", err.Error()))
		c.update(ctx, func(s *state) { s.err = err })
		return err
	}
	return c.startLocked(ctx)
}

// startLocked はメールアドレスを確定し、タスク購読とブローカー接続を開始する。
func (c *Controller) startLocked(ctx context.Context) error {
	email := c.opts.UserEmail
	if email == "" {
		var err error
		email, err = c.auth.FetchEmail(ctx)
		if err != nil {
			err = fmt.Errorf("failed to resolve account email: %w", err)
			c.logger.Error("profile lookup failed", slog.String("error", err.Error()))
			c.update(ctx, func(s *state) { s.err = err })
			return err
		}
	}

	snapshots, err := c.tasks.Subscribe(email)
	if err != nil {
		err = fmt.Errorf("failed to subscribe tasks: %w", err)
		c.update(ctx, func(s *state) { s.err = err })
		return err
	}

	if c.devices != nil {
		c.devices.Start(context.WithoutCancel(ctx))
	}

	c.update(ctx, func(s *state) {
		*s = state{authenticated: true, email: email, snapshots: snapshots}
	})
	c.logger.Info("session started", slog.String("user", model.UserKey(email)))
	return nil
}

// Logout はトークンを削除し、タスク購読とブローカー接続を閉じる。
// トークンの削除に失敗しても購読と接続は閉じる。
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if err := c.tokens.DeleteTokenPair(); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete token: %w", err))
	}

	c.tasks.Unsubscribe()
	if c.devices != nil {
		c.devices.Stop()
	}

	err := errors.Join(errs...)
	c.update(ctx, func(s *state) { *s = state{err: err} })
	c.logger.Info("session ended")
	return err
}

// update はループ上で状態を変更し、公開する。
func (c *Controller) update(ctx context.Context, fn func(s *state)) {
	err := c.loop.Do(ctx, func() {
		next := *c.published.Load()
		fn(&next)
		c.published.Store(&next)
	})
	if err != nil {
		c.logger.Warn("failed to update session state", slog.String("error", err.Error()))
	}
}

// IsAuthenticated はログイン済みかどうかを返す。
func (c *Controller) IsAuthenticated() bool {
	return c.published.Load().authenticated
}

// Email はログイン中のメールアドレスを返す。未ログインの場合は空文字。
func (c *Controller) Email() string {
	return c.published.Load().email
}

// Error は直近のログイン・ログアウト処理のエラーを返す。
func (c *Controller) Error() error {
	return c.published.Load().err
}

// Snapshots は現在のタスク購読のスナップショットチャネルを返す。未ログインの場合はnil。
func (c *Controller) Snapshots() <-chan task.Snapshot {
	return c.published.Load().snapshots
}

// extractCode はリダイレクトURLのクエリからcodeを取り出す。
func extractCode(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", &model.AuthError{Reason: "invalid redirect url", Err: err}
	}

	q := u.Query()
	if reason := q.Get("error"); reason != "" {
		if desc := q.Get("error_description"); desc != "" {
			reason += ": " + desc
		}
		return "", &model.AuthError{Reason: reason}
	}

	code := q.Get("code")
	if code == "" {
		return "", &model.AuthError{Reason: "missing authorization code"}
	}
	return code, nil
}
