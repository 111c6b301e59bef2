package docstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/retry"
)

const firebaseWriteTimeout = 30 * time.Second

// ErrStreamCancelled はセキュリティルールによりストリームが打ち切られたことを表す。
var ErrStreamCancelled = errors.New("stream cancelled by server")

// ErrAuthRevoked は認証情報が失効したことを表す。
var ErrAuthRevoked = errors.New("stream auth revoked")

// FirebaseConfig はRealtime Database REST APIの設定。
type FirebaseConfig struct {
	BaseURL    string // 例: https://example-default-rtdb.firebaseio.com
	AuthToken  string // データベースシークレットまたはIDトークン
	HTTPClient *http.Client
	Retry      retry.Policy
}

// FirebaseStore はRealtime Database REST APIを使うStore。
// 購読はServer-Sent Eventsのストリーミングで受信する。
type FirebaseStore struct {
	baseURL   string
	authToken string
	client    *http.Client
	policy    retry.Policy
	logger    *slog.Logger
}

// NewFirebaseStore はFirebaseStoreを生成する。
func NewFirebaseStore(cfg FirebaseConfig, logger *slog.Logger) *FirebaseStore {
	client := cfg.HTTPClient
	if client == nil {
		// ストリームは長時間接続するためクライアント全体のタイムアウトは設定しない
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FirebaseStore{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		client:    client,
		policy:    cfg.Retry,
		logger:    logger,
	}
}

// nodeURL はpathに対応するRESTエンドポイントのURLを返す。
func (s *FirebaseStore) nodeURL(path string) string {
	u := s.baseURL + "/" + strings.Trim(path, "/") + ".json"
	if s.authToken != "" {
		u += "?" + url.Values{"auth": {s.authToken}}.Encode()
	}
	return u
}

// Set はpathに値をPUTする。
func (s *FirebaseStore) Set(ctx context.Context, path string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return s.do(ctx, http.MethodPut, path, body)
}

// Delete はpathのノードをDELETEする。
func (s *FirebaseStore) Delete(ctx context.Context, path string) error {
	return s.do(ctx, http.MethodDelete, path, nil)
}

func (s *FirebaseStore) do(ctx context.Context, method, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, firebaseWriteTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.nodeURL(path), reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &model.NetworkError{Op: strings.ToLower(method) + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// firebaseWatcher はストリーミング購読の1接続を管理する。
type firebaseWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close はストリームを切断し、受信ゴルーチンの終了を待つ。
func (w *firebaseWatcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

// Watch はpath以下の変更をストリーミングで購読する。
// 切断時はretry.Policyに従って再接続する。
func (s *FirebaseStore) Watch(ctx context.Context, path string, fn func(Event)) (Watcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	w := &firebaseWatcher{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		s.watchLoop(ctx, path, fn)
	}()
	return w, nil
}

func (s *FirebaseStore) watchLoop(ctx context.Context, path string, fn func(Event)) {
	failures := 0
	for {
		connected, err := s.stream(ctx, path, fn)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		}

		var stop *stopError
		if errors.As(err, &stop) {
			s.logger.Error("stream stopped",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			fn(Event{Err: stop.err})
			return
		}

		fn(Event{Err: &model.NetworkError{Op: "watch " + path, Err: err}})
		if s.policy.Exhausted(failures + 1) {
			s.logger.Error("stream reconnect attempts exhausted",
				slog.String("path", path),
				slog.Int("attempt", failures+1),
			)
			return
		}

		delay := s.policy.Backoff(failures)
		failures++
		s.logger.Warn("stream disconnected, reconnecting",
			slog.String("path", path),
			slog.Int("attempt", failures),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if retry.Wait(ctx, delay) != nil {
			return
		}
	}
}

// stopError は再接続しても回復しない障害を表す。
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// streamPayload はput/patchイベントのデータ部。
type streamPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// stream は1回分のストリーム接続を処理する。
// 接続に成功した場合はconnected=trueを返す。
func (s *FirebaseStore) stream(ctx context.Context, path string, fn func(Event)) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.nodeURL(path), nil)
	if err != nil {
		return false, &stopError{err: fmt.Errorf("failed to create stream request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch retry.ClassifyHTTPStatus(resp.StatusCode) {
	case retry.StatusOK:
	case retry.StatusStop:
		return false, &stopError{err: fmt.Errorf("stream rejected with status %d", resp.StatusCode)}
	default:
		return false, fmt.Errorf("stream failed with status %d", resp.StatusCode)
	}

	// 受信したイベントを適用するローカルのミラー
	var mirror any
	err = readEvents(resp.Body, func(event, data string) error {
		switch event {
		case "put", "patch":
			var p streamPayload
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				return fmt.Errorf("failed to decode %s event: %w", event, err)
			}
			next, aerr := applyStreamEvent(mirror, event, p)
			if aerr != nil {
				return aerr
			}
			mirror = next
			value, eerr := encodeNode(mirror)
			if eerr != nil {
				return eerr
			}
			fn(Event{Value: value})
		case "keep-alive":
		case "cancel":
			return &stopError{err: ErrStreamCancelled}
		case "auth_revoked":
			return ErrAuthRevoked
		default:
			s.logger.Debug("ignoring stream event", slog.String("event", event))
		}
		return nil
	})
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return true, err
}

// applyStreamEvent はput/patchイベントをミラーに適用する。
func applyStreamEvent(mirror any, event string, p streamPayload) (any, error) {
	data, err := normalize(p.Data)
	if err != nil {
		return mirror, err
	}
	parts := splitPath(p.Path)

	if event == "put" {
		return setNode(mirror, parts, data), nil
	}

	children, ok := data.(map[string]any)
	if !ok {
		return mirror, fmt.Errorf("patch data at %q is not an object", p.Path)
	}
	for k, v := range children {
		mirror = setNode(mirror, append(append([]string{}, parts...), splitPath(k)...), v)
	}
	return mirror, nil
}

// readEvents はServer-Sent Eventsを読み、イベントごとにfnを呼ぶ。
// fnがエラーを返すか、ストリームが終了するまで読み続ける。
func readEvents(r io.Reader, fn func(event, data string) error) error {
	br := bufio.NewReader(r)
	var event string
	var data []string

	for {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				if ferr := fn(event, strings.Join(data, "\n")); ferr != nil {
					return ferr
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// コメント行
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

var _ Store = (*FirebaseStore)(nil)
