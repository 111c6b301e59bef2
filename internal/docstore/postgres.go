package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/tasksync/internal/model"
)

// notifyChannel はdoc_nodesの変更通知を受け取るチャネル名。
const notifyChannel = "doc_nodes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresStore はdoc_nodesテーブルにツリーを保存するStore。
// 1ノード1行で保持し、LISTEN/NOTIFYで変更を通知する。
type PostgresStore struct {
	db          *sql.DB
	databaseURL string
	logger      *slog.Logger
}

// NewPostgresStore はPostgresStoreを生成する。
// databaseURLはLISTEN用の専用接続に使用する。
func NewPostgresStore(db *sql.DB, databaseURL string, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, databaseURL: databaseURL, logger: logger}
}

// Set はpathに値を書き込む。子孫の行は削除し、path自身の行を新しいseqで更新する。
func (s *PostgresStore) Set(ctx context.Context, path string, value any) error {
	node, err := normalize(value)
	if err != nil {
		return err
	}
	return s.write(ctx, path, node)
}

// Delete はpathにnullの墓標を書き込み、子孫の行を削除する。
func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	return s.write(ctx, path, nil)
}

func (s *PostgresStore) write(ctx context.Context, path string, node any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("failed to write: empty path")
	}
	path = joinPath(parts)

	data, err := encodeNode(node)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.NetworkError{Op: "begin write " + path, Err: err}
	}
	defer tx.Rollback()

	// 1. 子孫の行を削除
	prefix := path + "/"
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM doc_nodes WHERE left(path, length($1)) = $1`, prefix,
	); err != nil {
		return fmt.Errorf("failed to delete descendants of %s: %w", path, err)
	}

	// 2. 自身の行を新しいseqで更新
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO doc_nodes (path, value, seq, updated_at)
		VALUES ($1, $2::jsonb, nextval('doc_nodes_seq'), now())
		ON CONFLICT (path) DO UPDATE
		SET value = EXCLUDED.value, seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`,
		path, string(data),
	); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write %s: %w", path, err)
	}
	return nil
}

// Read はpathの値を祖先・自身・子孫の行からseq順に再構成して返す。
func (s *PostgresStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	parts := splitPath(path)
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, value FROM doc_nodes
		WHERE path = ANY($1) OR left(path, length($2)) = $2
		ORDER BY seq`,
		pq.Array(ancestors(path)), joinPath(parts)+"/",
	)
	if err != nil {
		return nil, &model.NetworkError{Op: "read " + path, Err: err}
	}
	defer rows.Close()

	var root any
	for rows.Next() {
		var rowPath string
		var raw []byte
		if err := rows.Scan(&rowPath, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan doc node: %w", err)
		}
		node, err := normalize(json.RawMessage(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode doc node %s: %w", rowPath, err)
		}
		root = setNode(root, splitPath(rowPath), node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate doc nodes: %w", err)
	}

	return encodeNode(getNode(root, parts))
}

// postgresWatcher はLISTEN接続1本分の購読を管理する。
type postgresWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close はLISTEN接続を閉じ、受信ゴルーチンの終了を待つ。
func (w *postgresWatcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

// Watch はpath以下の変更をLISTEN/NOTIFYで購読する。
func (s *PostgresStore) Watch(ctx context.Context, path string, fn func(Event)) (Watcher, error) {
	listener := pq.NewListener(s.databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("doc_nodes listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen %s: %w", notifyChannel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &postgresWatcher{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		defer listener.Close()
		s.listenLoop(ctx, listener, path, fn)
	}()
	return w, nil
}

func (s *PostgresStore) listenLoop(ctx context.Context, listener *pq.Listener, path string, fn func(Event)) {
	s.emit(ctx, path, fn)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			// nilは再接続を表すため、通知を取りこぼした可能性がある
			if n != nil && !related(path, n.Extra) {
				continue
			}
			drain(listener.Notify)
			s.emit(ctx, path, fn)
		case <-ticker.C:
			go listener.Ping()
		}
	}
}

// drain は溜まっている通知を読み捨てる。直後の再読み込みで反映される。
func drain(ch <-chan *pq.Notification) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (s *PostgresStore) emit(ctx context.Context, path string, fn func(Event)) {
	value, err := s.Read(ctx, path)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		fn(Event{Err: err})
		return
	}
	fn(Event{Value: value})
}

var _ Store = (*PostgresStore)(nil)
