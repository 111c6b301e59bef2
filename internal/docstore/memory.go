package docstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore はプロセス内のツリーで動作するStore。
// 書き込みのたびに関連するWatcherへ同期的に通知する。
type MemoryStore struct {
	mu       sync.Mutex
	root     any
	nextID   int
	watchers map[int]*memoryWatcher
}

type memoryWatcher struct {
	store *MemoryStore
	id    int
	path  string
	fn    func(Event)
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{watchers: make(map[int]*memoryWatcher)}
}

// Watch はpath以下の変更を購読する。現在の値を即座に1回通知する。
func (s *MemoryStore) Watch(ctx context.Context, path string, fn func(Event)) (Watcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	w := &memoryWatcher{store: s, id: s.nextID, path: path, fn: fn}
	s.watchers[w.id] = w
	s.notifyLocked(w)
	return w, nil
}

// Set はpathに値を書き込む。
func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	node, err := normalize(value)
	if err != nil {
		return err
	}
	return s.apply(path, node)
}

// Delete はpathのノードを削除する。
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.apply(path, nil)
}

// Get はpathの現在の値をJSONで返す。
func (s *MemoryStore) Get(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeNode(getNode(s.root, splitPath(path)))
}

// InjectError はpathに関連するWatcherにストリーム障害を通知する。
func (s *MemoryStore) InjectError(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		if related(w.path, path) {
			w.fn(Event{Err: err})
		}
	}
}

// WatcherCount は有効なWatcherの数を返す。
func (s *MemoryStore) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *MemoryStore) apply(path string, node any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("failed to write: empty path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.root = setNode(s.root, parts, node)
	for _, w := range s.watchers {
		if related(w.path, path) {
			s.notifyLocked(w)
		}
	}
	return nil
}

func (s *MemoryStore) notifyLocked(w *memoryWatcher) {
	value, err := encodeNode(getNode(s.root, splitPath(w.path)))
	if err != nil {
		w.fn(Event{Err: err})
		return
	}
	w.fn(Event{Value: value})
}

// Close は購読を解除する。2回目以降の呼び出しは何もしない。
func (w *memoryWatcher) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	delete(w.store.watchers, w.id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
