// Package tokenstore はOAuthトークンをOSの資格情報ストアに保存する。
// プロセスのメモリ外に暗号化して保持し、他のコンポーネントはトークンを保持し続けない。
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"github.com/hitoshi/tasksync/internal/model"
)

// TokenKey はトークンの組を保存するキー。
const TokenKey = "oauth_token"

// Store は資格情報ストアへの保存・取得・削除を提供する。
// バックエンドによってはスレッドセーフでないため、アクセスはmuで直列化する。
type Store struct {
	mu   sync.Mutex
	ring keyring.Keyring
}

// Options は資格情報ストアのオープン設定。
type Options struct {
	ServiceName string
	Backend     string // 空の場合はOSの既定バックエンドを自動選択
	FileDir     string
	Password    string
}

// Open は資格情報ストアを開く。
func Open(opts Options) (*Store, error) {
	cfg := keyring.Config{
		ServiceName:              opts.ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  opts.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(opts.Password),
	}
	if opts.Backend != "" {
		cfg.AllowedBackends = []keyring.BackendType{keyring.BackendType(strings.ToLower(opts.Backend))}
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// New は既存のKeyringからStoreを生成する。
// テストではkeyring.NewArrayKeyringを渡す。
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Save はkeyにvalueを保存する。既存の値は上書きする。
func (s *Store) Save(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  value,
		Label: "tasksync " + key,
	}); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Get はkeyの値を返す。存在しない場合はエラーではなくfalseを返す。
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return item.Data, true, nil
}

// Delete はkeyを削除する。存在しないキーの削除は何もしない。
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ring.Remove(key)
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return fmt.Errorf("failed to delete %s: %w", key, err)
}

// SaveTokenPair はトークンの組を1つの項目として保存する。
// 組単位で保存するため、同時に書き込まれても後勝ちで整合性が保たれる。
func (s *Store) SaveTokenPair(pair model.TokenPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to encode token pair: %w", err)
	}
	return s.Save(TokenKey, data)
}

// LoadTokenPair は保存済みのトークンの組を返す。未保存の場合はfalseを返す。
func (s *Store) LoadTokenPair() (model.TokenPair, bool, error) {
	data, ok, err := s.Get(TokenKey)
	if err != nil || !ok {
		return model.TokenPair{}, false, err
	}

	var pair model.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return model.TokenPair{}, false, fmt.Errorf("failed to decode token pair: %w", err)
	}
	if pair.AccessToken == "" {
		return model.TokenPair{}, false, nil
	}
	return pair, true, nil
}

// DeleteTokenPair は保存済みのトークンの組を削除する。
func (s *Store) DeleteTokenPair() error {
	return s.Delete(TokenKey)
}
