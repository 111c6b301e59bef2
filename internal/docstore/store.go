// Package docstore はユーザーデータを保持するリモートのドキュメントツリーを抽象化する。
// パスは "users/{key}/tasks/{id}" のような "/" 区切りの文字列で表す。
package docstore

import (
	"context"
	"encoding/json"
)

// Event はWatch中のパスの値が変化したことを表す。
// Valueはパス以下の値全体（存在しない場合は "null"）で、差分ではない。
// Errが設定されている場合はストリームの障害を表し、Valueは空になる。
type Event struct {
	Value json.RawMessage
	Err   error
}

// Watcher はWatchで開始した購読を表す。
// Closeでサーバー側のリスナーを解放する。
type Watcher interface {
	Close() error
}

// Store はドキュメントツリーの読み書きと変更通知を提供する。
type Store interface {
	// Watch はpath以下の変更を購読し、変更のたびに値全体をfnに渡す。
	// 購読開始直後に現在の値を1回通知する。
	// fnはストアの内部ゴルーチンから呼ばれるため、ストアのメソッドを呼び出してはならない。
	Watch(ctx context.Context, path string, fn func(Event)) (Watcher, error)
	// Set はpathに値を書き込む。既存の子ノードは置き換えられる。
	Set(ctx context.Context, path string, value any) error
	// Delete はpathのノードを削除する。存在しないノードの削除は何もしない。
	Delete(ctx context.Context, path string) error
}
