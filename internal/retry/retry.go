// Package retry は再接続のバックオフ戦略を提供する。
// MQTTブローカーとストリーミング接続の両方がこのポリシーで再試行する。
package retry

import (
	"context"
	"time"
)

const (
	// DefaultInitialDelay は初回の再接続待ち時間（5秒）。
	DefaultInitialDelay = 5 * time.Second
	// DefaultMaxDelay は再接続待ち時間の上限（5分）。
	DefaultMaxDelay = 5 * time.Minute
)

// StatusClass はHTTPステータスコードに基づく再試行の分類。
type StatusClass int

const (
	// StatusOK は成功（2xx）。
	StatusOK StatusClass = iota
	// StatusStop は再試行しても回復しないステータス（401/403/404/410）。
	StatusStop
	// StatusBackoff はバックオフ後に再試行するステータス（429/5xx）。
	StatusBackoff
	// StatusUnknown は未知のステータスコード。
	StatusUnknown
)

// ClassifyHTTPStatus はHTTPステータスコードを再試行の分類に変換する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == 401 || statusCode == 403:
		return StatusStop
	case statusCode == 404 || statusCode == 410:
		return StatusStop
	case statusCode == 429:
		return StatusBackoff
	case statusCode >= 500:
		return StatusBackoff
	default:
		return StatusUnknown
	}
}

// Policy は再接続の待ち時間と試行回数の上限を表す。
// MaxAttemptsが0の場合は無制限に再試行する。
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultPolicy はデフォルトのポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{InitialDelay: DefaultInitialDelay, MaxDelay: DefaultMaxDelay}
}

// Fixed は待ち時間が増加しない固定間隔のポリシーを返す。
func Fixed(delay time.Duration, maxAttempts int) Policy {
	return Policy{InitialDelay: delay, MaxDelay: delay, MaxAttempts: maxAttempts}
}

// Backoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回InitialDelay、2倍ずつ増加、最大MaxDelay。
func (p Policy) Backoff(consecutiveFailures int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = DefaultInitialDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay < delay {
		maxDelay = delay
	}
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}

// Exhausted は連続失敗回数が上限に達したかどうかを返す。
func (p Policy) Exhausted(consecutiveFailures int) bool {
	return p.MaxAttempts > 0 && consecutiveFailures >= p.MaxAttempts
}

// Wait はd経過するかctxがキャンセルされるまで待つ。
// キャンセルされた場合はctx.Err()を返す。
func Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
