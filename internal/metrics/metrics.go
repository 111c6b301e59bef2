// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// brokerStates はブローカー接続状態のゲージに使うラベル値。
var brokerStates = []string{"disconnected", "connecting", "connected"}

// Collector はPrometheusメトリクスを収集する実装。
// task.Recorder、device.Recorder、auth.Recorder、middleware.StatusRecorderを満たす。
type Collector struct {
	pushes         *prometheus.CounterVec
	decodeFailures prometheus.Counter
	writeFailures  *prometheus.CounterVec
	brokerState    *prometheus.GaugeVec
	reconnects     prometheus.Counter
	commands       *prometheus.CounterVec
	tokenExchanges *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_task_pushes_total",
			Help: "タスク購読のプッシュ受信数（結果別）",
		}, []string{"result"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksync_task_decode_failures_total",
			Help: "デコードできずにスキップしたタスクレコードの合計数",
		}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_task_write_failures_total",
			Help: "リモートへのタスク書き込み失敗数（操作別）",
		}, []string{"op"}),
		brokerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tasksync_broker_state",
			Help: "ブローカー接続状態（現在の状態のみ1）",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksync_broker_reconnects_total",
			Help: "ブローカーへの再接続試行の合計数",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_device_commands_total",
			Help: "デバイス制御コマンドの送信数（結果別）",
		}, []string{"outcome"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_token_exchanges_total",
			Help: "認可コード交換の実行数（結果別）",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_http_status_total",
			Help: "ローカルAPIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.pushes,
		c.decodeFailures,
		c.writeFailures,
		c.brokerState,
		c.reconnects,
		c.commands,
		c.tokenExchanges,
		c.httpStatus,
	)

	c.SetBrokerState("disconnected")
	return c
}

// RecordPush はタスク購読のプッシュ受信を記録する。
func (c *Collector) RecordPush(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.pushes.WithLabelValues(result).Inc()
}

// RecordDecodeFailure はスキップしたタスクレコードを記録する。
func (c *Collector) RecordDecodeFailure() {
	c.decodeFailures.Inc()
}

// RecordWriteFailure はタスク書き込みの失敗を記録する。
func (c *Collector) RecordWriteFailure(op string) {
	c.writeFailures.WithLabelValues(op).Inc()
}

// SetBrokerState は現在のブローカー接続状態を記録する。
func (c *Collector) SetBrokerState(state string) {
	for _, s := range brokerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.brokerState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect はブローカーへの再接続試行を記録する。
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// RecordCommand はデバイス制御コマンドの結果を記録する。
func (c *Collector) RecordCommand(outcome string) {
	c.commands.WithLabelValues(outcome).Inc()
}

// RecordTokenExchange は認可コード交換の結果を記録する。
func (c *Collector) RecordTokenExchange(outcome string) {
	c.tokenExchanges.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
