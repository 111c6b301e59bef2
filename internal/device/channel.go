package device

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/tasksync/internal/dispatch"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/retry"
)

// eventBufferSize はEventsチャネルのバッファ長。
const eventBufferSize = 64

// State はブローカー接続の状態。
type State int

const (
	// StateDisconnected は未接続。
	StateDisconnected State = iota
	// StateConnecting は接続処理中。
	StateConnecting
	// StateConnected は接続済みで、状態トピックを購読している。
	StateConnected
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StatusEvent はデバイスのオンライン状態の変化を表す。
type StatusEvent struct {
	DeviceID string
	Online   bool
}

// Recorder はブローカー接続の状態とコマンド送信の結果を記録するインターフェース。
type Recorder interface {
	SetBrokerState(state string)
	RecordReconnect()
	RecordCommand(outcome string)
}

// snapshot は表示層から参照される状態。更新はdispatchループ上でのみ行う。
type snapshot struct {
	state  State
	online map[string]bool
}

// Channel はブローカーとの接続を1本維持し、デバイスの状態監視と制御を行う。
type Channel struct {
	registry *Registry
	dialer   Dialer
	loop     *dispatch.Loop
	policy   retry.Policy
	logger   *slog.Logger
	recorder Recorder
	events   chan StatusEvent

	// 以下はdispatchループ上でのみ変更する
	cur snapshot

	published atomic.Pointer[snapshot]

	// connMu は現在の接続を保護する
	connMu sync.Mutex
	conn   Conn

	// runMu は接続ループの開始・停止を直列化する
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel はChannelを生成する。Startを呼ぶまで接続しない。
func NewChannel(registry *Registry, dialer Dialer, loop *dispatch.Loop, policy retry.Policy, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		registry: registry,
		dialer:   dialer,
		loop:     loop,
		policy:   policy,
		logger:   logger,
		events:   make(chan StatusEvent, eventBufferSize),
		cur:      snapshot{state: StateDisconnected, online: map[string]bool{}},
	}
	c.published.Store(&snapshot{state: StateDisconnected, online: map[string]bool{}})
	return c
}

// SetRecorder はメトリクスの記録先を設定する。
func (c *Channel) SetRecorder(r Recorder) {
	c.recorder = r
}

// Start は接続ループを開始する。すでに開始している場合は何もしない。
func (c *Channel) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		c.run(ctx)
	}(c.done)
}

// Stop は接続を切断し、接続ループの終了を待つ。
func (c *Channel) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

// run は切断のたびにretry.Policyに従って再接続する。
func (c *Channel) run(ctx context.Context) {
	failures := 0
	for {
		c.setState(StateConnecting)

		lost := make(chan error, 1)
		conn, err := c.dialer.Dial(ctx, func(err error) {
			select {
			case lost <- err:
			default:
			}
		})
		if err == nil {
			err = c.subscribeAll(conn)
			if err != nil {
				conn.Disconnect()
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			failures++
			c.logger.Warn("broker connection failed",
				slog.Int("attempt", failures),
				slog.String("error", err.Error()),
			)
		} else {
			failures = 0
			c.setConn(conn)
			c.setState(StateConnected)
			c.logger.Info("broker connected", slog.Int("topics", len(c.registry.StatusTopics())))

			select {
			case <-ctx.Done():
				c.setConn(nil)
				conn.Disconnect()
				c.setState(StateDisconnected)
				c.logger.Info("broker disconnected")
				return
			case err := <-lost:
				c.setConn(nil)
				msg := "connection lost"
				if err != nil {
					msg = err.Error()
				}
				c.logger.Warn("broker connection lost", slog.String("error", msg))
			}
		}

		c.setState(StateDisconnected)
		if c.policy.Exhausted(failures) {
			c.logger.Error("broker reconnect attempts exhausted", slog.Int("attempt", failures))
			return
		}

		delay := c.reconnectDelay(failures)
		c.logger.Info("broker reconnecting",
			slog.Int("attempt", failures+1),
			slog.Duration("delay", delay),
		)
		if retry.Wait(ctx, delay) != nil {
			return
		}
		if c.recorder != nil {
			c.recorder.RecordReconnect()
		}
	}
}

// reconnectDelay は次の接続試行までの待ち時間を返す。
// 切断直後（failures=0）と初回の接続失敗（failures=1）はどちらもInitialDelayから始める。
func (c *Channel) reconnectDelay(failures int) time.Duration {
	return c.policy.Backoff(max(failures-1, 0))
}

// subscribeAll はトピックを持つすべてのデバイスの状態トピックを購読する。
func (c *Channel) subscribeAll(conn Conn) error {
	for _, topic := range c.registry.StatusTopics() {
		if err := conn.Subscribe(topic, c.onMessage); err != nil {
			return err
		}
	}
	return nil
}

// onMessage はネットワーク側のゴルーチンから呼ばれる。状態の更新はループに渡す。
func (c *Channel) onMessage(topic string, payload []byte) {
	c.loop.Post(func() { c.applyStatus(topic, payload) })
}

// applyStatus は状態メッセージをデバイスのオンライン状態に反映する。ループ上で実行する。
// ペイロードが "online"（大文字小文字を区別しない）ならオンライン、それ以外はオフライン。
func (c *Channel) applyStatus(topic string, payload []byte) {
	id, ok := c.registry.DeviceForStatusTopic(topic)
	if !ok {
		c.logger.Warn("status for unknown topic", slog.String("topic", topic))
		return
	}

	online := strings.EqualFold(strings.TrimSpace(string(payload)), "online")
	if c.cur.online[id] == online {
		return
	}

	next := make(map[string]bool, len(c.cur.online)+1)
	for k, v := range c.cur.online {
		next[k] = v
	}
	next[id] = online
	c.cur.online = next
	c.publish()

	c.logger.Info("device status changed",
		slog.String("device_id", id),
		slog.Bool("online", online),
	)
	select {
	case c.events <- StatusEvent{DeviceID: id, Online: online}:
	default:
		c.logger.Warn("device event channel full, dropping event", slog.String("device_id", id))
	}
}

func (c *Channel) setState(s State) {
	c.loop.Post(func() {
		if c.cur.state == s {
			return
		}
		c.cur.state = s
		c.publish()
		if c.recorder != nil {
			c.recorder.SetBrokerState(s.String())
		}
	})
}

func (c *Channel) publish() {
	s := c.cur
	c.published.Store(&s)
}

func (c *Channel) setConn(conn Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

// ControlDevice はデバイスの制御トピックにコマンドを送信する。
// 未接続の場合やトピックのないデバイスには送信せずfalseを返す。コマンドはキューしない。
func (c *Channel) ControlDevice(deviceID, command string) bool {
	d, ok := c.registry.Device(deviceID)
	if !ok || !d.HasTopic() {
		c.recordCommand("unknown_device")
		return false
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		c.logger.Debug("dropping command while disconnected", slog.String("device_id", deviceID))
		c.recordCommand("dropped")
		return false
	}

	if err := conn.Publish(d.ControlTopic(), []byte(command)); err != nil {
		c.logger.Warn("failed to publish command",
			slog.String("device_id", deviceID),
			slog.String("topic", d.ControlTopic()),
			slog.String("error", err.Error()),
		)
		c.recordCommand("failed")
		return false
	}
	c.recordCommand("sent")
	return true
}

func (c *Channel) recordCommand(outcome string) {
	if c.recorder != nil {
		c.recorder.RecordCommand(outcome)
	}
}

// State は現在の接続状態を返す。
func (c *Channel) State() State {
	return c.published.Load().state
}

// Devices は登録済みデバイスを現在のオンライン状態付きで返す。
func (c *Channel) Devices() []model.Device {
	online := c.published.Load().online
	devices := c.registry.Devices()
	for i := range devices {
		devices[i].IsOnline = online[devices[i].ID]
	}
	return devices
}

// Device はIDでデバイスを現在のオンライン状態付きで返す。
func (c *Channel) Device(id string) (model.Device, bool) {
	d, ok := c.registry.Device(id)
	if !ok {
		return d, false
	}
	d.IsOnline = c.published.Load().online[id]
	return d, true
}

// Events はデバイスの状態変化を受け取るチャネルを返す。
func (c *Channel) Events() <-chan StatusEvent {
	return c.events
}
