package device

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// qosBestEffort はQoS 0（最大1回配送）。
const qosBestEffort byte = 0

const (
	connectTimeout    = 30 * time.Second
	disconnectQuiesce = 250 // ミリ秒
	defaultKeepAlive  = 60 * time.Second
)

// MessageHandler はトピックに届いたメッセージを受け取る。
type MessageHandler func(topic string, payload []byte)

// Conn はブローカーとの1接続。
type Conn interface {
	Subscribe(topic string, handler MessageHandler) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// Dialer はブローカーへ接続する。onLostは確立後の接続が切れたときに呼ばれる。
type Dialer interface {
	Dial(ctx context.Context, onLost func(error)) (Conn, error)
}

// MQTTConfig はブローカー接続の設定。
type MQTTConfig struct {
	BrokerURL string // 例: tcp://broker.example.com:1883
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
}

// PahoDialer はpaho.mqtt.golangでブローカーへ接続するDialer。
// 再接続はChannelの状態遷移で行うため、pahoの自動再接続は無効にする。
type PahoDialer struct {
	cfg MQTTConfig
}

// NewPahoDialer はPahoDialerを生成する。
func NewPahoDialer(cfg MQTTConfig) *PahoDialer {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &PahoDialer{cfg: cfg}
}

// Dial はブローカーへ接続する。ctxがキャンセルされた場合は接続を中断する。
func (d *PahoDialer) Dial(ctx context.Context, onLost func(error)) (Conn, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(d.cfg.BrokerURL).
		SetClientID(d.cfg.ClientID).
		SetKeepAlive(d.cfg.KeepAlive).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.cfg.BrokerURL, err)
	}
	return &pahoConn{client: client}, nil
}

// pahoConn はpahoクライアントをConnとして扱うアダプター。
type pahoConn struct {
	client mqtt.Client
}

func (c *pahoConn) Subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qosBestEffort, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, qosBestEffort, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}
