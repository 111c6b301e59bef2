package model

// Device は外部に登録されたIoTエンドポイントを表す。
// MQTTTopicが空のデバイスは表示専用で、状態監視・制御の対象外。
type Device struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	ImageKey  string `json:"image_key" yaml:"image_key"`
	Type      string `json:"type" yaml:"type"`
	IsOnline  bool   `json:"is_online" yaml:"is_online"`
	MQTTTopic string `json:"mqtt_topic,omitempty" yaml:"mqtt_topic"`
}

// HasTopic はブローカーのトピックが設定されているかどうかを返す。
func (d Device) HasTopic() bool {
	return d.MQTTTopic != ""
}

// StatusTopic は状態通知を購読するトピックを返す。
func (d Device) StatusTopic() string {
	return d.MQTTTopic + "/status"
}

// ControlTopic は制御コマンドを送信するトピックを返す。
func (d Device) ControlTopic() string {
	return d.MQTTTopic + "/control"
}
