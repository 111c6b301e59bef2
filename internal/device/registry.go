// Package device はIoTデバイスの登録情報と、MQTTブローカー経由の状態監視・制御を提供する。
package device

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/tasksync/internal/model"
)

// Registry は静的なデバイス一覧と、状態トピックからデバイスIDへの対応表を保持する。
// 生成後は変更しない。
type Registry struct {
	devices       []model.Device
	byID          map[string]int
	byStatusTopic map[string]string
}

// registryFile はデバイス登録ファイルの形式。
type registryFile struct {
	Devices []model.Device `yaml:"devices"`
}

// NewRegistry はデバイス一覧からRegistryを生成する。
// IDの重複、空のID、同じトピックを持つデバイスはエラーにする。
func NewRegistry(devices []model.Device) (*Registry, error) {
	r := &Registry{
		devices:       make([]model.Device, 0, len(devices)),
		byID:          make(map[string]int, len(devices)),
		byStatusTopic: make(map[string]string),
	}

	for _, d := range devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device %q has no id", d.Name)
		}
		if _, ok := r.byID[d.ID]; ok {
			return nil, fmt.Errorf("duplicate device id %q", d.ID)
		}
		if d.HasTopic() {
			topic := d.StatusTopic()
			if other, ok := r.byStatusTopic[topic]; ok {
				return nil, fmt.Errorf("devices %q and %q share topic %q", other, d.ID, d.MQTTTopic)
			}
			r.byStatusTopic[topic] = d.ID
		}

		// 起動時はすべてオフライン扱い
		d.IsOnline = false
		r.byID[d.ID] = len(r.devices)
		r.devices = append(r.devices, d)
	}
	return r, nil
}

// LoadRegistry はYAMLファイルからRegistryを読み込む。
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse device registry: %w", err)
	}
	return NewRegistry(file.Devices)
}

// Devices は登録順のデバイス一覧を返す。
func (r *Registry) Devices() []model.Device {
	out := make([]model.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Device はIDでデバイスを探す。
func (r *Registry) Device(id string) (model.Device, bool) {
	i, ok := r.byID[id]
	if !ok {
		return model.Device{}, false
	}
	return r.devices[i], true
}

// DeviceForStatusTopic は状態トピックに対応するデバイスIDを返す。
func (r *Registry) DeviceForStatusTopic(topic string) (string, bool) {
	id, ok := r.byStatusTopic[topic]
	return id, ok
}

// StatusTopics は購読する状態トピックを登録順に返す。
func (r *Registry) StatusTopics() []string {
	var topics []string
	for _, d := range r.devices {
		if d.HasTopic() {
			topics = append(topics, d.StatusTopic())
		}
	}
	return topics
}
