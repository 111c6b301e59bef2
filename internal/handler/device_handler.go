package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tasksync/internal/device"
	"github.com/hitoshi/tasksync/internal/middleware"
	"github.com/hitoshi/tasksync/internal/model"
)

// DeviceService はデバイスハンドラーが必要とするインターフェース。
// device.Channelの部分集合として定義する。
type DeviceService interface {
	Devices() []model.Device
	Device(id string) (model.Device, bool)
	ControlDevice(deviceID, command string) bool
	State() device.State
}

// DeviceHandler はデバイスの状態表示と制御のHTTPハンドラー。
type DeviceHandler struct {
	devices DeviceService
}

// NewDeviceHandler はDeviceHandlerを生成する。
func NewDeviceHandler(devices DeviceService) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

// deviceListResponse はデバイス一覧のAPIレスポンス。
type deviceListResponse struct {
	Broker  string         `json:"broker"`
	Devices []model.Device `json:"devices"`
}

// controlRequest はデバイス制御リクエストのボディ。
type controlRequest struct {
	Command string `json:"command"`
}

// List はデバイス一覧をオンライン状態付きで返す。
// GET /api/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices := h.devices.Devices()
	if devices == nil {
		devices = []model.Device{}
	}
	writeJSON(w, http.StatusOK, deviceListResponse{
		Broker:  h.devices.State().String(),
		Devices: devices,
	})
}

// Control はデバイスの制御トピックにコマンドを送信する。
// 未接続の場合はキューせずに503を返す。
// POST /api/devices/{id}/control
func (h *DeviceHandler) Control(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 1. デバイスの確認
	d, ok := h.devices.Device(id)
	if !ok || !d.HasTopic() {
		middleware.WriteError(w, model.NewDeviceNotFoundError(id))
		return
	}

	// 2. コマンドの取得
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("command が空です"))
		return
	}

	// 3. 送信
	if !h.devices.ControlDevice(id, command) {
		middleware.WriteError(w, model.NewDeviceUnavailableError(id))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
