package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tasksync/internal/middleware"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/security"
	"github.com/hitoshi/tasksync/internal/task"
)

// TaskService はタスクハンドラーが必要とするリポジトリのインターフェース。
// task.Repositoryの部分集合として定義する。
type TaskService interface {
	Tasks() []model.Task
	Err() error
	Loading() bool
	Add(t model.Task, email string)
	Update(t model.Task, email string)
	Delete(t model.Task, email string)
}

// TaskHandler はタスク管理のHTTPハンドラー。
type TaskHandler struct {
	tasks     TaskService
	catalog   *task.Catalog
	sanitizer *security.TextSanitizer
	now       func() time.Time
}

// NewTaskHandler はTaskHandlerを生成する。catalogはnilでもよい。
func NewTaskHandler(tasks TaskService, catalog *task.Catalog, sanitizer *security.TextSanitizer) *TaskHandler {
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &TaskHandler{
		tasks:     tasks,
		catalog:   catalog,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// shoppingItemJSON は買い物リストの商品のAPI表現。
type shoppingItemJSON struct {
	Name            string `json:"name,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	Price           string `json:"price,omitempty"`
	DiscountedPrice string `json:"discounted_price,omitempty"`
	ShortName       string `json:"short_name"`
	PurchaseURL     string `json:"purchase_url,omitempty"`
}

// taskResponse はタスクのAPIレスポンス。
type taskResponse struct {
	ID           string             `json:"id"`
	Text         string             `json:"text"`
	Date         string             `json:"date"`
	CreatedAt    time.Time          `json:"created_at"`
	Priority     *int               `json:"priority,omitempty"`
	Importance   int                `json:"importance,omitempty"`
	Important    bool               `json:"important"`
	ShoppingList []shoppingItemJSON `json:"shopping_list,omitempty"`
}

// taskListResponse はタスク一覧のAPIレスポンス。
type taskListResponse struct {
	Tasks   []taskResponse `json:"tasks"`
	Loading bool           `json:"loading"`
	Error   *string        `json:"error"`
	Stats   task.Stats     `json:"stats"`
}

// taskRequest はタスク作成・更新リクエストのボディ。
type taskRequest struct {
	Text         *string            `json:"text"`
	Date         *string            `json:"date"`
	Priority     *int               `json:"priority"`
	Importance   *int               `json:"importance"`
	ShoppingList []shoppingItemJSON `json:"shopping_list"`
}

// List は現在のタスク一覧と集計を返す。
// GET /api/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks := h.tasks.Tasks()

	resp := taskListResponse{
		Tasks:   make([]taskResponse, 0, len(tasks)),
		Loading: h.tasks.Loading(),
		Stats:   task.ComputeStats(tasks, model.DateOf(h.now())),
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toTaskResponse(t))
	}
	if err := h.tasks.Err(); err != nil {
		msg := err.Error()
		resp.Error = &msg
	}

	writeJSON(w, http.StatusOK, resp)
}

// Create はタスクを作成する。書き込みは非同期で行い、202を返す。
// POST /api/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	email, err := middleware.UserFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrNotAuthenticated)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}

	now := h.now()
	t := model.Task{ID: task.NewID(now), CreatedAt: now.UTC()}
	if apiErr := h.apply(&t, req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}
	// 買い物リストの指定がなければ本文から抽出する
	if req.ShoppingList == nil {
		t.ShoppingList = task.ExtractShoppingList(t.Text, h.catalog)
	}
	if err := task.Validate(t); err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.tasks.Add(t, email)
	writeJSON(w, http.StatusAccepted, toTaskResponse(t))
}

// Update はタスクを更新する。指定されたフィールドだけを置き換える。
// PUT /api/tasks/{id}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	email, err := middleware.UserFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrNotAuthenticated)
		return
	}

	id := chi.URLParam(r, "id")
	current, ok := h.find(id)
	if !ok {
		middleware.WriteError(w, model.NewTaskNotFoundError(id))
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}

	if apiErr := h.apply(&current, req); apiErr != nil {
		middleware.WriteError(w, apiErr)
		return
	}
	if err := task.Validate(current); err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.tasks.Update(current, email)
	writeJSON(w, http.StatusAccepted, toTaskResponse(current))
}

// Delete はタスクを削除する。存在しないidの削除も成功として扱う。
// DELETE /api/tasks/{id}
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	email, err := middleware.UserFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrNotAuthenticated)
		return
	}

	id := chi.URLParam(r, "id")
	h.tasks.Delete(model.Task{ID: id}, email)
	w.WriteHeader(http.StatusNoContent)
}

// apply はリクエストの指定されたフィールドをタスクに反映する。
func (h *TaskHandler) apply(t *model.Task, req taskRequest) *model.APIError {
	if req.Text != nil {
		t.Text = h.sanitizer.SanitizeText(*req.Text)
	}
	if req.Date != nil {
		date := strings.TrimSpace(*req.Date)
		if _, err := model.ParseDate(date); err != nil {
			return model.NewInvalidTaskError("date must be dd.mm.yyyy")
		}
		t.Date = date
	}
	if req.Priority != nil {
		p := *req.Priority
		t.Priority = &p
	}
	if req.Importance != nil {
		imp := model.Importance(*req.Importance)
		if !imp.Valid() {
			return model.NewInvalidTaskError("importance must be 1 or 2")
		}
		t.Importance = imp
	}
	if req.ShoppingList != nil {
		t.ShoppingList = h.shoppingList(req.ShoppingList)
	}
	if t.Date == "" {
		return model.NewInvalidTaskError("date is required")
	}
	return nil
}

// shoppingList はリクエストの商品を無害化し、同じ商品の重複を除く。
func (h *TaskHandler) shoppingList(items []shoppingItemJSON) []model.ShoppingItem {
	out := make([]model.ShoppingItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		item := model.ShoppingItem{
			Name:            h.sanitizer.SanitizeText(it.Name),
			ImageURL:        h.sanitizer.SanitizeURL(it.ImageURL),
			Price:           h.sanitizer.SanitizeText(it.Price),
			DiscountedPrice: h.sanitizer.SanitizeText(it.DiscountedPrice),
			ShortName:       h.sanitizer.SanitizeText(it.ShortName),
			PurchaseURL:     h.sanitizer.SanitizeURL(it.PurchaseURL),
		}
		if item.ShortName == "" && item.PurchaseURL == "" {
			continue
		}
		if seen[item.Key()] {
			continue
		}
		seen[item.Key()] = true
		out = append(out, item)
	}
	return out
}

func (h *TaskHandler) find(id string) (model.Task, bool) {
	for _, t := range h.tasks.Tasks() {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}

func toTaskResponse(t model.Task) taskResponse {
	resp := taskResponse{
		ID:         t.ID,
		Text:       t.Text,
		Date:       t.Date,
		CreatedAt:  t.CreatedAt,
		Priority:   t.Priority,
		Importance: int(t.Importance),
		Important:  t.IsImportant(),
	}
	for _, it := range t.ShoppingList {
		resp.ShoppingList = append(resp.ShoppingList, shoppingItemJSON{
			Name:            it.Name,
			ImageURL:        it.ImageURL,
			Price:           it.Price,
			DiscountedPrice: it.DiscountedPrice,
			ShortName:       it.ShortName,
			PurchaseURL:     it.PurchaseURL,
		})
	}
	return resp
}
