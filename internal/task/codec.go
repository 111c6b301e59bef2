package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

// ワイヤー上のフィールド名
const (
	fieldID           = "id"
	fieldText         = "text"
	fieldDate         = "date"
	fieldCreatedAt    = "created_at"
	fieldPriority     = "priority"
	fieldIoT          = "iot"
	fieldShoppingList = "shopping_list"
)

// createdAtLayout はcreated_atの書き込みフォーマット（ミリ秒精度のISO-8601）。
const createdAtLayout = "2006-01-02T15:04:05.000Z07:00"

// createdAtNaiveLayout はタイムゾーンを持たないcreated_atの読み込みフォーマット。
// タイムゾーンなしの値はUTCとして解釈する。
const createdAtNaiveLayout = "2006-01-02T15:04:05.999999"

var knownTaskFields = map[string]bool{
	fieldID:           true,
	fieldText:         true,
	fieldDate:         true,
	fieldCreatedAt:    true,
	fieldPriority:     true,
	fieldIoT:          true,
	fieldShoppingList: true,
}

var knownItemFields = map[string]bool{
	"full_name":       true,
	"image_url":       true,
	"price":           true,
	"price_with_card": true,
	"short_name":      true,
	"url":             true,
}

// ErrMalformedUser はユーザーノードまたはtasksノードがオブジェクトでないことを表す。
var ErrMalformedUser = errors.New("malformed user node")

// wireItem は買い物リスト1件のワイヤー表現。
type wireItem struct {
	FullName      string `json:"full_name,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	Price         string `json:"price,omitempty"`
	PriceWithCard string `json:"price_with_card,omitempty"`
	ShortName     string `json:"short_name"`
	URL           string `json:"url,omitempty"`
}

// wireTask はタスク1件のワイヤー表現。未設定の任意フィールドは書き込まない。
type wireTask struct {
	Text         string     `json:"text"`
	Date         string     `json:"date"`
	CreatedAt    string     `json:"created_at"`
	Priority     *int       `json:"priority,omitempty"`
	IoT          *int       `json:"iot,omitempty"`
	ShoppingList []wireItem `json:"shopping_list,omitempty"`
}

// encode はタスクをリモートに書き込む値に変換する。idはパスに含まれるため書き込まない。
func encode(t model.Task) wireTask {
	w := wireTask{
		Text:      t.Text,
		Date:      t.Date,
		CreatedAt: FormatCreatedAt(t.CreatedAt),
		Priority:  t.Priority,
	}
	if t.Importance != model.ImportanceUnset {
		iot := int(t.Importance)
		w.IoT = &iot
	}
	for _, item := range t.ShoppingList {
		w.ShoppingList = append(w.ShoppingList, wireItem{
			FullName:      item.Name,
			ImageURL:      item.ImageURL,
			Price:         item.Price,
			PriceWithCard: item.DiscountedPrice,
			ShortName:     item.ShortName,
			URL:           item.PurchaseURL,
		})
	}
	return w
}

// FormatCreatedAt はcreated_atをUTCのミリ秒精度で整形する。
func FormatCreatedAt(t time.Time) string {
	return t.UTC().Format(createdAtLayout)
}

// ParseCreatedAt はcreated_atを解析する。
// タイムゾーン付きのRFC3339と、タイムゾーンなしの形式の両方を受け付ける。
func ParseCreatedAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(createdAtNaiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid created_at %q: %w", s, err)
	}
	return t, nil
}

// DecodeUser はユーザーノードのJSONをmodel.Userにデコードする。
// 1件のレコードのデコード失敗は一覧全体を止めず、recordErrsに*model.DecodeErrorとして返す。
// ユーザーノードやtasksノード自体が不正な場合のみerrを返す。
// ノードが存在しない（null）場合はタスクが空のUserを返す。
// email・created_at・last_active・stateは他のクライアントが書くため、文字列でない値は無視する。
func DecodeUser(raw json.RawMessage) (user model.User, recordErrs []error, err error) {
	user.Tasks = []model.Task{}
	if isNull(raw) {
		return user, nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.User{}, nil, fmt.Errorf("%w: user is not an object: %v", ErrMalformedUser, err)
	}

	user.Email = optionalString(fields, "email")
	user.CreatedAt = optionalString(fields, "created_at")
	user.LastActive = optionalString(fields, "last_active")
	user.State = optionalString(fields, "state")

	tasksRaw, ok := fields["tasks"]
	if !ok || isNull(tasksRaw) {
		return user, nil, nil
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(tasksRaw, &records); err != nil {
		return model.User{}, nil, fmt.Errorf("%w: tasks is not an object: %v", ErrMalformedUser, err)
	}

	// エラーの順序を決定的にするためキー順に処理する
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tasks := make([]model.Task, 0, len(records))
	for _, id := range ids {
		t, err := DecodeRecord(id, records[id])
		if err != nil {
			recordErrs = append(recordErrs, err)
			continue
		}
		tasks = append(tasks, t)
	}

	Sort(tasks)
	user.Tasks = tasks
	return user, recordErrs, nil
}

// optionalString はfieldsのnameが文字列ならその値を返す。それ以外は空文字。
func optionalString(fields map[string]json.RawMessage, name string) string {
	var s string
	if v, ok := fields[name]; ok && json.Unmarshal(v, &s) == nil {
		return s
	}
	return ""
}

// DecodeRecord はキーをidとしてタスク1件を厳密にデコードする。
// 未知のフィールド、必須フィールドの欠落、型の不正は*model.DecodeErrorを返す。
func DecodeRecord(id string, raw json.RawMessage) (model.Task, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return model.Task{}, &model.DecodeError{TaskID: id, Kind: model.DecodeInvalidField, Err: errors.New("record is not an object")}
	}

	if name := firstUnknown(fields, knownTaskFields); name != "" {
		return model.Task{}, &model.DecodeError{TaskID: id, Field: name, Kind: model.DecodeUnknownField}
	}

	t := model.Task{ID: id}

	text, err := requiredString(id, fields, fieldText)
	if err != nil {
		return model.Task{}, err
	}
	if strings.TrimSpace(text) == "" {
		return model.Task{}, &model.DecodeError{TaskID: id, Field: fieldText, Kind: model.DecodeInvalidField, Err: errors.New("empty text")}
	}
	t.Text = text

	// 期日は解析できなくても保持し、並び替えで末尾に回す
	if t.Date, err = requiredString(id, fields, fieldDate); err != nil {
		return model.Task{}, err
	}

	createdAt, err := requiredString(id, fields, fieldCreatedAt)
	if err != nil {
		return model.Task{}, err
	}
	if t.CreatedAt, err = ParseCreatedAt(createdAt); err != nil {
		return model.Task{}, &model.DecodeError{TaskID: id, Field: fieldCreatedAt, Kind: model.DecodeInvalidField, Err: err}
	}

	if v, ok := present(fields, fieldPriority); ok {
		var p int
		if err := json.Unmarshal(v, &p); err != nil {
			return model.Task{}, &model.DecodeError{TaskID: id, Field: fieldPriority, Kind: model.DecodeInvalidField, Err: err}
		}
		t.Priority = &p
	}

	if v, ok := present(fields, fieldIoT); ok {
		var iot int
		if err := json.Unmarshal(v, &iot); err != nil || (iot != 1 && iot != 2) {
			return model.Task{}, &model.DecodeError{TaskID: id, Field: fieldIoT, Kind: model.DecodeInvalidField, Err: fmt.Errorf("iot must be 1 or 2, got %s", v)}
		}
		t.Importance = model.Importance(iot)
	}

	if v, ok := present(fields, fieldShoppingList); ok {
		items, err := decodeItems(id, v)
		if err != nil {
			return model.Task{}, err
		}
		t.ShoppingList = items
	}

	return t, nil
}

// decodeItems は買い物リストをデコードする。同じ識別子の商品は最初の1件だけを残す。
func decodeItems(id string, raw json.RawMessage) ([]model.ShoppingItem, error) {
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &model.DecodeError{TaskID: id, Field: fieldShoppingList, Kind: model.DecodeInvalidField, Err: err}
	}

	items := make([]model.ShoppingItem, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, fields := range list {
		field := fmt.Sprintf("%s[%d]", fieldShoppingList, i)
		if fields == nil {
			return nil, &model.DecodeError{TaskID: id, Field: field, Kind: model.DecodeInvalidField, Err: errors.New("item is not an object")}
		}
		if name := firstUnknown(fields, knownItemFields); name != "" {
			return nil, &model.DecodeError{TaskID: id, Field: field + "." + name, Kind: model.DecodeUnknownField}
		}

		var item model.ShoppingItem
		var err error
		if item.ShortName, err = requiredString(id, fields, "short_name"); err != nil {
			return nil, &model.DecodeError{TaskID: id, Field: field + ".short_name", Kind: err.(*model.DecodeError).Kind}
		}
		// 最初に見つかった不正フィールドを報告するため、順序を固定して検査する
		for _, opt := range []struct {
			name string
			dst  *string
		}{
			{"full_name", &item.Name},
			{"image_url", &item.ImageURL},
			{"price", &item.Price},
			{"price_with_card", &item.DiscountedPrice},
			{"url", &item.PurchaseURL},
		} {
			name, dst := opt.name, opt.dst
			v, ok := present(fields, name)
			if !ok {
				continue
			}
			s, err := flexString(v)
			if err != nil {
				return nil, &model.DecodeError{TaskID: id, Field: field + "." + name, Kind: model.DecodeInvalidField, Err: err}
			}
			*dst = s
		}

		if seen[item.Key()] {
			continue
		}
		seen[item.Key()] = true
		items = append(items, item)
	}
	return items, nil
}

// Sort は期日の昇順に並べる。期日が解析できないタスクは末尾に置き、
// 同じ期日は作成日時、idの順で並べる。
func Sort(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return less(tasks[i], tasks[j])
	})
}

func less(a, b model.Task) bool {
	da, okA := a.DueDate()
	db, okB := b.DueDate()
	switch {
	case okA && !okB:
		return true
	case !okA && okB:
		return false
	case okA && okB:
		if c := da.Compare(db); c != 0 {
			return c < 0
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// present はフィールドが存在しnullでない場合に値を返す。
func present(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	v, ok := fields[name]
	if !ok || isNull(v) {
		return nil, false
	}
	return v, true
}

func requiredString(id string, fields map[string]json.RawMessage, name string) (string, error) {
	v, ok := present(fields, name)
	if !ok {
		return "", &model.DecodeError{TaskID: id, Field: name, Kind: model.DecodeMissingField}
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", &model.DecodeError{TaskID: id, Field: name, Kind: model.DecodeInvalidField, Err: err}
	}
	return s, nil
}

// flexString は文字列または数値を文字列として受け付ける。
func flexString(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", v)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}

// firstUnknown は未知のフィールド名のうち辞書順で最初のものを返す。
func firstUnknown(fields map[string]json.RawMessage, known map[string]bool) string {
	var unknown []string
	for name := range fields {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return ""
	}
	sort.Strings(unknown)
	return unknown[0]
}
