package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

func TestDecodeRecord_FullRecord(t *testing.T) {
	raw := json.RawMessage(`{
		"text": "купить молоко",
		"date": "01.01.2030",
		"created_at": "2029-12-31T10:00:00.123Z",
		"priority": 3,
		"iot": 2,
		"shopping_list": [
			{"full_name": "Молоко 3.2%", "image_url": "https://img/1", "price": "99", "price_with_card": 89,
			 "short_name": "Молоко", "url": "https://ozon.ru/product/1"}
		]
	}`)

	got, err := DecodeRecord("1700000000000", raw)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}

	if got.ID != "1700000000000" {
		t.Errorf("ID = %q, キーがidになるべき", got.ID)
	}
	if got.Text != "купить молоко" || got.Date != "01.01.2030" {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Priority == nil || *got.Priority != 3 {
		t.Errorf("Priority = %v, want 3", got.Priority)
	}
	if !got.IsImportant() {
		t.Error("iot=2 は重要タスクであるべき")
	}
	want := time.Date(2029, 12, 31, 10, 0, 0, 123000000, time.UTC)
	if !got.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want)
	}
	if len(got.ShoppingList) != 1 {
		t.Fatalf("ShoppingList len = %d, want 1", len(got.ShoppingList))
	}
	item := got.ShoppingList[0]
	if item.DiscountedPrice != "89" {
		t.Errorf("数値の価格は文字列として受け付けるべき: %q", item.DiscountedPrice)
	}
	if item.PurchaseURL != "https://ozon.ru/product/1" || item.Name != "Молоко 3.2%" {
		t.Errorf("unexpected item: %+v", item)
	}
}

func TestDecodeRecord_NaiveCreatedAt(t *testing.T) {
	raw := json.RawMessage(`{"text":"x","date":"01.01.2030","created_at":"2029-12-31T10:00:00.123456"}`)

	got, err := DecodeRecord("1", raw)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	want := time.Date(2029, 12, 31, 10, 0, 0, 123456000, time.UTC)
	if !got.CreatedAt.Equal(want) {
		t.Errorf("タイムゾーンなしの値はUTCとして扱うべき: %v", got.CreatedAt)
	}
}

func TestDecodeRecord_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
		kind  model.DecodeErrorKind
	}{
		{"not object", `"text"`, "", model.DecodeInvalidField},
		{"missing text", `{"date":"01.01.2030","created_at":"2030-01-01T00:00:00Z"}`, "text", model.DecodeMissingField},
		{"empty text", `{"text":" ","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z"}`, "text", model.DecodeInvalidField},
		{"missing date", `{"text":"x","created_at":"2030-01-01T00:00:00Z"}`, "date", model.DecodeMissingField},
		{"date not string", `{"text":"x","date":1,"created_at":"2030-01-01T00:00:00Z"}`, "date", model.DecodeInvalidField},
		{"missing created_at", `{"text":"x","date":"01.01.2030"}`, "created_at", model.DecodeMissingField},
		{"bad created_at", `{"text":"x","date":"01.01.2030","created_at":"yesterday"}`, "created_at", model.DecodeInvalidField},
		{"unknown field", `{"text":"x","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z","colour":"red"}`, "colour", model.DecodeUnknownField},
		{"iot out of range", `{"text":"x","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z","iot":3}`, "iot", model.DecodeInvalidField},
		{"priority not int", `{"text":"x","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z","priority":"high"}`, "priority", model.DecodeInvalidField},
		{"item without short_name", `{"text":"x","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z","shopping_list":[{"url":"u"}]}`, "shopping_list[0].short_name", model.DecodeMissingField},
		{"item unknown field", `{"text":"x","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z","shopping_list":[{"short_name":"a","qty":2}]}`, "shopping_list[0].qty", model.DecodeUnknownField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecord("42", json.RawMessage(tt.raw))
			var de *model.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *model.DecodeError, got %v", err)
			}
			if de.TaskID != "42" {
				t.Errorf("TaskID = %q, want 42", de.TaskID)
			}
			if de.Field != tt.field {
				t.Errorf("Field = %q, want %q", de.Field, tt.field)
			}
			if de.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", de.Kind, tt.kind)
			}
		})
	}
}

// 複数のフィールドが不正な場合も、報告するフィールドは毎回同じであること
func TestDecodeRecord_ItemErrorFieldIsStable(t *testing.T) {
	raw := json.RawMessage(`{"text":"x","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z","shopping_list":[
		{"short_name":"a","url":true,"price":[1],"image_url":{},"full_name":false,"price_with_card":null}
	]}`)

	for i := 0; i < 50; i++ {
		_, err := DecodeRecord("1", raw)
		var decodeErr *model.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("expected DecodeError, got %v", err)
		}
		if decodeErr.Field != "shopping_list[0].full_name" || decodeErr.Kind != model.DecodeInvalidField {
			t.Fatalf("run %d: field = %q kind = %q, want shopping_list[0].full_name invalid", i, decodeErr.Field, decodeErr.Kind)
		}
	}
}

func TestDecodeRecord_UnparseableDateKept(t *testing.T) {
	got, err := DecodeRecord("1", json.RawMessage(`{"text":"x","date":"someday","created_at":"2030-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("解析できない期日でもデコードは成功するべき: %v", err)
	}
	if got.Date != "someday" {
		t.Errorf("Date = %q", got.Date)
	}
	if _, ok := got.DueDate(); ok {
		t.Error("DueDate should report unparseable")
	}
}

func TestDecodeRecord_DuplicateItemsKeepFirst(t *testing.T) {
	raw := json.RawMessage(`{"text":"x","date":"01.01.2030","created_at":"2030-01-01T00:00:00Z","shopping_list":[
		{"short_name":"Молоко","url":"u1","price":"1"},
		{"short_name":"Молоко 2","url":"u1","price":"2"},
		{"short_name":"Хлеб"}
	]}`)
	got, err := DecodeRecord("1", raw)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if len(got.ShoppingList) != 2 {
		t.Fatalf("同じURLの商品は1件にまとめるべき: %+v", got.ShoppingList)
	}
	if got.ShoppingList[0].Price != "1" {
		t.Errorf("最初の商品を残すべき: %+v", got.ShoppingList[0])
	}
}

func TestDecodeUser_SkipsBadRecordsAndSorts(t *testing.T) {
	raw := json.RawMessage(`{
		"email": "user@x",
		"state": "idle",
		"tasks": {
			"a": {"text":"feb 2030","date":"01.02.2030","created_at":"2030-01-01T00:00:00Z"},
			"b": {"text":"dec 2029","date":"31.12.2029","created_at":"2029-01-01T00:00:00Z"},
			"c": {"date":"01.01.2029","created_at":"2029-01-01T00:00:00Z"},
			"d": {"text":"undated","date":"??","created_at":"2020-01-01T00:00:00Z"},
			"e": {"text":"jan 2030","date":"15.01.2030","created_at":"2030-01-01T00:00:00Z"}
		}
	}`)

	user, recordErrs, err := DecodeUser(raw)
	if err != nil {
		t.Fatalf("DecodeUser failed: %v", err)
	}
	tasks := user.Tasks
	if len(recordErrs) != 1 {
		t.Fatalf("recordErrs = %v, want 1 error", recordErrs)
	}
	var de *model.DecodeError
	if !errors.As(recordErrs[0], &de) || de.TaskID != "c" || de.Field != "text" {
		t.Errorf("unexpected record error: %v", recordErrs[0])
	}

	wantOrder := []string{"b", "e", "a", "d"}
	if len(tasks) != len(wantOrder) {
		t.Fatalf("tasks = %d, want %d", len(tasks), len(wantOrder))
	}
	for i, id := range wantOrder {
		if tasks[i].ID != id {
			t.Errorf("tasks[%d].ID = %q, want %q", i, tasks[i].ID, id)
		}
	}
}

func TestDecodeUser_NullAndEmpty(t *testing.T) {
	for _, raw := range []string{`null`, `{}`, `{"tasks":null}`, `{"email":"a"}`} {
		user, recordErrs, err := DecodeUser(json.RawMessage(raw))
		if err != nil {
			t.Errorf("DecodeUser(%s) failed: %v", raw, err)
		}
		if user.Tasks == nil || len(user.Tasks) != 0 {
			t.Errorf("DecodeUser(%s) = %v, want empty non-nil list", raw, user.Tasks)
		}
		if len(recordErrs) != 0 {
			t.Errorf("DecodeUser(%s) recordErrs = %v", raw, recordErrs)
		}
	}
}

func TestDecodeUser_Metadata(t *testing.T) {
	raw := json.RawMessage(`{
		"email": "user@example.com",
		"created_at": "2029-01-01T00:00:00Z",
		"last_active": "2030-02-03T04:05:06Z",
		"state": 3,
		"tasks": {"a": {"text":"x","date":"01.02.2030","created_at":"2030-01-01T00:00:00Z"}}
	}`)

	user, _, err := DecodeUser(raw)
	if err != nil {
		t.Fatalf("DecodeUser failed: %v", err)
	}
	if user.Email != "user@example.com" {
		t.Errorf("Email = %q", user.Email)
	}
	if user.CreatedAt != "2029-01-01T00:00:00Z" {
		t.Errorf("CreatedAt = %q", user.CreatedAt)
	}
	if user.LastActive != "2030-02-03T04:05:06Z" {
		t.Errorf("LastActive = %q", user.LastActive)
	}
	if user.State != "" {
		t.Errorf("State = %q, want empty for non-string value", user.State)
	}
	if len(user.Tasks) != 1 || user.Tasks[0].ID != "a" {
		t.Errorf("Tasks = %v, want [a]", user.Tasks)
	}
}

func TestDecodeUser_Malformed(t *testing.T) {
	for _, raw := range []string{`"user"`, `[1,2]`, `{"tasks":"none"}`, `{"tasks":[1]}`} {
		_, _, err := DecodeUser(json.RawMessage(raw))
		if !errors.Is(err, ErrMalformedUser) {
			t.Errorf("DecodeUser(%s) err = %v, want ErrMalformedUser", raw, err)
		}
	}
}

func TestEncode_OmitsAbsentOptionalFields(t *testing.T) {
	task := model.Task{
		ID:        "1",
		Text:      "Buy milk",
		Date:      "01.01.2030",
		CreatedAt: time.Date(2029, 12, 31, 10, 0, 0, 500000000, time.FixedZone("MSK", 3*3600)),
	}

	data, err := json.Marshal(encode(task))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"text":"Buy milk","date":"01.01.2030","created_at":"2029-12-31T07:00:00.500Z"}`
	if string(data) != want {
		t.Errorf("encode = %s, want %s", data, want)
	}
}

func TestEncode_DecodePreservesTask(t *testing.T) {
	priority := 0
	task := model.Task{
		ID:         "1",
		Text:       "купить хлеб",
		Date:       "02.03.2030",
		CreatedAt:  time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC),
		Priority:   &priority,
		Importance: model.ImportanceNormal,
		ShoppingList: []model.ShoppingItem{
			{ShortName: "Хлеб"},
			{Name: "Сыр Российский", ShortName: "Сыр", PurchaseURL: "https://ozon.ru/product/2", Price: "300"},
		},
	}

	data, _ := json.Marshal(encode(task))
	got, err := DecodeRecord("1", data)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if !got.Equal(task) {
		t.Errorf("got %+v, want %+v", got, task)
	}
}
