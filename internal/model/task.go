package model

import "time"

// Importance はタスクの重要度を表す。ワイヤー上は iot（1|2）として保存される。
type Importance int

const (
	// ImportanceUnset は重要度が未設定（iotフィールドなし）。
	ImportanceUnset Importance = 0
	// ImportanceNormal は通常のタスク。
	ImportanceNormal Importance = 1
	// ImportanceImportant は重要なタスク。
	ImportanceImportant Importance = 2
)

// Valid は既知の値かどうかを返す。
func (i Importance) Valid() bool {
	return i == ImportanceUnset || i == ImportanceNormal || i == ImportanceImportant
}

// ShoppingItem は買い物リストの1商品を表す。
type ShoppingItem struct {
	Name            string
	ImageURL        string
	Price           string
	DiscountedPrice string
	ShortName       string
	PurchaseURL     string
}

// Key はリスト内で商品を識別するキーを返す。
// 購入URLを優先し、未設定の場合は短縮名から導出する。
func (s ShoppingItem) Key() string {
	if s.PurchaseURL != "" {
		return s.PurchaseURL
	}
	return "short:" + s.ShortName
}

// Task はユーザーが作成するリマインダーを表す。
type Task struct {
	ID           string
	Text         string
	Date         string // dd.mm.yyyy。解析できない値もそのまま保持する
	CreatedAt    time.Time
	Priority     *int
	Importance   Importance
	ShoppingList []ShoppingItem
}

// DueDate は期日を暦日として返す。解析できない場合はfalseを返す。
func (t Task) DueDate() (Date, bool) {
	d, err := ParseDate(t.Date)
	if err != nil {
		return Date{}, false
	}
	return d, true
}

// IsImportant は重要フラグが立っているかどうかを返す。
func (t Task) IsImportant() bool {
	return t.Importance == ImportanceImportant
}

// Equal は2つのタスクが同じ内容かどうかを返す。
// CreatedAtは時刻として比較する（ロケーションの違いは無視する）。
func (t Task) Equal(o Task) bool {
	if t.ID != o.ID || t.Text != o.Text || t.Date != o.Date || t.Importance != o.Importance {
		return false
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return false
	}
	if (t.Priority == nil) != (o.Priority == nil) {
		return false
	}
	if t.Priority != nil && *t.Priority != *o.Priority {
		return false
	}
	if len(t.ShoppingList) != len(o.ShoppingList) {
		return false
	}
	for i := range t.ShoppingList {
		if t.ShoppingList[i] != o.ShoppingList[i] {
			return false
		}
	}
	return true
}
