package model

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout はタスク期日のワイヤーフォーマット（dd.mm.yyyy）。
const DateLayout = "02.01.2006"

// Date は時刻とタイムゾーンを持たない暦日を表す。
// dd.mm.yyyy の文字列比較は暦順にならないため、比較は必ずこの型で行う。
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate は dd.mm.yyyy 形式の文字列を暦日に変換する。
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf はtのローカル日付部分を返す。
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// String は dd.mm.yyyy 形式で返す。
func (d Date) String() string {
	return fmt.Sprintf("%02d.%02d.%04d", d.Day, int(d.Month), d.Year)
}

// IsZero はゼロ値かどうかを返す。
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Time はUTCの0時として返す。
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays はn日後の暦日を返す。
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Compare はdがoより前なら-1、同日なら0、後なら+1を返す。
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

// Before はdがoより前の日付かどうかを返す。
func (d Date) Before(o Date) bool {
	return d.Compare(o) < 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
