package task

import (
	"testing"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

func TestComputeStats(t *testing.T) {
	today := model.Date{Year: 2030, Month: time.March, Day: 1}
	tasks := []model.Task{
		{ID: "1", Date: "01.03.2030"}, // 今日
		{ID: "2", Date: "28.02.2030"}, // 昨日: 完了だが期限切れではない
		{ID: "3", Date: "27.02.2030"}, // 一昨日: 完了かつ期限切れ
		{ID: "4", Date: "31.12.2029"}, // 年をまたぐ過去
		{ID: "5", Date: "02.03.2030"}, // 未来
		{ID: "6", Date: "someday"},
	}

	got := ComputeStats(tasks, today)
	want := Stats{Total: 6, Completed: 3, Overdue: 2, Undated: 1}
	if got != want {
		t.Errorf("ComputeStats = %+v, want %+v", got, want)
	}
}

// 文字列比較では "31.12.2029" > "01.03.2030" となるが、暦日で比較するべき。
func TestComputeStats_UsesCalendarOrder(t *testing.T) {
	today := model.Date{Year: 2030, Month: time.January, Day: 10}
	got := ComputeStats([]model.Task{{ID: "1", Date: "31.12.2029"}}, today)
	if got.Completed != 1 || got.Overdue != 1 {
		t.Errorf("ComputeStats = %+v", got)
	}
}

func TestComputeStats_Empty(t *testing.T) {
	got := ComputeStats(nil, model.Date{Year: 2030, Month: 1, Day: 1})
	if got != (Stats{}) {
		t.Errorf("ComputeStats(nil) = %+v", got)
	}
}

func TestNewID(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 123456789, time.UTC)
	if got := NewID(now); got != "1893456000123" {
		t.Errorf("NewID = %q, want 1893456000123", got)
	}
}
