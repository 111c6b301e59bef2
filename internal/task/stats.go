package task

import (
	"strconv"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

// Stats はプロフィール画面に表示するタスクの集計。
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Overdue   int `json:"overdue"`
	Undated   int `json:"undated"`
}

// ComputeStats はtoday時点のタスク集計を返す。
// 期日が今日より前のものを完了、前日より前のものを期限切れとして数える。
// 期日を解析できないタスクはUndatedにのみ数える。
func ComputeStats(tasks []model.Task, today model.Date) Stats {
	s := Stats{Total: len(tasks)}
	yesterday := today.AddDays(-1)

	for _, t := range tasks {
		due, ok := t.DueDate()
		if !ok {
			s.Undated++
			continue
		}
		if due.Before(today) {
			s.Completed++
		}
		if due.Before(yesterday) {
			s.Overdue++
		}
	}
	return s
}

// NewID はnow時点のミリ秒を10進数にしたタスクIDを返す。
func NewID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}
