package model

import "time"

// Task はユーザーが所有するToDo項目を表す。
// OwnerIDとCreatedAtは作成時に決まり、以後変更されない。
type Task struct {
	ID        string
	OwnerID   string
	Text      string
	Completed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskCounts はタスク一覧の件数集計を表す。
type TaskCounts struct {
	Pending   int
	Completed int
}

// CountTasks は未完了/完了の件数を数える。
func CountTasks(tasks []Task) TaskCounts {
	var c TaskCounts
	for _, t := range tasks {
		if t.Completed {
			c.Completed++
		} else {
			c.Pending++
		}
	}
	return c
}
