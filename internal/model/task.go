package model

import (
	"time"
)

// Priority 表示艾森豪威尔矩阵中的象限代码。
type Priority string

const (
	PriorityDoFirst   Priority = "do_first"  // 紧急且重要
	PrioritySchedule  Priority = "schedule"  // 重要不紧急
	PriorityDelegate  Priority = "delegate"  // 紧急不重要
	PriorityEliminate Priority = "eliminate" // 不紧急不重要
)

// Valid 返回是否为已知象限。
func (p Priority) Valid() bool {
	switch p {
	case PriorityDoFirst, PrioritySchedule, PriorityDelegate, PriorityEliminate:
		return true
	}
	return false
}

// TaskStatus 任务进度状态。
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// Valid 返回是否为已知状态。
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone:
		return true
	}
	return false
}

// Project 项目，任务可选归属。
type Project struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"` // 所属用户
	Name      string `gorm:"not null"`
	Color     string `gorm:"type:varchar(16)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task 表示一个任务。
//
// 任务完成后记录 CompletedAt，超过用户保留期后由清理任务删除。
type Task struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	UserID        uint  `gorm:"not null;index"` // 所属用户 ID
	ProjectID     *uint `gorm:"index"`          // 所属项目（可选）
	AssignedBotID *uint `gorm:"index"`          // 指派的 Bot（可选）

	Title       string   `gorm:"not null"`
	Description string   `gorm:"type:text"`
	Priority    Priority `gorm:"type:varchar(16);default:schedule"`

	Completed   bool       `gorm:"default:false;index"`
	CompletedAt *time.Time `gorm:"index"`
	Progress    int        `gorm:"default:0"` // 0-100
	Status      TaskStatus `gorm:"type:varchar(16);default:todo"`

	StartDate *time.Time `gorm:"type:date"`
	DueDate   *time.Time `gorm:"type:date"`
	StartTime *string    `gorm:"type:varchar(5)"` // HH:MM
	DueTime   *string    `gorm:"type:varchar(5)"` // HH:MM
}

// SetCompleted 切换完成状态并维护 CompletedAt。
func (t *Task) SetCompleted(done bool, now time.Time) {
	if done == t.Completed {
		return
	}
	t.Completed = done
	if done {
		at := now
		t.CompletedAt = &at
		t.Progress = 100
		t.Status = TaskStatusDone
		return
	}
	t.CompletedAt = nil
	if t.Status == TaskStatusDone {
		t.Status = TaskStatusInProgress
	}
}

// TaskComment 任务评论，作者可以是用户或 Bot。
type TaskComment struct {
	ID        uint   `gorm:"primaryKey"`
	TaskID    uint   `gorm:"not null;index"`
	Content   string `gorm:"type:text;not null"`
	UserID    *uint  `gorm:"index"`
	BotID     *uint  `gorm:"index"`
	CreatedAt time.Time
}

// TaskArtifact Bot 或用户为任务产出的附件。
type TaskArtifact struct {
	ID        uint   `gorm:"primaryKey"`
	TaskID    uint   `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	Kind      string `gorm:"type:varchar(32)"` // link / text / file
	MimeType  string `gorm:"type:varchar(100)"`
	URL       *string
	Content   *string `gorm:"type:text"`
	SizeBytes int64
	UserID    *uint `gorm:"index"`
	BotID     *uint `gorm:"index"`
	CreatedAt time.Time
}
