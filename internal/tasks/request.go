// Package tasks 定义用户与 Bot 共用的任务创建、修改请求。
package tasks

import (
	"fmt"
	"strings"
	"time"

	"taskquadrant/internal/model"
)

const dateLayout = "2006-01-02"

// CreateRequest 创建任务请求体。
type CreateRequest struct {
	Title       string         `json:"title" binding:"required,max=255"`
	Description string         `json:"description" binding:"max=10000"`
	Priority    model.Priority `json:"priority" binding:"omitempty,quadrant"`
	ProjectID   *uint          `json:"projectId"`
	StartDate   *string        `json:"startDate" binding:"omitempty,datetime=2006-01-02"`
	DueDate     *string        `json:"dueDate" binding:"omitempty,datetime=2006-01-02"`
	StartTime   *string        `json:"startTime" binding:"omitempty,hhmm"`
	DueTime     *string        `json:"dueTime" binding:"omitempty,hhmm"`
}

// Build 生成归属 userID 的任务，未指定象限时默认为 schedule。
func (r CreateRequest) Build(userID uint) (model.Task, error) {
	task := model.Task{
		UserID:      userID,
		ProjectID:   r.ProjectID,
		Title:       strings.TrimSpace(r.Title),
		Description: r.Description,
		Priority:    r.Priority,
		Status:      model.TaskStatusTodo,
		StartTime:   r.StartTime,
		DueTime:     r.DueTime,
	}
	if task.Title == "" {
		return model.Task{}, fmt.Errorf("title is required")
	}
	if task.Priority == "" {
		task.Priority = model.PrioritySchedule
	}
	var err error
	if task.StartDate, err = parseDate(r.StartDate); err != nil {
		return model.Task{}, err
	}
	if task.DueDate, err = parseDate(r.DueDate); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// UpdateRequest 部分更新请求体，nil 字段保持不变。
type UpdateRequest struct {
	Title       *string           `json:"title" binding:"omitempty,min=1,max=255"`
	Description *string           `json:"description" binding:"omitempty,max=10000"`
	Priority    *model.Priority   `json:"priority" binding:"omitempty,quadrant"`
	Progress    *int              `json:"progress" binding:"omitempty,min=0,max=100"`
	Status      *model.TaskStatus `json:"status" binding:"omitempty,oneof=todo in_progress blocked done"`
	Completed   *bool             `json:"completed"`
	ProjectID   *uint             `json:"projectId"`
	StartDate   *string           `json:"startDate" binding:"omitempty,datetime=2006-01-02"`
	DueDate     *string           `json:"dueDate" binding:"omitempty,datetime=2006-01-02"`
	StartTime   *string           `json:"startTime" binding:"omitempty,hhmm"`
	DueTime     *string           `json:"dueTime" binding:"omitempty,hhmm"`
}

// Empty 返回请求是否未包含任何字段。
func (r UpdateRequest) Empty() bool {
	return r.Title == nil && r.Description == nil && r.Priority == nil && r.Progress == nil &&
		r.Status == nil && r.Completed == nil && r.ProjectID == nil &&
		r.StartDate == nil && r.DueDate == nil && r.StartTime == nil && r.DueTime == nil
}

// Apply 将修改写入 task。
//
// 顺序为 进度 → 状态 → 完成标记：status=done 视为完成，completed 字段优先级最高。
func (r UpdateRequest) Apply(task *model.Task, now time.Time) error {
	if r.Title != nil {
		title := strings.TrimSpace(*r.Title)
		if title == "" {
			return fmt.Errorf("title must not be blank")
		}
		task.Title = title
	}
	if r.Description != nil {
		task.Description = *r.Description
	}
	if r.Priority != nil {
		task.Priority = *r.Priority
	}
	if r.ProjectID != nil {
		id := *r.ProjectID
		task.ProjectID = &id
	}
	if r.StartDate != nil {
		d, err := parseDate(r.StartDate)
		if err != nil {
			return err
		}
		task.StartDate = d
	}
	if r.DueDate != nil {
		d, err := parseDate(r.DueDate)
		if err != nil {
			return err
		}
		task.DueDate = d
	}
	if r.StartTime != nil {
		task.StartTime = r.StartTime
	}
	if r.DueTime != nil {
		task.DueTime = r.DueTime
	}
	if r.Progress != nil {
		task.Progress = *r.Progress
	}
	if r.Status != nil {
		switch {
		case *r.Status == model.TaskStatusDone:
			task.SetCompleted(true, now)
		case task.Completed:
			task.SetCompleted(false, now)
		}
		task.Status = *r.Status
	}
	if r.Completed != nil {
		task.SetCompleted(*r.Completed, now)
	}
	return nil
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(*s), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", *s)
	}
	return &d, nil
}
