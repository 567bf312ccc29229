// Package botapi 实现面向自动化 Bot 的任务接口及其输出格式。
package botapi

import (
	"time"

	"taskquadrant/internal/model"
)

const dateLayout = "2006-01-02"

var quadrantNames = map[model.Priority]string{
	model.PriorityDoFirst:   "Do First",  // 紧急且重要
	model.PrioritySchedule:  "Schedule",  // 重要不紧急
	model.PriorityDelegate:  "Delegate",  // 紧急不重要
	model.PriorityEliminate: "Eliminate", // 都不是
}

// QuadrantName 返回象限代码对应的名称，未知代码返回 "Unclassified"。
func QuadrantName(p model.Priority) string {
	if name, ok := quadrantNames[p]; ok {
		return name
	}
	return "Unclassified"
}

// TaskView Bot 看到的任务。缺省字段输出为 JSON null。
type TaskView struct {
	ID            uint    `json:"id"`
	Title         string  `json:"title"`
	Description   *string `json:"description"`
	Priority      string  `json:"priority"`
	Quadrant      string  `json:"quadrant"`
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	Completed     bool    `json:"completed"`
	CompletedAt   *string `json:"completedAt"`
	StartDate     *string `json:"startDate"`
	DueDate       *string `json:"dueDate"`
	StartTime     *string `json:"startTime"`
	DueTime       *string `json:"dueTime"`
	ProjectID     *uint   `json:"projectId"`
	AssignedBotID *uint   `json:"assignedBotId"`
	CreatedAt     *string `json:"createdAt"`
	UpdatedAt     *string `json:"updatedAt"`
}

// Author 评论与附件的作者。Type 为 bot / user / unknown，unknown 时没有 id。
type Author struct {
	Type string `json:"type"`
	ID   *uint  `json:"id,omitempty"`
}

// CommentView Bot 看到的评论。
type CommentView struct {
	ID        uint    `json:"id"`
	TaskID    uint    `json:"taskId"`
	Content   string  `json:"content"`
	Author    Author  `json:"author"`
	CreatedAt *string `json:"createdAt"`
}

// ArtifactView Bot 看到的附件。
type ArtifactView struct {
	ID        uint    `json:"id"`
	TaskID    uint    `json:"taskId"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	MimeType  *string `json:"mimeType"`
	URL       *string `json:"url"`
	Content   *string `json:"content"`
	SizeBytes int64   `json:"sizeBytes"`
	Author    Author  `json:"author"`
	CreatedAt *string `json:"createdAt"`
}

// FormatTask 将任务转换为对外格式。
func FormatTask(t model.Task) TaskView {
	return TaskView{
		ID:            t.ID,
		Title:         t.Title,
		Description:   optString(t.Description),
		Priority:      string(t.Priority),
		Quadrant:      QuadrantName(t.Priority),
		Status:        string(t.Status),
		Progress:      t.Progress,
		Completed:     t.Completed,
		CompletedAt:   timestamp(t.CompletedAt),
		StartDate:     date(t.StartDate),
		DueDate:       date(t.DueDate),
		StartTime:     optPtr(t.StartTime),
		DueTime:       optPtr(t.DueTime),
		ProjectID:     t.ProjectID,
		AssignedBotID: t.AssignedBotID,
		CreatedAt:     timestamp(&t.CreatedAt),
		UpdatedAt:     timestamp(&t.UpdatedAt),
	}
}

// FormatTasks 批量转换，空输入返回空数组而非 null。
func FormatTasks(tasks []model.Task) []TaskView {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, FormatTask(t))
	}
	return out
}

// FormatComment 将评论转换为对外格式。
func FormatComment(c model.TaskComment) CommentView {
	return CommentView{
		ID:        c.ID,
		TaskID:    c.TaskID,
		Content:   c.Content,
		Author:    resolveAuthor(c.BotID, c.UserID),
		CreatedAt: timestamp(&c.CreatedAt),
	}
}

// FormatComments 批量转换评论。
func FormatComments(comments []model.TaskComment) []CommentView {
	out := make([]CommentView, 0, len(comments))
	for _, c := range comments {
		out = append(out, FormatComment(c))
	}
	return out
}

// FormatArtifact 将附件转换为对外格式。
func FormatArtifact(a model.TaskArtifact) ArtifactView {
	return ArtifactView{
		ID:        a.ID,
		TaskID:    a.TaskID,
		Name:      a.Name,
		Kind:      a.Kind,
		MimeType:  optString(a.MimeType),
		URL:       optPtr(a.URL),
		Content:   optPtr(a.Content),
		SizeBytes: a.SizeBytes,
		Author:    resolveAuthor(a.BotID, a.UserID),
		CreatedAt: timestamp(&a.CreatedAt),
	}
}

// FormatArtifacts 批量转换附件。
func FormatArtifacts(artifacts []model.TaskArtifact) []ArtifactView {
	out := make([]ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, FormatArtifact(a))
	}
	return out
}

// Bot 优先于用户。
func resolveAuthor(botID, userID *uint) Author {
	switch {
	case botID != nil:
		id := *botID
		return Author{Type: "bot", ID: &id}
	case userID != nil:
		id := *userID
		return Author{Type: "user", ID: &id}
	default:
		return Author{Type: "unknown"}
	}
}

func timestamp(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// 日期字段按存储的日历日输出，不做时区换算。
func date(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optPtr(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
