// Package cleanup 删除超过用户保留期的已完成任务。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/metrics"

	"gorm.io/gorm"
)

// DefaultRetentionDays 未配置时的保留天数。
const DefaultRetentionDays = model.DefaultTaskRetentionDays

// ErrUserNotFound 用户不存在。
var ErrUserNotFound = errors.New("user not found")

// Preview 单个用户的清理预览。
type Preview struct {
	EligibleCount int64     `json:"eligibleCount"`
	RetentionDays int       `json:"retentionDays"`
	Cutoff        time.Time `json:"cutoff"`
}

// Result 一次全量清理的结果。
type Result struct {
	DeletedCount  int64 `json:"deletedCount"`
	UsersAffected int   `json:"usersAffected"`
	UsersScanned  int   `json:"usersScanned"`
}

// Service 提供预览与清理操作。
type Service struct {
	db               *gorm.DB
	defaultRetention int
	logger           *slog.Logger
	now              func() time.Time
}

// NewService 创建清理服务。defaultRetention <= 0 时使用 30 天。
func NewService(db *gorm.DB, defaultRetention int, logger *slog.Logger) *Service {
	metrics.InitMetrics()
	if defaultRetention <= 0 {
		defaultRetention = DefaultRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, defaultRetention: defaultRetention, logger: logger, now: time.Now}
}

// RetentionFor 返回用户的有效保留天数。
func (s *Service) RetentionFor(days int) int {
	if days <= 0 {
		return s.defaultRetention
	}
	return days
}

func (s *Service) cutoff(days int) time.Time {
	return s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// PreviewForUser 统计用户可被清理的任务数，不修改数据。
func (s *Service) PreviewForUser(ctx context.Context, userID uint) (Preview, error) {
	var user model.User
	err := s.db.WithContext(ctx).Select("id", "task_retention_days").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Preview{}, ErrUserNotFound
	}
	if err != nil {
		return Preview{}, fmt.Errorf("load user: %w", err)
	}

	days := s.RetentionFor(user.TaskRetentionDays)
	cutoff := s.cutoff(days)

	var count int64
	if err := eligible(s.db.WithContext(ctx), userID, cutoff).Count(&count).Error; err != nil {
		return Preview{}, fmt.Errorf("count eligible tasks: %w", err)
	}
	return Preview{EligibleCount: count, RetentionDays: days, Cutoff: cutoff}, nil
}

// CleanupCompletedTasks 对所有拥有已完成任务的用户执行一次清理。
//
// 每个用户在独立事务中删除任务及其评论、附件。某个用户失败时立即返回，
// 已提交的用户不回滚。
func (s *Service) CleanupCompletedTasks(ctx context.Context) (Result, error) {
	var userIDs []uint
	if err := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("completed = ? AND completed_at IS NOT NULL", true).
		Distinct().Pluck("user_id", &userIDs).Error; err != nil {
		return Result{}, fmt.Errorf("list users with completed tasks: %w", err)
	}

	var res Result
	if len(userIDs) == 0 {
		return res, nil
	}

	var users []model.User
	if err := s.db.WithContext(ctx).Select("id", "task_retention_days").
		Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return res, fmt.Errorf("load retention settings: %w", err)
	}
	retention := make(map[uint]int, len(users))
	for _, u := range users {
		retention[u.ID] = u.TaskRetentionDays
	}

	for _, uid := range userIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.UsersScanned++

		// 孤儿任务（用户已不存在）按默认保留期处理
		days := s.RetentionFor(retention[uid])
		deleted, err := s.cleanupUser(ctx, uid, s.cutoff(days))
		if err != nil {
			return res, fmt.Errorf("cleanup user %d: %w", uid, err)
		}
		if deleted > 0 {
			// 已提交即计数，后续用户失败也不影响
			metrics.CleanupDeletedTasksTotal.Add(float64(deleted))
			res.DeletedCount += deleted
			res.UsersAffected++
			s.logger.Debug("completed tasks cleaned",
				slog.Uint64("user_id", uint64(uid)),
				slog.Int("retention_days", days),
				slog.Int64("deleted", deleted))
		}
	}

	s.logger.Info("completed task cleanup finished",
		slog.Int("users_scanned", res.UsersScanned),
		slog.Int("users_affected", res.UsersAffected),
		slog.Int64("deleted", res.DeletedCount))
	return res, nil
}

func (s *Service) cleanupUser(ctx context.Context, userID uint, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := eligible(tx, userID, cutoff).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("task_id IN ?", ids).Delete(&model.TaskComment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id IN ?", ids).Delete(&model.TaskArtifact{}).Error; err != nil {
			return err
		}
		r := tx.Where("id IN ?", ids).Delete(&model.Task{})
		if r.Error != nil {
			return r.Error
		}
		deleted = r.RowsAffected
		return nil
	})
	return deleted, err
}

func eligible(db *gorm.DB, userID uint, cutoff time.Time) *gorm.DB {
	return db.Model(&model.Task{}).
		Where("user_id = ? AND completed = ? AND completed_at IS NOT NULL AND completed_at < ?", userID, true, cutoff)
}
