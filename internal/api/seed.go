package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"taskquadrant/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedAdmin 确保管理员账号存在。
//
// 账号不存在时以给定密码创建；已存在时只补上 is_admin 标记，不覆盖密码。
func (s *Server) SeedAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.New("admin email is empty")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.User
		err := tx.Where("email = ?", email).First(&user).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			hash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if hashErr != nil {
				return hashErr
			}
			user = model.User{
				Email:             email,
				Password:          string(hash),
				IsAdmin:           true,
				TaskRetentionDays: model.DefaultTaskRetentionDays,
			}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			sub := model.Subscription{UserID: user.ID, Plan: model.PlanFree, Status: "active"}
			if err := tx.Create(&sub).Error; err != nil {
				return err
			}
			s.logger.Info("admin account created", slog.String("email", email))
			return nil
		}

		if user.IsAdmin {
			return nil
		}
		if err := tx.Model(&model.User{}).Where("id = ?", user.ID).Update("is_admin", true).Error; err != nil {
			return err
		}
		s.logger.Info("admin flag granted", slog.String("email", email))
		return nil
	})
}
