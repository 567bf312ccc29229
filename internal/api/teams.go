package api

import (
	"errors"
	"strings"
	"time"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type invitationTeam struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	OwnerID     uint   `json:"ownerId"`
}

type invitationView struct {
	ID        uint           `json:"id"`
	Email     string         `json:"email"`
	Role      string         `json:"role"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	CreatedAt time.Time      `json:"createdAt"`
	Team      invitationTeam `json:"team"`
}

// handlePendingInvitations 返回发给调用者邮箱、尚未过期的团队邀请，最新的在前。
func (s *Server) handlePendingInvitations(c *gin.Context) {
	ctx := c.Request.Context()
	var user model.User
	err := s.db.WithContext(ctx).Select("id", "email").First(&user, middleware.UserID(c)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Fail(c, errUserNotFound)
		return
	}
	if err != nil {
		s.internal(c, "load user failed", err)
		return
	}

	var list []model.TeamInvitation
	if err := s.db.WithContext(ctx).Preload("Team").
		Where("email = ? AND expires_at > ?", strings.ToLower(strings.TrimSpace(user.Email)), s.now().UTC()).
		Order("created_at DESC").Order("id DESC").
		Find(&list).Error; err != nil {
		s.internal(c, "list invitations failed", err)
		return
	}

	out := make([]invitationView, 0, len(list))
	for _, inv := range list {
		out = append(out, invitationView{
			ID:        inv.ID,
			Email:     inv.Email,
			Role:      inv.Role,
			Token:     inv.Token,
			ExpiresAt: inv.ExpiresAt.UTC(),
			CreatedAt: inv.CreatedAt.UTC(),
			Team: invitationTeam{
				ID:          inv.Team.ID,
				Name:        inv.Team.Name,
				Slug:        inv.Team.Slug,
				Description: inv.Team.Description,
				OwnerID:     inv.Team.OwnerID,
			},
		})
	}
	response.OK(c, out)
}
