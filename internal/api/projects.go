package api

import (
	"strings"
	"time"

	"taskquadrant/internal/api/middleware"
	"taskquadrant/internal/api/response"
	"taskquadrant/internal/model"
	"taskquadrant/internal/pkg/validate"

	"github.com/gin-gonic/gin"
)

type projectView struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

func newProjectView(p model.Project) projectView {
	return projectView{ID: p.ID, Name: p.Name, Color: p.Color, CreatedAt: p.CreatedAt.UTC()}
}

func (s *Server) handleListProjects(c *gin.Context) {
	var list []model.Project
	if err := s.db.WithContext(c.Request.Context()).
		Where("user_id = ?", middleware.UserID(c)).Order("name ASC").Order("id ASC").Find(&list).Error; err != nil {
		s.internal(c, "list projects failed", err)
		return
	}
	out := make([]projectView, 0, len(list))
	for _, p := range list {
		out = append(out, newProjectView(p))
	}
	response.OK(c, out)
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required,max=100"`
		Color string `json:"color" binding:"omitempty,hexcolor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, validate.Message(err)))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		response.Fail(c, response.BadRequest(response.CodeInvalidInput, "name is required"))
		return
	}

	project := model.Project{UserID: middleware.UserID(c), Name: name, Color: strings.ToLower(req.Color)}
	if err := s.db.WithContext(c.Request.Context()).Create(&project).Error; err != nil {
		s.internal(c, "create project failed", err)
		return
	}
	response.Created(c, newProjectView(project))
}
