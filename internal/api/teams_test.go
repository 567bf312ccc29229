package api

import (
	"net/http"
	"testing"
	"time"

	"taskquadrant/internal/model"
)

func TestPendingInvitations(t *testing.T) {
	ts := newTestServer(t)
	u := ts.createUser(t, "invitee@example.com", false)
	team := model.Team{Name: "Platform", Slug: "platform", Description: "infra", OwnerID: 99}
	ts.db.Create(&team)

	now := time.Now().UTC()
	invites := []model.TeamInvitation{
		{TeamID: team.ID, Email: "invitee@example.com", Role: "member", Token: "old", ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now.Add(-2 * time.Hour)},
		{TeamID: team.ID, Email: "invitee@example.com", Role: "admin", Token: "new", ExpiresAt: now.Add(48 * time.Hour), CreatedAt: now.Add(-time.Hour)},
		{TeamID: team.ID, Email: "invitee@example.com", Role: "member", Token: "expired", ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-72 * time.Hour)},
		{TeamID: team.ID, Email: "someone@example.com", Role: "member", Token: "other", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	}
	for i := range invites {
		if err := ts.db.Create(&invites[i]).Error; err != nil {
			t.Fatalf("create invitation: %v", err)
		}
	}

	w, env := ts.do(t, http.MethodGet, "/api/teams/pending-invitations", ts.tokenFor(t, u), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	list := decode[[]invitationView](t, env.Data)
	if len(list) != 2 {
		t.Fatalf("expected 2 pending invitations, got %d", len(list))
	}
	if list[0].Token != "new" || list[1].Token != "old" {
		t.Fatalf("expected newest first, got %s then %s", list[0].Token, list[1].Token)
	}
	if list[0].Team.Slug != "platform" || list[0].Team.OwnerID != 99 || list[0].Team.Description != "infra" {
		t.Fatalf("unexpected team %+v", list[0].Team)
	}
}

func TestPendingInvitations_Errors(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodGet, "/api/teams/pending-invitations", "", nil)
	if w.Code != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %d", w.Code)
	}

	ghost := model.User{ID: 12345, Email: "ghost@example.com"}
	w, env = ts.do(t, http.MethodGet, "/api/teams/pending-invitations", ts.tokenFor(t, ghost), nil)
	if w.Code != http.StatusNotFound || env.Error.Code != "USER_NOT_FOUND" {
		t.Fatalf("expected USER_NOT_FOUND, got %d %s", w.Code, w.Body.String())
	}
}
