package api

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"taskquadrant/internal/cleanup"
	"taskquadrant/internal/config"
	"taskquadrant/internal/model"
)

func (ts *testServer) completedTask(t *testing.T, userID uint, age time.Duration) model.Task {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	task := model.Task{UserID: userID, Title: "done", Priority: model.PriorityDoFirst, Completed: true, CompletedAt: &at, Status: model.TaskStatusDone}
	if err := ts.db.Create(&task).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCleanupAll_WithCronSecret(t *testing.T) {
	ts := newTestServer(t)
	u := ts.createUser(t, "u@example.com", false)
	ts.completedTask(t, u.ID, 40*24*time.Hour)
	ts.completedTask(t, u.ID, 10*24*time.Hour)

	w, env := ts.do(t, http.MethodPost, "/api/tasks/cleanup-completed?action=cleanup-all", "", nil, CronSecretHeader, "cron-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	res := decode[cleanup.Result](t, env.Data)
	if res.DeletedCount != 1 || res.UsersAffected != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	w, env = ts.do(t, http.MethodPost, "/api/tasks/cleanup-completed?action=cleanup-all", "", nil, CronSecretHeader, "cron-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("rerun: %d", w.Code)
	}
	if res := decode[cleanup.Result](t, env.Data); res.DeletedCount != 0 {
		t.Fatalf("expected idempotent rerun, got %+v", res)
	}
}

func TestCleanupAll_Authorization(t *testing.T) {
	ts := newTestServer(t)
	user := ts.createUser(t, "user@example.com", false)
	admin := ts.createUser(t, "admin@example.com", true)
	path := "/api/tasks/cleanup-completed?action=cleanup-all"

	cases := []struct {
		name    string
		bearer  string
		headers []string
		status  int
		code    string
	}{
		{name: "no credentials", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "wrong secret", headers: []string{CronSecretHeader, "nope"}, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "bad token", bearer: "garbage", status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "non admin", bearer: ts.tokenFor(t, user), status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "admin", bearer: ts.tokenFor(t, admin), status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := ts.do(t, http.MethodPost, path, tc.bearer, nil, tc.headers...)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, w.Code, w.Body.String())
			}
			if tc.code != "" && env.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, env.Error.Code)
			}
		})
	}
}

func TestCleanupAll_AdminRoleClaimIsNotEnough(t *testing.T) {
	ts := newTestServer(t)
	user := ts.createUser(t, "user@example.com", false)
	tok, err := ts.issuer.IssueAdmin(strconv.FormatUint(uint64(user.ID), 10), user.Email, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w, env := ts.do(t, http.MethodPost, "/api/tasks/cleanup-completed?action=cleanup-all", tok, nil)
	if w.Code != http.StatusForbidden || env.Error.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %d %s", w.Code, w.Body.String())
	}
}

func TestCleanupAll_EmptySecretDisablesBypass(t *testing.T) {
	ts := newTestServer(t, withConfig(func(cfg *config.Config) { cfg.Security.CronSecret = "" }))
	w, env := ts.do(t, http.MethodPost, "/api/tasks/cleanup-completed?action=cleanup-all", "", nil, CronSecretHeader, "")
	if w.Code != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %s", w.Code, w.Body.String())
	}
}

func TestCleanupAll_FailureReturnsCleanupFailed(t *testing.T) {
	stub := &stubCleaner{cleanupErr: errors.New("db gone")}
	ts := newTestServer(t, withCleaner(stub))
	w, env := ts.do(t, http.MethodPost, "/api/tasks/cleanup-completed?action=cleanup-all", "", nil, CronSecretHeader, "cron-secret")
	if w.Code != http.StatusInternalServerError || env.Error.Code != "CLEANUP_FAILED" {
		t.Fatalf("expected CLEANUP_FAILED, got %d %s", w.Code, w.Body.String())
	}
	if stub.runs != 1 {
		t.Fatalf("expected exactly one attempt, got %d", stub.runs)
	}
	if env.Error.Message == "db gone" {
		t.Fatalf("internal error text leaked")
	}
}

func TestCleanupPreview(t *testing.T) {
	ts := newTestServer(t)
	u := ts.createUser(t, "u@example.com", false)
	ts.completedTask(t, u.ID, 40*24*time.Hour)
	ts.completedTask(t, u.ID, 35*24*time.Hour)
	ts.completedTask(t, u.ID, 2*24*time.Hour)
	tok := ts.tokenFor(t, u)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		path := "/api/tasks/cleanup-completed"
		if method == http.MethodPost {
			path += "?action=preview"
		}
		w, env := ts.do(t, method, path, tok, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s preview: %d %s", method, w.Code, w.Body.String())
		}
		p := decode[cleanup.Preview](t, env.Data)
		if p.EligibleCount != 2 || p.RetentionDays != 30 {
			t.Fatalf("%s: unexpected preview %+v", method, p)
		}
	}

	var count int64
	ts.db.Model(&model.Task{}).Count(&count)
	if count != 3 {
		t.Fatalf("preview must not delete, have %d tasks", count)
	}

	w, env := ts.do(t, http.MethodGet, "/api/tasks/cleanup-completed", "", nil)
	if w.Code != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %d %s", w.Code, w.Body.String())
	}
}

func TestCleanupCompleted_UnknownAction(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/tasks/cleanup-completed", "/api/tasks/cleanup-completed?action=purge"} {
		w, env := ts.do(t, http.MethodPost, path, "", nil, CronSecretHeader, "cron-secret")
		if w.Code != http.StatusBadRequest || env.Error.Code != "INVALID_INPUT" {
			t.Fatalf("%s: expected INVALID_INPUT, got %d %s", path, w.Code, w.Body.String())
		}
	}
}

func TestCleanupPreview_FailureReturnsCleanupFailed(t *testing.T) {
	ts := newTestServer(t, withCleaner(&stubCleaner{previewErr: errors.New("boom")}))
	u := ts.createUser(t, "u@example.com", false)
	w, env := ts.do(t, http.MethodGet, "/api/tasks/cleanup-completed", ts.tokenFor(t, u), nil)
	if w.Code != http.StatusInternalServerError || env.Error.Code != "CLEANUP_FAILED" {
		t.Fatalf("expected CLEANUP_FAILED, got %d %s", w.Code, w.Body.String())
	}

	ts = newTestServer(t, withCleaner(&stubCleaner{previewErr: cleanup.ErrUserNotFound}))
	w, env = ts.do(t, http.MethodGet, "/api/tasks/cleanup-completed", ts.tokenFor(t, u), nil)
	if w.Code != http.StatusNotFound || env.Error.Code != "USER_NOT_FOUND" {
		t.Fatalf("expected USER_NOT_FOUND, got %d %s", w.Code, w.Body.String())
	}
}
