package api

import (
	"net/http"
	"testing"

	"taskquadrant/internal/model"
)

func TestRetentionSettings(t *testing.T) {
	ts := newTestServer(t)
	u := ts.createUser(t, "u@example.com", false)
	tok := ts.tokenFor(t, u)

	w, env := ts.do(t, http.MethodGet, "/api/settings/retention", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	if v := decode[retentionView](t, env.Data); v.RetentionDays != 30 || v.DefaultRetentionDays != 30 {
		t.Fatalf("unexpected view %+v", v)
	}

	w, env = ts.do(t, http.MethodPut, "/api/settings/retention", tok, map[string]int{"retentionDays": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("put: %d %s", w.Code, w.Body.String())
	}
	var stored model.User
	ts.db.First(&stored, u.ID)
	if stored.TaskRetentionDays != 7 {
		t.Fatalf("expected 7 days stored, got %d", stored.TaskRetentionDays)
	}

	for _, days := range []int{0, -1, MaxRetentionDays + 1} {
		w, env = ts.do(t, http.MethodPut, "/api/settings/retention", tok, map[string]int{"retentionDays": days})
		if w.Code != http.StatusBadRequest || env.Error.Code != "INVALID_INPUT" {
			t.Fatalf("%d days: expected INVALID_INPUT, got %d", days, w.Code)
		}
	}
}

func TestRetentionSettings_UnsetFallsBackToDefault(t *testing.T) {
	ts := newTestServer(t)
	u := ts.createUser(t, "u@example.com", false)
	ts.db.Model(&model.User{}).Where("id = ?", u.ID).Update("task_retention_days", 0)

	w, env := ts.do(t, http.MethodGet, "/api/settings/retention", ts.tokenFor(t, u), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if v := decode[retentionView](t, env.Data); v.RetentionDays != 30 {
		t.Fatalf("expected default retention, got %+v", v)
	}
}
