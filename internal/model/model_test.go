package model

import (
	"testing"
	"time"
)

func TestPermissionSet_RoundTripThroughStorage(t *testing.T) {
	set, err := ParsePermissionSet([]string{"tasks:write", " Comments:Read ", "", "tasks:read"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !set.Has(PermTasksRead) || !set.Has(PermTasksWrite) || !set.Has(PermCommentsRead) {
		t.Fatalf("missing permissions in %v", set.Names())
	}
	if set.Has(PermArtifactsWrite) {
		t.Fatalf("unexpected artifacts:write")
	}

	v, err := set.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != "tasks:read,tasks:write,comments:read" {
		t.Fatalf("unexpected stored form %q", v)
	}

	var scanned PermissionSet
	if err := scanned.Scan([]byte("tasks:read,legacy:thing,comments:read")); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned != NewPermissionSet(PermTasksRead, PermCommentsRead) {
		t.Fatalf("unexpected scanned set %v", scanned.Names())
	}
}

func TestParsePermissionSet_RejectsUnknown(t *testing.T) {
	if _, err := ParsePermissionSet([]string{"tasks:read", "tasks:delete"}); err == nil {
		t.Fatalf("expected unknown permission error")
	}
}

func TestIDList_ValueAndScan(t *testing.T) {
	v, err := IDList{9, 3, 5}.Value()
	if err != nil || v != "3,5,9" {
		t.Fatalf("unexpected value %v %v", v, err)
	}
	if v, _ := IDList(nil).Value(); v != "" {
		t.Fatalf("expected empty string for empty list, got %v", v)
	}

	var l IDList
	if err := l.Scan("4, 8,,15"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(l) != 3 || !l.Contains(8) || l.Contains(16) {
		t.Fatalf("unexpected list %v", l)
	}
	if err := l.Scan("4,x"); err == nil {
		t.Fatalf("expected error for non numeric id")
	}
}

func TestBot_CanAccessProject(t *testing.T) {
	p1, p2 := uint(1), uint(2)
	open := Bot{}
	if !open.CanAccessProject(nil) || !open.CanAccessProject(&p1) {
		t.Fatalf("empty allow-list must allow everything")
	}
	scoped := Bot{ProjectIDs: IDList{1}}
	if !scoped.CanAccessProject(&p1) {
		t.Fatalf("expected access to project 1")
	}
	if scoped.CanAccessProject(&p2) || scoped.CanAccessProject(nil) {
		t.Fatalf("scoped bot must not see other projects or unassigned tasks")
	}
}

func TestTask_SetCompleted(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := Task{Status: TaskStatusInProgress, Progress: 40}

	task.SetCompleted(true, now)
	if !task.Completed || task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Fatalf("expected completed at %s, got %+v", now, task)
	}
	if task.Status != TaskStatusDone || task.Progress != 100 {
		t.Fatalf("expected done/100, got %s/%d", task.Status, task.Progress)
	}

	// 重复完成不刷新完成时间
	task.SetCompleted(true, now.Add(time.Hour))
	if !task.CompletedAt.Equal(now) {
		t.Fatalf("completed_at must not move on repeated completion")
	}

	task.SetCompleted(false, now)
	if task.Completed || task.CompletedAt != nil || task.Status != TaskStatusInProgress {
		t.Fatalf("expected reopened task, got %+v", task)
	}
}

func TestEnums(t *testing.T) {
	if !PriorityDoFirst.Valid() || Priority("urgent").Valid() {
		t.Fatalf("priority validity mismatch")
	}
	if !TaskStatusBlocked.Valid() || TaskStatus("paused").Valid() {
		t.Fatalf("status validity mismatch")
	}
	if !PlanPro.Paid() || !PlanTeam.Paid() || PlanFree.Paid() {
		t.Fatalf("plan paid mismatch")
	}
	reset := PasswordReset{ExpiresAt: time.Unix(100, 0)}
	if reset.Expired(time.Unix(99, 0)) || !reset.Expired(time.Unix(100, 0)) {
		t.Fatalf("expiry boundary mismatch")
	}
}
