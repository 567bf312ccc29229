package model

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Permission 是 Bot 可被授予的单项能力。
type Permission uint8

const (
	PermTasksRead Permission = 1 << iota
	PermTasksWrite
	PermCommentsRead
	PermCommentsWrite
	PermArtifactsRead
	PermArtifactsWrite
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermTasksRead, "tasks:read"},
	{PermTasksWrite, "tasks:write"},
	{PermCommentsRead, "comments:read"},
	{PermCommentsWrite, "comments:write"},
	{PermArtifactsRead, "artifacts:read"},
	{PermArtifactsWrite, "artifacts:write"},
}

// String 返回权限名，例如 "tasks:read"。
func (p Permission) String() string {
	for _, pn := range permissionNames {
		if pn.perm == p {
			return pn.name
		}
	}
	return "unknown"
}

// ParsePermission 解析单个权限名。
func ParsePermission(name string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, pn := range permissionNames {
		if pn.name == name {
			return pn.perm, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

// PermissionSet 权限集合。
//
// 数据库中以逗号分隔的字符串存储（如 "tasks:read,comments:write"）。
type PermissionSet uint8

// NewPermissionSet 由权限列表构造集合。
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s |= PermissionSet(p)
	}
	return s
}

// ParsePermissionSet 解析权限名列表，遇到未知名称返回错误。
func ParsePermissionSet(names []string) (PermissionSet, error) {
	var s PermissionSet
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		p, err := ParsePermission(name)
		if err != nil {
			return 0, err
		}
		s |= PermissionSet(p)
	}
	return s, nil
}

// Has 判断是否包含某项权限。
func (s PermissionSet) Has(p Permission) bool {
	return s&PermissionSet(p) != 0
}

// Names 返回有序的权限名列表。
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(permissionNames))
	for _, pn := range permissionNames {
		if s.Has(pn.perm) {
			names = append(names, pn.name)
		}
	}
	return names
}

// String 返回逗号分隔形式。
func (s PermissionSet) String() string {
	return strings.Join(s.Names(), ",")
}

// Value 实现 driver.Valuer。
func (s PermissionSet) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan 实现 sql.Scanner。未知的权限名会被忽略，避免旧数据导致整行读取失败。
func (s *PermissionSet) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*s = 0
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan permission set: unsupported type %T", src)
	}
	var set PermissionSet
	for _, name := range strings.Split(raw, ",") {
		if p, err := ParsePermission(name); err == nil {
			set |= PermissionSet(p)
		}
	}
	*s = set
	return nil
}

// IDList 以逗号分隔字符串存储的 ID 列表。
type IDList []uint

// Contains 判断列表是否包含 id。
func (l IDList) Contains(id uint) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Value 实现 driver.Valuer。
func (l IDList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "", nil
	}
	sorted := append(IDList(nil), l...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, 0, len(sorted))
	for _, id := range sorted {
		parts = append(parts, strconv.FormatUint(uint64(id), 10))
	}
	return strings.Join(parts, ","), nil
}

// Scan 实现 sql.Scanner。
func (l *IDList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan id list: unsupported type %T", src)
	}
	var out IDList
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return fmt.Errorf("scan id list: %w", err)
		}
		out = append(out, uint(id))
	}
	*l = out
	return nil
}

// Bot 自动化身份，代表某个用户通过 API Key 操作任务。
type Bot struct {
	ID                 uint   `gorm:"primaryKey"`
	OwnerID            uint   `gorm:"not null;index"`
	Name               string `gorm:"not null"`
	Description        string
	APIKeyHash         string        `gorm:"type:varchar(64);uniqueIndex;not null"` // SHA-256(hex)
	APIKeyPrefix       string        `gorm:"type:varchar(16);index"`                // 仅用于展示识别
	WebhookURL         string        `gorm:"type:varchar(512)"`
	WebhookSecret      string        `gorm:"type:varchar(128)"`
	Permissions        PermissionSet `gorm:"type:varchar(255)"`
	ProjectIDs         IDList        `gorm:"type:varchar(1024)"` // 空表示所有项目
	RateLimitPerMinute int           `gorm:"default:60"`
	IsActive           bool          `gorm:"default:true"`
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CanAccessProject 判断 Bot 是否可访问某项目下的任务。
//
// 白名单为空时可访问所属用户的全部任务（包括未归属项目的任务）。
func (b *Bot) CanAccessProject(projectID *uint) bool {
	if len(b.ProjectIDs) == 0 {
		return true
	}
	if projectID == nil {
		return false
	}
	return b.ProjectIDs.Contains(*projectID)
}
