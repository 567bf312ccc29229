package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"taskquadrant/internal/config"
	"taskquadrant/internal/store"

	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

// OpenTestDB 为单个测试打开独立的内存 SQLite 数据库。
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, testDBSeq.Add(1))
	db, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, nil)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(db)
	})
	return db
}
