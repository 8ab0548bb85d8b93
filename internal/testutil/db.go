package testutil

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenTestDB 打开内存 SQLite 并迁移版本表，models 为测试用的业务表
func OpenTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	db := OpenEmptyDB(t)

	tables := append([]any{&schema.Version{}, &schema.VersionAssociation{}}, models...)
	if err := db.AutoMigrate(tables...); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	return db
}

// OpenEmptyDB 打开未迁移任何表的内存 SQLite
// 内存库按连接隔离，连接数固定为 1 保证所有查询看到同一份数据
func OpenEmptyDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("test db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}
