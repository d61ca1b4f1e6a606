// Package entitlementtest provides an in-memory store for tests.
package entitlementtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

const schema = `
CREATE TABLE entitlements (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	purchase_token TEXT,
	expires_at DATETIME,
	is_active BOOLEAN NOT NULL,
	raw_response TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX idx_entitlements_user_product ON entitlements (user_id, product_id);
CREATE TABLE subscriptions (
	user_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL DEFAULT 'free',
	status TEXT NOT NULL DEFAULT 'inactive',
	expires_at DATETIME,
	billing_cycle TEXT,
	transaction_id TEXT,
	payment_provider TEXT,
	updated_at DATETIME NOT NULL
);
`

// OpenDB returns an isolated in-memory database with the entitlement schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:entitlements_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Count runs SELECT COUNT(1) with the given where clause.
func Count(t *testing.T, db *gorm.DB, table, where string, args ...any) int64 {
	t.Helper()

	query := "SELECT COUNT(1) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
