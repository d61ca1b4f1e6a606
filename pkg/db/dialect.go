package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/entitlementsync/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm driver for DATABASE_TYPE. DATABASE_URL, when set,
// is passed to the driver verbatim.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn := strings.TrimSpace(cfg.DBURL)

	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "mysql":
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
				cfg.DBUser,
				cfg.DBPassword,
				cfg.DBHost,
				cfg.DBPort,
				cfg.DBName,
			)
		}
		return mysql.Open(dsn), nil
	case "postgres", "":
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
				cfg.DBHost,
				cfg.DBUser,
				cfg.DBPassword,
				cfg.DBName,
				cfg.DBPort,
				cfg.DBSSLMode,
			)
		}
		return postgres.Open(dsn), nil
	case "sqlite":
		if dsn == "" {
			dsn = "entitlements.db"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}
