package db

import (
	"time"

	"github.com/smallbiznis/entitlementsync/internal/config"
)

// PoolConfig sizes the shared connection pool.
type PoolConfig struct {
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func poolConfig(cfg config.Config) PoolConfig {
	pool := PoolConfig{
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
	if pool.MaxOpenConn <= 0 {
		pool.MaxOpenConn = 20
	}
	if pool.MaxIdleConn <= 0 || pool.MaxIdleConn > pool.MaxOpenConn {
		pool.MaxIdleConn = min(5, pool.MaxOpenConn)
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 30 * time.Minute
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = 5 * time.Minute
	}
	return pool
}
