package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlementsync/internal/clock"
	"github.com/smallbiznis/entitlementsync/internal/config"
	"github.com/smallbiznis/entitlementsync/internal/entitlement"
	"github.com/smallbiznis/entitlementsync/internal/migration"
	"github.com/smallbiznis/entitlementsync/internal/observability"
	"github.com/smallbiznis/entitlementsync/internal/ratelimit"
	"github.com/smallbiznis/entitlementsync/internal/server"
	"github.com/smallbiznis/entitlementsync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		migration.Module,

		// Webhook ingestion
		entitlement.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
