package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/quotely/quotely/internal/clock"
	"github.com/quotely/quotely/internal/config"
	"github.com/quotely/quotely/internal/migration"
	"github.com/quotely/quotely/internal/observability"
	"github.com/quotely/quotely/internal/server"
	"github.com/quotely/quotely/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
