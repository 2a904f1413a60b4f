// migrate — 执行 migrations/ 目录下的 SQL 迁移。
package main

import (
	"context"
	"os"
	"time"

	"github.com/multi-agent/codex-relay/internal/config"
	"github.com/multi-agent/codex-relay/internal/database"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

func main() {
	cfg := config.Load()
	if cfg.PostgresConnStr == "" {
		logger.Fatal("migrate: POSTGRES_CONNECTION_STRING not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("migrate: connect failed", logger.FieldError, err)
	}
	defer pool.Close()

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if err := database.Migrate(ctx, pool, dir); err != nil {
		logger.Fatal("migrate: failed", logger.FieldError, err)
	}
	logger.Info("migrate: complete", logger.FieldPath, dir)
}
