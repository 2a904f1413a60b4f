// Package database 管理 relay 审计落库用的 PostgreSQL 连接池。
//
// relay 的数据库是可选旁路: 只承载系统日志与 turn 状态迁移审计,
// 不在任何控制路径上。裸写 SQL (不使用 ORM)。
package database

import (
	"context"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/codex-relay/internal/config"
	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

// NewPool 创建 PostgreSQL 连接池并验证连通性。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.PostgresConnStr == "" {
		return nil, apperrors.New("database.NewPool", "POSTGRES_CONNECTION_STRING is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "parse connection string")
	}
	poolCfg.MinConns = clampConns(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = clampConns(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")
	// 数据库侧把 relay 的连接与桌面应用等其它客户端区分开
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "codex-relay"

	// search_path 经 quote_ident 处理, 不拼接用户输入
	schema := cfg.PostgresSchema
	if schema != "" && schema != "public" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, "database.NewPool", "ping postgres")
	}

	logger.Infow("relay audit db ready",
		"min_conns", cfg.PostgresPoolMinSize,
		"max_conns", cfg.PostgresPoolMaxSize,
		"schema", schema,
	)
	return pool, nil
}

// clampConns 把配置值压进 int32 范围, 越界时告警并截断。
func clampConns(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("relay audit db: pool size clamped to MaxInt32", "field", name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("relay audit db: negative pool size clamped to 0", "field", name, "value", v)
		return 0
	}
	return int32(v)
}
