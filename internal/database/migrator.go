// migrator.go — relay 审计库的 SQL 迁移执行。
package database

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
	"github.com/multi-agent/codex-relay/pkg/logger"
)

// Migrate 按文件名顺序执行 migrationsDir 下的 .sql 脚本。
//
// 已执行版本记录在 relay_schema_version 表; 每个脚本连同版本登记
// 在同一事务内提交, 失败回滚后中止整个迁移。
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) error {
	if pool == nil {
		return apperrors.New("database.Migrate", "pool is required")
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS relay_schema_version (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		logger.Error("migrate: create version table failed", logger.FieldError, err)
		return apperrors.Wrap(err, "database.Migrate", "create relay_schema_version table")
	}

	scripts, err := listMigrationScripts(migrationsDir)
	if err != nil {
		return err
	}
	if scripts == nil {
		logger.Info("migrate: no migrations directory, skipping", logger.FieldPath, migrationsDir)
		return nil
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	pending := 0
	for _, name := range scripts {
		if !applied[name] {
			pending++
		}
	}
	if pending > 0 {
		logger.Infow("migrate: applying pending migrations", logger.FieldCount, pending)
	}

	for _, name := range scripts {
		if applied[name] {
			continue
		}
		if err := applyMigration(ctx, pool, migrationsDir, name); err != nil {
			return err
		}
		logger.Infow("migrate: applied", logger.FieldVersion, name)
	}
	return nil
}

// listMigrationScripts 返回按名字排序的 .sql 文件; 目录不存在返回 nil。
func listMigrationScripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "database.Migrate", "read migrations dir")
	}
	scripts := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			scripts = append(scripts, e.Name())
		}
	}
	sort.Strings(scripts)
	return scripts, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT version FROM relay_schema_version`)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.Migrate", "query relay_schema_version")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, apperrors.Wrap(err, "database.Migrate", "scan version row")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// applyMigration 在单事务内执行脚本并登记版本。
func applyMigration(ctx context.Context, pool *pgxpool.Pool, dir, name string) error {
	sqlBytes, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return apperrors.Wrapf(err, "database.Migrate", "read migration %s", name)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrapf(err, "database.Migrate", "begin tx for %s", name)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return apperrors.Wrapf(err, "database.Migrate", "exec migration %s", name)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO relay_schema_version (version) VALUES ($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return apperrors.Wrapf(err, "database.Migrate", "record migration %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrapf(err, "database.Migrate", "commit migration %s", name)
	}
	return nil
}
