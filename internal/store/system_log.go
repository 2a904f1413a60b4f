// system_log.go — 系统日志 CRUD。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemLogStore 系统日志存储。
type SystemLogStore struct{ BaseStore }

// NewSystemLogStore 创建系统日志存储。
func NewSystemLogStore(pool *pgxpool.Pool) *SystemLogStore {
	return &SystemLogStore{NewBaseStore(pool)}
}

const sysLogCols = `id, ts, level, logger, message, raw,
	source, component, thread_id, turn_id, trace_id,
	event_type, duration_ms, extra`

// Append 追加系统日志 (只写基础列, 结构化字段由批量写入路径负责)。
func (s *SystemLogStore) Append(ctx context.Context, level, loggerName, message, raw string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_logs (ts, level, logger, message, raw) VALUES (NOW(), $1, $2, $3, $4)`,
		level, loggerName, message, raw)
	return err
}

// ListParams 日志查询参数。
type ListParams struct {
	Level     string
	Logger    string
	Source    string
	Component string
	ThreadID  string
	TurnID    string
	EventType string
	Keyword   string
	Limit     int
}

// List 查询系统日志。
func (s *SystemLogStore) List(ctx context.Context, p ListParams) ([]SystemLog, error) {
	q := NewQueryBuilder().
		Eq("level", p.Level).
		Eq("logger", p.Logger).
		Eq("source", p.Source).
		Eq("component", p.Component).
		Eq("thread_id", p.ThreadID).
		Eq("turn_id", p.TurnID).
		Eq("event_type", p.EventType).
		KeywordLike(p.Keyword, "level", "logger", "message", "raw", "source", "component")
	sql, params := q.Build("SELECT "+sysLogCols+" FROM system_logs", "ts DESC, id DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[SystemLog](rows)
}

// ListFilterValues 返回去重筛选值。
func (s *SystemLogStore) ListFilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "system_logs", "level", "logger", "source", "component", "event_type")
}

// Cleanup 删除超过保留期的日志。
func (s *SystemLogStore) Cleanup(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		keepDays = 7
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM system_logs WHERE ts < NOW() - ($1 || ' days')::interval`,
		keepDays)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
