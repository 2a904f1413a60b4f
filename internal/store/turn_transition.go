// turn_transition.go — turn 状态转换审计存储。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TurnTransitionStore turn 转换审计存储。
type TurnTransitionStore struct{ BaseStore }

// NewTurnTransitionStore 创建 turn 转换审计存储。
func NewTurnTransitionStore(pool *pgxpool.Pool) *TurnTransitionStore {
	return &TurnTransitionStore{NewBaseStore(pool)}
}

const turnTransitionCols = `id, ts, thread_id, turn_id, status, reason`

// Record 追加一条转换记录。
func (s *TurnTransitionStore) Record(ctx context.Context, threadID, turnID, status, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_transitions (ts, thread_id, turn_id, status, reason)
		 VALUES (NOW(), $1, $2, $3, $4)`,
		threadID, turnID, status, reason)
	return err
}

// List 查询转换记录 (诊断端点用)。
func (s *TurnTransitionStore) List(ctx context.Context, threadID, status string, limit int) ([]TurnTransition, error) {
	q := NewQueryBuilder().
		Eq("thread_id", threadID).
		Eq("status", status)
	sql, params := q.Build("SELECT "+turnTransitionCols+" FROM turn_transitions", "ts DESC, id DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[TurnTransition](rows)
}

// LatestByThread 每线程最近一条转换。
func (s *TurnTransitionStore) LatestByThread(ctx context.Context, threadID string) (*TurnTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnTransitionCols+` FROM turn_transitions
		 WHERE thread_id = $1 ORDER BY ts DESC, id DESC LIMIT 1`,
		threadID)
	if err != nil {
		return nil, err
	}
	return collectOne[TurnTransition](rows)
}
