// models.go — Store 层数据模型。
package store

import "time"

// ========================================
// 系统日志
// ========================================

// SystemLog 系统日志行 (system_logs 表)。
type SystemLog struct {
	ID      int       `db:"id" json:"id"`
	Ts      time.Time `db:"ts" json:"ts"`
	Level   string    `db:"level" json:"level"`
	Logger  string    `db:"logger" json:"logger"`
	Message string    `db:"message" json:"message"`
	Raw     string    `db:"raw" json:"raw"`

	Source     string `db:"source" json:"source"`
	Component  string `db:"component" json:"component"`
	ThreadID   string `db:"thread_id" json:"thread_id"`
	TurnID     string `db:"turn_id" json:"turn_id"`
	TraceID    string `db:"trace_id" json:"trace_id"`
	EventType  string `db:"event_type" json:"event_type"`
	DurationMS *int   `db:"duration_ms" json:"duration_ms"`
	Extra      any    `db:"extra" json:"extra"`
}

// ========================================
// turn 状态转换审计
// ========================================

// TurnTransition turn 生命周期转换记录 (turn_transitions 表)。
//
// 每次本地观察到 turn 进入新状态时追加一行, 供事后排查
// "哪个 turn 是被谁、因为什么完结的"。
type TurnTransition struct {
	ID       int       `db:"id" json:"id"`
	Ts       time.Time `db:"ts" json:"ts"`
	ThreadID string    `db:"thread_id" json:"thread_id"`
	TurnID   string    `db:"turn_id" json:"turn_id"`
	Status   string    `db:"status" json:"status"` // started | interrupted | completed
	Reason   string    `db:"reason" json:"reason"`
}
