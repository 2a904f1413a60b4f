// Package rollout 通过 tail codex 会话 JSONL 日志对账线程活动状态。
//
// codex 将每个 thread 的完整事件流追加写入:
//
//	~/.codex/sessions/YYYY/MM/DD/rollout-<ts>-<threadID>.jsonl
//
// 引擎同时被多个前端驱动时, RPC 通知只发给发起方;
// 日志是唯一能看到全部活动的数据源。
package rollout

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
)

// DefaultSessionsDir 返回默认会话日志根目录 (~/.codex/sessions)。
func DefaultSessionsDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", apperrors.Wrap(err, "rollout.DefaultSessionsDir", "get home dir")
	}
	return filepath.Join(homeDir, ".codex", "sessions"), nil
}

// FindSessionPath 根据 threadID 查找 rollout 文件。
//
// 分层搜索: 今天 → 近 7 天 → 全量 (兜底)。
// 同一 thread 匹配多个文件时取排序后的最后一个 (文件名含时间戳, 即最新)。
func FindSessionPath(sessionsDir, threadID string) (string, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return "", apperrors.New("rollout.FindSessionPath", "empty thread id")
	}
	suffix := "rollout-*-" + threadID + ".jsonl"

	now := time.Now()
	todayDir := filepath.Join(sessionsDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if matches, _ := filepath.Glob(filepath.Join(todayDir, suffix)); len(matches) > 0 {
		sort.Strings(matches)
		return matches[len(matches)-1], nil
	}

	for i := 1; i <= 7; i++ {
		d := now.AddDate(0, 0, -i)
		dir := filepath.Join(sessionsDir, d.Format("2006"), d.Format("01"), d.Format("02"))
		if matches, _ := filepath.Glob(filepath.Join(dir, suffix)); len(matches) > 0 {
			sort.Strings(matches)
			return matches[len(matches)-1], nil
		}
	}

	pattern := filepath.Join(sessionsDir, "*", "*", "*", suffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", apperrors.Wrap(err, "rollout.FindSessionPath", "glob rollout files")
	}
	if len(matches) == 0 {
		return "", apperrors.Newf("rollout.FindSessionPath", "no rollout file found for thread %s", threadID)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// indexEntry 缓存的路径查找结果。
type indexEntry struct {
	path    string
	checked time.Time
}

// Index 带刷新节流的 rollout 路径索引。
//
// 目录 glob 代价不小, 按 refresh 周期缓存;
// 周期内重复 Lookup 直接命中缓存, 到期后重新扫描以发现文件轮转。
type Index struct {
	sessionsDir string
	refresh     time.Duration

	mu      sync.Mutex
	entries map[string]indexEntry // threadID → entry
}

// NewIndex 创建索引。refresh <= 0 时默认 30 秒。
func NewIndex(sessionsDir string, refresh time.Duration) *Index {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &Index{
		sessionsDir: sessionsDir,
		refresh:     refresh,
		entries:     make(map[string]indexEntry),
	}
}

// Lookup 返回线程的 rollout 文件路径, 周期内复用缓存。
//
// 重新扫描发现路径变化 (会话轮转) 时返回新路径,
// 调用方据此丢弃旧文件的读取状态。
func (ix *Index) Lookup(threadID string) (string, error) {
	threadID = strings.TrimSpace(threadID)
	now := time.Now()

	ix.mu.Lock()
	entry, ok := ix.entries[threadID]
	ix.mu.Unlock()
	if ok && now.Sub(entry.checked) < ix.refresh {
		return entry.path, nil
	}

	path, err := FindSessionPath(ix.sessionsDir, threadID)
	if err != nil {
		// 查找失败不缓存, 下次重试
		return "", err
	}

	ix.mu.Lock()
	ix.entries[threadID] = indexEntry{path: path, checked: now}
	ix.mu.Unlock()
	return path, nil
}

// Forget 丢弃缓存项, 下次 Lookup 强制重新扫描。
func (ix *Index) Forget(threadID string) {
	ix.mu.Lock()
	delete(ix.entries, strings.TrimSpace(threadID))
	ix.mu.Unlock()
}
