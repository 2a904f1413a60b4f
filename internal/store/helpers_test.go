// helpers_test.go — QueryBuilder 表驱动测试。
package store

import (
	"strings"
	"testing"
)

func TestQueryBuilderEq(t *testing.T) {
	t.Run("skips_empty", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "")
		clause := qb.WhereClause()
		if clause != "" {
			t.Errorf("expected empty WHERE, got %q", clause)
		}
	})

	t.Run("adds_condition", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "started")
		clause := qb.WhereClause()
		if !strings.Contains(clause, "status = $1") {
			t.Errorf("expected 'status = $1' in WHERE, got %q", clause)
		}
		params := qb.Params()
		if len(params) != 1 || params[0] != "started" {
			t.Errorf("expected params [started], got %v", params)
		}
	})

	t.Run("multiple_conditions", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("thread_id", "t-1").Eq("status", "interrupted")
		clause := qb.WhereClause()
		if !strings.Contains(clause, "thread_id = $1") || !strings.Contains(clause, "status = $2") {
			t.Errorf("expected both conditions, got %q", clause)
		}
	})
}

func TestQueryBuilderKeywordLike(t *testing.T) {
	t.Run("ESCAPE_clause", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("test", "message")
		clause := qb.WhereClause()
		if !strings.Contains(clause, `ESCAPE E'\\'`) {
			t.Errorf("expected ESCAPE clause, got %q", clause)
		}
	})

	t.Run("escapes_percent", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("100%", "message")
		params := qb.Params()
		if len(params) != 1 {
			t.Fatalf("expected 1 param, got %d", len(params))
		}
		p := params[0].(string)
		if !strings.Contains(p, `100\%`) {
			t.Errorf("expected escaped percent in param, got %q", p)
		}
	})

	t.Run("skips_empty_keyword", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("", "message")
		clause := qb.WhereClause()
		if clause != "" {
			t.Errorf("expected empty WHERE for empty keyword, got %q", clause)
		}
	})

	t.Run("multi_column", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("test", "message", "raw")
		clause := qb.WhereClause()
		if !strings.Contains(clause, "LOWER(message)") || !strings.Contains(clause, "LOWER(raw)") {
			t.Errorf("expected both columns in LIKE, got %q", clause)
		}
		if !strings.Contains(clause, " OR ") {
			t.Errorf("expected OR between columns, got %q", clause)
		}
	})
}

func TestQueryBuilderBuild(t *testing.T) {
	qb := NewQueryBuilder()
	qb.Eq("thread_id", "t-1")
	sql, params := qb.Build("SELECT * FROM turn_transitions", "ts DESC", 50)
	if !strings.Contains(sql, "WHERE thread_id = $1") {
		t.Errorf("expected WHERE clause, got %q", sql)
	}
	if !strings.Contains(sql, "ORDER BY ts DESC") {
		t.Errorf("expected ORDER BY, got %q", sql)
	}
	if !strings.Contains(sql, "LIMIT $2") {
		t.Errorf("expected LIMIT placeholder, got %q", sql)
	}
	if len(params) != 2 || params[1] != 50 {
		t.Errorf("expected limit param 50, got %v", params)
	}
}

func TestQueryBuilderBuildClampsLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero_to_min", 0, 1},
		{"negative_to_min", -5, 1},
		{"over_max", 10000, 2000},
		{"in_range", 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qb := NewQueryBuilder()
			_, params := qb.Build("SELECT 1", "", tt.limit)
			got := params[len(params)-1].(int)
			if got != tt.want {
				t.Errorf("limit = %d, want %d", got, tt.want)
			}
		})
	}
}
