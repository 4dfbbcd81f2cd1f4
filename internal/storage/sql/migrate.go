package sql

import (
	"context"
	"fmt"
	"strings"
)

// ExecFunc 执行单条 SQL 语句
type ExecFunc func(ctx context.Context, stmt string) error

// RunMigration 按顺序执行迁移脚本中的每条语句，遇到错误立即停止
//
// progress 可为 nil；非 nil 时在每条语句执行前回调，用于输出进度。
func RunMigration(ctx context.Context, script string, exec ExecFunc, progress func(index, total int, stmt string)) (int, error) {
	stmts := SplitStatements(script)
	executed := 0
	for i, stmt := range stmts {
		if progress != nil {
			progress(i+1, len(stmts), stmt)
		}
		if err := exec(ctx, stmt); err != nil {
			return executed, fmt.Errorf("statement %d failed: %w", i+1, err)
		}
		executed++
	}
	return executed, nil
}

// SplitStatements 分割SQL语句（按分号分割，忽略字符串中的分号与注释行）
func SplitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	var inString bool
	var stringChar rune

	flush := func() {
		stmt := stripComments(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, r := range script {
		switch {
		case r == '\'' || r == '"' || r == '`':
			// 检查是否进入或退出字符串
			if !inString {
				inString = true
				stringChar = r
			} else if r == stringChar {
				inString = false
			}
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return statements
}

// stripComments 去除整行 "--" 注释与首尾空白
func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
