package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"eldercare-alert/pkg/config"

	_ "github.com/lib/pq"
)

// Open 打开 PostgreSQL 连接池，并在 ctx 内确认数据库可用
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// ApplySchema 逐条执行建表脚本，返回执行的语句数
// 脚本中的语句需幂等（CREATE ... IF NOT EXISTS），以 "--" 开头的行视为注释
func ApplySchema(ctx context.Context, db *sql.DB, script string) (int, error) {
	executed := 0
	for _, stmt := range SplitStatements(script) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return executed, fmt.Errorf("failed to execute statement %d: %w", executed+1, err)
		}
		executed++
	}
	return executed, nil
}

// SplitStatements 去掉注释行后按分号切分
func SplitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	var statements []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
