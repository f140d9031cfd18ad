// Package db 数据库建表脚本
package db

import _ "embed"

// Schema alerts 与 caretaker_links 建表脚本（幂等）
//
//go:embed schema.sql
var Schema string
