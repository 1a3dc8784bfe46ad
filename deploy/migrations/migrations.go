// Package migrations holds the numbered MySQL schema files for conversations,
// task states and the issuance ledger. internal/storage/mysql applies them in
// version order when the connection pool opens.
package migrations

import "embed"

// Files 内嵌 NNNN_name.sql 迁移文件，版本号一经发布不可复用。
//
//go:embed *.sql
var Files embed.FS
