package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Solana/deploy/migrations"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL DEFAULT '',
        checksum CHAR(64) NOT NULL DEFAULT '',
        applied_at BIGINT NOT NULL
)`
	selectAppliedMigrationsSQL = `SELECT version, checksum FROM schema_migrations`
	insertMigrationSQL         = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

var embeddedMigrations fs.FS = migrations.Files

// migrationFile 是一个已解析的 SQL 文件，文件名形如 0003_create_issuances.sql。
type migrationFile struct {
	version    string
	order      int
	name       string
	checksum   string
	statements []string
}

// Migrate 依次执行尚未记录的迁移，每个文件一个事务。
// 已应用文件的内容若被改动则拒绝继续，避免库结构与代码悄悄分叉。
func Migrate(ctx context.Context, db *sql.DB) error {
	log := logger.Named("mysql")
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}

	for _, file := range files {
		sum, done := applied[file.version]
		if done {
			if sum != "" && sum != file.checksum {
				return xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("迁移 %s 在应用后被修改", file.name),
					xerrors.WithMetadata("version", file.version),
					xerrors.WithAlert(true))
			}
			continue
		}
		started := time.Now()
		if err := file.apply(ctx, db); err != nil {
			return err
		}
		log.Info("已应用数据库迁移",
			slog.String("migration", file.name),
			slog.Int("statements", len(file.statements)),
			slog.Duration("elapsed", time.Since(started)),
		)
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, selectAppliedMigrationsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version string
		var checksum sql.NullString
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = checksum.String
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (m migrationFile) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", m.name, i+1),
				xerrors.WithMetadata("migration", m.name))
		}
	}
	if _, err = tx.ExecContext(ctx, insertMigrationSQL, m.version, m.name, m.checksum, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("记录迁移 %s 失败", m.name))
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("提交迁移 %s 失败", m.name))
	}
	return nil
}

// loadMigrationFiles 读取内嵌 SQL 并按数字版本排序，版本号重复视为打包错误。
func loadMigrationFiles() ([]migrationFile, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}

	files := make([]migrationFile, 0, len(names))
	seen := make(map[int]string, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		version := parseMigrationVersion(name)
		order, err := strconv.Atoi(version)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("迁移文件 %s 缺少数字版本号", name))
		}
		if prev, dup := seen[order]; dup {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("迁移 %s 与 %s 版本号重复", name, prev))
		}
		seen[order] = name

		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		digest := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:    version,
			order:      order,
			name:       name,
			checksum:   hex.EncodeToString(digest[:]),
			statements: statements,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].order < files[j].order })
	return files, nil
}

// splitSQLStatements 按分号切分语句并丢弃 "--" 注释行。迁移文件中不出现包含分号的字符串字面量。
func splitSQLStatements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	base := strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
