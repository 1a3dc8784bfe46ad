package mysql

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

const (
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultDialTimeout     = 5 * time.Second
)

// Config 是连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConfigFrom 将全局配置转换为连接池配置。
func ConfigFrom(cfg config.MySQLConfig) Config {
	return Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
	}
}

// driverConfig 解析 DSN 并补齐连接超时。迁移按语句逐条执行，因此关闭多语句模式。
func driverConfig(dsn string) (*driver.Config, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "MySQL DSN 不能为空")
	}
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		// 解析错误可能回显 DSN，密码不能进入日志。
		return nil, xerrors.New(xerrors.CodeConfiguration, "MySQL DSN 格式错误")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDialTimeout
	}
	cfg.MultiStatements = false
	return cfg, nil
}

// Open 建立连接池并执行尚未应用的迁移。会话仓库、任务存储与发行账本共用同一个池。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dc, err := driverConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	connector, err := driver.NewConnector(dc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "创建 MySQL 连接器失败")
	}
	db := sql.OpenDB(connector)
	cfg.apply(db)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL",
			xerrors.WithMetadata("addr", dc.Addr), xerrors.WithMetadata("db", dc.DBName))
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Named("mysql").Info("MySQL 已连接",
		slog.String("addr", dc.Addr),
		slog.String("db", dc.DBName),
		slog.String("user", logger.Mask(dc.User)),
	)
	return db, nil
}

func (cfg Config) apply(db *sql.DB) {
	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, defaultMaxIdleConns))
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	db.SetConnMaxLifetime(lifetime)
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
