package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config 数据库配置
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32

	// 启动时连接重试的最长时间
	ConnectTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           5432,
		User:           "postgres",
		Password:       "postgres",
		DBName:         "handover",
		SSLMode:        "disable",
		MaxConns:       25,
		ConnectTimeout: 30 * time.Second,
	}
}

// DSN 拼接连接串
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// ConnectPgx 连接PostgreSQL并返回连接池，数据库尚未就绪时指数退避重试
func ConnectPgx(ctx context.Context, config *Config) (*pgxpool.Pool, error) {
	return ConnectDSN(ctx, config.DSN(), config.MaxConns, config.ConnectTimeout)
}

// ConnectDSN 使用完整连接串连接
func ConnectDSN(ctx context.Context, dsn string, maxConns int32, connectTimeout time.Duration) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 设置连接池参数
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 200 * time.Millisecond
	backOff.MaxElapsedTime = connectTimeout

	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}, backoff.WithContext(backOff, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("PostgreSQL connection pool ready")
	return pool, nil
}

// Migrate 创建会话与消息表
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			mode          TEXT NOT NULL,
			owning_agent  TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chat_messages (
			session_id TEXT NOT NULL,
			seq        BIGINT NOT NULL,
			id         TEXT NOT NULL,
			sender     TEXT NOT NULL,
			content    TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			notice     TEXT NOT NULL DEFAULT '',
			retryable  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// GetPoolStats 连接池统计，供 /api/v1/health 使用
func GetPoolStats(pool *pgxpool.Pool) map[string]interface{} {
	if pool == nil {
		return nil
	}
	stats := pool.Stat()
	return map[string]interface{}{
		"total_conns":    stats.TotalConns(),
		"idle_conns":     stats.IdleConns(),
		"acquired_conns": stats.AcquiredConns(),
		"max_conns":      stats.MaxConns(),
		"new_conns":      stats.NewConnsCount(),
		"acquire_count":  stats.AcquireCount(),
		"cancel_count":   stats.CanceledAcquireCount(),
	}
}
