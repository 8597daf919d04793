// Package database opens the Postgres, Redis and MongoDB connections and owns
// the relational schema.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// PostgresConfig holds database configuration.
type PostgresConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPostgresConfig returns pool defaults; maxConns <= 0 keeps 25.
func DefaultPostgresConfig(maxConns int) *PostgresConfig {
	if maxConns <= 0 {
		maxConns = 25
	}
	return &PostgresConfig{
		MaxConns:          int32(maxConns),
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// NewPostgres opens a pgx pool and pings it.
func NewPostgres(ctx context.Context, databaseURL string, cfg *PostgresConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig(0)
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.MaxConns = cfg.MaxConns
	config.MinConns = cfg.MinConns
	config.MaxConnLifetime = cfg.MaxConnLifetime
	config.MaxConnIdleTime = cfg.MaxConnIdleTime
	config.HealthCheckPeriod = cfg.HealthCheckPeriod

	// Disable prepared statement cache to avoid conflicts with sqlx
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewSQLX opens the database/sql handle used by the repositories.
func NewSQLX(ctx context.Context, databaseURL string, cfg *PostgresConfig) (*sqlx.DB, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig(0)
	}

	url := databaseURL
	if !strings.Contains(url, "default_query_exec_mode") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "default_query_exec_mode=simple_protocol"
	}

	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect sqlx: %w", err)
	}
	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetMaxIdleConns(int(cfg.MinConns) + 8)
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
	return db, nil
}

// PoolStats returns connection pool statistics.
type PoolStats struct {
	TotalConns      int32 `json:"total_conns"`
	AcquiredConns   int32 `json:"acquired_conns"`
	IdleConns       int32 `json:"idle_conns"`
	MaxConns        int32 `json:"max_conns"`
	AcquireCount    int64 `json:"acquire_count"`
	AcquireDuration int64 `json:"acquire_duration_ms"`
}

// GetPoolStats returns pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		AcquiredConns:   stat.AcquiredConns(),
		IdleConns:       stat.IdleConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().Milliseconds(),
	}
}

// =============================================================================
// Redis
// =============================================================================

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedis parses redisURL, applies cfg and pings the server.
func NewRedis(ctx context.Context, redisURL string, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.MaxRetries = cfg.MaxRetries
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStats returns Redis pool statistics.
type RedisStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}

// GetRedisStats returns Redis pool statistics.
func GetRedisStats(client *redis.Client) *RedisStats {
	stat := client.PoolStats()
	return &RedisStats{
		Hits:       stat.Hits,
		Misses:     stat.Misses,
		Timeouts:   stat.Timeouts,
		TotalConns: stat.TotalConns,
		IdleConns:  stat.IdleConns,
		StaleConns: stat.StaleConns,
	}
}

// =============================================================================
// MongoDB
// =============================================================================

// NewMongo connects with a small pool; the sync run audit is the only user.
func NewMongo(ctx context.Context, mongoURL string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(mongoURL).
		SetAppName("mailflow").
		SetMaxPoolSize(20).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}
