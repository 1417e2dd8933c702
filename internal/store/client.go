// Package store provides Postgres access for the capture pipeline: the
// backlog view, the item tables, and the capture_jobs ledger.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Client wraps a pgx connection pool.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewClient connects to Postgres and verifies the connection.
func NewClient(ctx context.Context, databaseURL string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	log.Info("connecting to record store", "host", cfg.ConnConfig.Host)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Info("record store connection established")
	return &Client{pool: pool, logger: log}, nil
}

// NewClientFromPool reuses an existing pool (for tests).
func NewClientFromPool(pool *pgxpool.Pool, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{pool: pool, logger: log}
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.logger.Info("closing record store connection")
	c.pool.Close()
}

// InitSchema creates tables, the backlog view, and the embedding
// invalidation triggers if they do not exist.
func (c *Client) InitSchema(ctx context.Context) error {
	c.logger.Info("initializing record store schema")
	if _, err := c.pool.Exec(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
