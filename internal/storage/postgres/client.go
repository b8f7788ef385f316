package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
)

// requiredTables 工单流水线依赖的表，缺任何一张都视为未就绪
var requiredTables = []string{"environments", "users", "tickets", "ticket_emails", "attachments"}

// Client 独立于 GORM 的 pgx 连接池，只做就绪检查：连接可用且表结构已经迁移
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New 创建探活连接池
func New(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	poolConfig.MaxConns = 2
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create readiness pool: %w", err)
	}

	c := &Client{pool: pool, log: log}
	if err := c.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("PostgreSQL readiness pool ready", zap.String("host", poolConfig.ConnConfig.Host))
	return c, nil
}

// Close 关闭连接池
func (c *Client) Close() {
	c.pool.Close()
}

// Ping 检查连接并确认所需的表都已存在
func (c *Client) Ping(ctx context.Context) error {
	rows, err := c.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ANY($1)`,
		requiredTables,
	)
	if err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(requiredTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if missing := missingTables(found); len(missing) > 0 {
		return fmt.Errorf("schema not migrated, missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func missingTables(found map[string]bool) []string {
	var missing []string
	for _, name := range requiredTables {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
