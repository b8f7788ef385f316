// Package bootstrap 按配置组装存储层，供各个命令共用。
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/auth"
	"helpdesk/backend/internal/cache"
	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/health"
	"helpdesk/backend/internal/storage"
	"helpdesk/backend/internal/storage/hybrid"
	"helpdesk/backend/internal/storage/memory"
	"helpdesk/backend/internal/storage/postgres"
	"helpdesk/backend/internal/storage/redis"
)

// Stores 已打开的存储及其依赖
type Stores struct {
	Store   storage.Store
	Revoker auth.Revoker
	// Pingers 就绪检查使用的外部依赖
	Pingers map[string]health.Pinger

	closers []func()
}

// Close 按打开的逆序关闭所有连接
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// OpenStores 根据 storage.driver 打开存储。
//
// memory 只用于开发；postgres/mysql 通过 GORM 读写，postgres 额外建立一个 pgx
// 连接池做就绪检查。开启 storage.use_cache 时工单读取和令牌注销走 Redis，
// 否则注销列表保存在进程内。
func OpenStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Stores, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stores{Pingers: make(map[string]health.Pinger)}

	switch cfg.Storage.Driver {
	case "", "memory":
		s.Store = memory.NewStore()
		log.Warn("Using in-memory storage, data is lost on restart")

	case postgres.DialectPostgres, postgres.DialectMySQL:
		db, err := postgres.Open(cfg.Storage.Driver, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
		}
		s.Store = db
		s.closers = append(s.closers, func() {
			if err := db.Close(); err != nil {
				log.Warn("Database close error", zap.Error(err))
			}
		})
		s.Pingers["database"] = db

		if cfg.Storage.Driver == postgres.DialectPostgres {
			client, err := postgres.New(ctx, cfg.Database, log)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.closers = append(s.closers, client.Close)
			s.Pingers["postgres"] = client
		}
		log.Info("Database storage initialized", zap.String("driver", cfg.Storage.Driver))

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Storage.UseCache {
		client, err := redis.New(ctx, cfg.Redis, log)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() {
			if err := client.Close(); err != nil {
				log.Warn("Redis close error", zap.Error(err))
			}
		})
		ticketCache := redis.NewCache(client.Client(), cfg.Redis.TTL)
		s.Store = hybrid.NewStore(s.Store, ticketCache, log.With(zap.String("component", "hybrid_store")))
		s.Revoker = ticketCache
		s.Pingers["redis"] = client
		log.Info("Redis ticket cache enabled", zap.String("address", cfg.Redis.Address))
	} else {
		revocations := cache.NewRevocationList(time.Minute)
		s.closers = append(s.closers, revocations.Close)
		s.Revoker = revocations
	}

	return s, nil
}
