package hybrid

import (
	"context"
	"time"

	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/storage"
)

// TicketCache 工单读缓存
type TicketCache interface {
	CacheTicket(ctx context.Context, ticket *domain.Ticket) error
	GetCachedTicket(ctx context.Context, id string) (*domain.Ticket, error)
	DeleteCachedTicket(ctx context.Context, ticket *domain.Ticket) error
}

// Store 混合存储实现：数据库为准，Redis 缓存工单读取
//
// 写路径（建单、更新）总是先写数据库再失效缓存；FindTicketBySubject
// 直接查数据库，保证入站流水线看到最新的 threadCount。
type Store struct {
	storage.Store
	cache TicketCache
	log   *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建混合存储实例
func NewStore(primary storage.Store, cache TicketCache, log *zap.Logger) *Store {
	return &Store{Store: primary, cache: cache, log: log}
}

// ========== Ticket Repository ==========

// CreateTicket 保存工单并写入缓存
func (s *Store) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	if err := s.Store.CreateTicket(ctx, ticket); err != nil {
		return err
	}
	s.cacheTicket(ctx, ticket)
	return nil
}

// GetTicket 先查缓存，未命中再查数据库
func (s *Store) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	if ticket, err := s.cache.GetCachedTicket(ctx, id); err == nil && !ticket.IsDeleted {
		return ticket, nil
	}

	ticket, err := s.Store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTicket(ctx, ticket)
	return ticket, nil
}

// UpdateTicket 更新数据库后删除缓存
func (s *Store) UpdateTicket(ctx context.Context, id string, patch domain.TicketPatch) error {
	// 先读出 env 和主题，用于删除主题索引
	current, getErr := s.Store.GetTicket(ctx, id)

	if err := s.Store.UpdateTicket(ctx, id, patch); err != nil {
		return err
	}

	if getErr == nil {
		if err := s.cache.DeleteCachedTicket(ctx, current); err != nil {
			s.log.Warn("failed to invalidate ticket cache", zap.String("ticket", id), zap.Error(err))
		}
	}
	return nil
}

func (s *Store) cacheTicket(ctx context.Context, ticket *domain.Ticket) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := s.cache.CacheTicket(ctx, ticket); err != nil {
		s.log.Debug("failed to cache ticket", zap.String("ticket", ticket.ID), zap.Error(err))
	}
}
