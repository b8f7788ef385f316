package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"helpdesk/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache 工单读缓存和令牌吊销列表
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewCache 创建缓存实例，ttl 为工单缓存有效期
func NewCache(client *goredis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func ticketKey(id string) string {
	return fmt.Sprintf("helpdesk:ticket:%s", id)
}

// subjectKey 主题可能很长，用哈希作为键
func subjectKey(envID, subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return fmt.Sprintf("helpdesk:ticket:subject:%s:%s", envID, hex.EncodeToString(sum[:12]))
}

func revokedKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "helpdesk:revoked:" + hex.EncodeToString(sum[:])
}

// ========== 工单缓存 ==========

// CacheTicket 缓存工单和主题索引
func (c *Cache) CacheTicket(ctx context.Context, ticket *domain.Ticket) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, ticketKey(ticket.ID), data, c.ttl)
	pipe.Set(ctx, subjectKey(ticket.EnvID, ticket.Subject), ticket.ID, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// GetCachedTicket 获取缓存的工单
func (c *Cache) GetCachedTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	data, err := c.client.Get(ctx, ticketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var ticket domain.Ticket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetCachedTicketID 按主题获取缓存的工单 ID
func (c *Cache) GetCachedTicketID(ctx context.Context, envID, subject string) (string, error) {
	id, err := c.client.Get(ctx, subjectKey(envID, subject)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return id, nil
}

// DeleteCachedTicket 删除工单缓存和主题索引
func (c *Cache) DeleteCachedTicket(ctx context.Context, ticket *domain.Ticket) error {
	return c.client.Del(ctx, ticketKey(ticket.ID), subjectKey(ticket.EnvID, ticket.Subject)).Err()
}

// ========== 令牌吊销 ==========

// Revoke 吊销令牌直到其过期
func (c *Cache) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, revokedKey(token), 1, ttl).Err()
}

// IsRevoked 检查令牌是否已吊销
func (c *Cache) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := c.client.Exists(ctx, revokedKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
