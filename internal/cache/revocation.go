package cache

import (
	"context"
	"sync"
	"time"
)

// RevocationList 进程内的令牌吊销列表，未配置 Redis 时使用
//
// 条目在令牌自然过期后失效，后台协程定期清理。
type RevocationList struct {
	data sync.Map // token -> expiresAt
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewRevocationList 创建吊销列表并启动清理协程
func NewRevocationList(cleanupInterval time.Duration) *RevocationList {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	l := &RevocationList{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go l.cleanupLoop(cleanupInterval)
	return l
}

// Revoke 吊销令牌，ttl 为令牌剩余有效期
func (l *RevocationList) Revoke(_ context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	l.data.Store(token, l.now().Add(ttl))
	return nil
}

// IsRevoked 检查令牌是否已吊销
func (l *RevocationList) IsRevoked(_ context.Context, token string) (bool, error) {
	val, ok := l.data.Load(token)
	if !ok {
		return false, nil
	}
	if l.now().After(val.(time.Time)) {
		l.data.Delete(token)
		return false, nil
	}
	return true, nil
}

// Close 停止清理协程
func (l *RevocationList) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *RevocationList) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.purge()
		}
	}
}

// purge 删除已过期的条目
func (l *RevocationList) purge() {
	now := l.now()
	l.data.Range(func(key, value interface{}) bool {
		if now.After(value.(time.Time)) {
			l.data.Delete(key)
		}
		return true
	})
}
