package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"helpdesk/backend/internal/storage"
)

const checkTimeout = 3 * time.Second

// Pinger 可以探测连通性的依赖（pgx 连接池、Redis 客户端）
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，默认带一个协程数量的存活检查
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	return hc
}

// AddStore 存储可读即就绪；环境记录不存在不算失败
func (hc *HealthChecker) AddStore(envs storage.EnvironmentRepository, envID string) {
	hc.health.AddReadinessCheck("store", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if _, err := envs.GetEnvironment(ctx, envID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}, checkTimeout))
}

// AddPinger 添加依赖的就绪检查
func (hc *HealthChecker) AddPinger(name string, p Pinger) {
	hc.health.AddReadinessCheck(name, PingCheck(p))
}

// AddDirectory 目录必须存在（附件根目录、死信目录）
func (hc *HealthChecker) AddDirectory(name, dir string) {
	hc.health.AddReadinessCheck(name, func() error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	})
}

// LiveHandler 存活检查处理器
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查处理器
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// PingCheck 包装 Pinger 为带超时的检查
func PingCheck(p Pinger) healthcheck.Check {
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}, checkTimeout)
}
