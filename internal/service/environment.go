package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/storage"
)

// EnsureEnvironment 启动时确保当前环境存在，不存在则按配置创建
func EnsureEnvironment(ctx context.Context, repo storage.EnvironmentRepository, cfg config.HelpdeskConfig, log *zap.Logger) (*domain.Environment, error) {
	if cfg.EnvID == "" {
		return nil, fmt.Errorf("helpdesk.env_id is empty")
	}

	env, err := repo.GetEnvironment(ctx, cfg.EnvID)
	if err == nil {
		return env, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load environment %s: %w", cfg.EnvID, err)
	}

	env = &domain.Environment{
		EnvID:         cfg.EnvID,
		Name:          orDefault(cfg.EnvName, cfg.EnvID),
		URL:           cfg.BaseURL,
		Email:         cfg.WatcherEmail,
		Configuration: domain.DefaultEnvConfiguration(),
	}
	if err := repo.SaveEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to create environment %s: %w", cfg.EnvID, err)
	}
	if log != nil {
		log.Info("Environment created", zap.String("envID", env.EnvID), zap.String("name", env.Name))
	}
	return env, nil
}
