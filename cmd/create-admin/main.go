package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"helpdesk/backend/internal/auth"
	"helpdesk/backend/internal/bootstrap"
	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/logger"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: create-admin <email> <password> <firstName> [lastName]")
		os.Exit(1)
	}

	input := auth.CreateUserInput{
		Email:     os.Args[1],
		FirstName: os.Args[3],
		Role:      domain.RoleAdmin,
	}
	if len(os.Args) >= 5 {
		input.LastName = os.Args[4]
	}
	password := os.Args[2]

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{Service: "create-admin", Log: cfg.Log})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 打开与服务端相同的存储
	stores, err := bootstrap.OpenStores(ctx, cfg, log)
	if err != nil {
		fmt.Printf("Failed to open storage: %v\n", err)
		os.Exit(1)
	}
	defer stores.Close()

	accounts := auth.NewService(stores.Store, auth.NewTokenService(cfg.JWT, stores.Revoker), nil, log)
	user, err := accounts.CreateWithPassword(ctx, input, password, "create-admin")
	if err != nil {
		fmt.Printf("Failed to create user: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Admin user created successfully!\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.FullName())
	fmt.Printf("  Role:  %s\n", user.Role)
	if cfg.Storage.Driver == "" || cfg.Storage.Driver == "memory" {
		fmt.Println("\nNote: storage.driver is memory, this user exists only for the lifetime of this command.")
		fmt.Println("Set HELPDESK_HELPDESK_ADMIN_EMAIL and HELPDESK_HELPDESK_ADMIN_PASSWORD to let the server seed its own admin.")
	}
}
