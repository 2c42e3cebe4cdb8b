// Package main создаёт учётную запись администратора сервиса флеш-распродаж.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flashmart/flashsale-system/internal/config"
	"github.com/flashmart/flashsale-system/internal/repository"
	"github.com/flashmart/flashsale-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	if cfg.AdminPassword == "" {
		sugar.Fatal("ADMIN_PASSWORD must be set")
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	svc := service.NewService(repo, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, created, err := svc.CreateAdminUser(ctx, cfg.AdminName, cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		sugar.Fatalw("create admin error", "error", err.Error())
	}

	if created {
		sugar.Infow("admin user created", "id", id, "email", cfg.AdminEmail)
	} else {
		sugar.Infow("admin user already exists", "id", id, "email", cfg.AdminEmail)
	}
}
