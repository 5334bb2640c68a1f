// main.go — точка входа Portal Module.
// Собирает все компоненты: config, logger, backend client, реестр сессий,
// completion service, dephealth, portal handlers, HTTP-сервер.
package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/snaglist/portal-module/internal/api/handlers"
	"github.com/snaglist/portal-module/internal/api/middleware"
	"github.com/snaglist/portal-module/internal/backend"
	"github.com/snaglist/portal-module/internal/config"
	"github.com/snaglist/portal-module/internal/server"
	"github.com/snaglist/portal-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	// 2. Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Portal Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("backend_url", cfg.BackendURL),
	)

	// 3. HTTP-клиент snag backend
	backendClient, err := backend.New(cfg.BackendURL, cfg.BackendCACertPath, cfg.BackendTimeout, logger)
	if err != nil {
		log.Fatalf("Ошибка создания backend client: %v", err)
	}

	// 4. Реестр портальных сессий (вытеснение закрывает сессии)
	registry := service.NewSessionRegistry(cfg.SessionCacheSize, cfg.SessionTTL, logger)
	defer registry.Shutdown()

	// 5. Портальная аутентификация (HS256 сессионные токены)
	sessionAuth, err := middleware.NewSessionAuth(cfg.SessionSecret, cfg.SessionTTL, registry, logger)
	if err != nil {
		log.Fatalf("Ошибка создания session auth: %v", err)
	}

	// 6. Completion service
	completion := service.NewCompletionService(logger)

	// 7. Мониторинг зависимостей (topologymetrics)
	dephealthSvc, err := service.NewDephealthService(
		"portal-module",
		cfg.DephealthGroup,
		cfg.BackendURL,
		cfg.DephealthCheckInterval,
		cfg.DephealthIsEntry,
		logger,
	)
	if err != nil {
		log.Fatalf("Ошибка создания dephealth service: %v", err)
	}
	if err := dephealthSvc.Start(context.Background()); err != nil {
		log.Fatalf("Ошибка запуска dephealth service: %v", err)
	}
	defer dephealthSvc.Stop()

	// 8. Handlers
	healthHandler := handlers.NewHealthHandler(backendClient)
	portalHandler := handlers.NewPortalHandler(
		healthHandler,
		registry,
		sessionAuth,
		completion,
		backendClient,
		cfg.PollInterval,
		cfg.UploadMaxBytes,
		logger,
	)

	// 9. HTTP-сервер: metrics и logging — глобальные middleware,
	// портальная аутентификация монтируется внутри Routes
	srv := server.New(cfg, logger, portalHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)

	// 10. Запуск сервера (блокирующий вызов с graceful shutdown)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		log.Fatalf("Сервер завершился с ошибкой: %v", err)
	}

	logger.Info("Portal Module остановлен")
}
