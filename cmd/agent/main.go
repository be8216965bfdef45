package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/prudhvinik1/mealstock/internal/agent"
	"github.com/prudhvinik1/mealstock/internal/alerts"
	"github.com/prudhvinik1/mealstock/internal/auth"
	"github.com/prudhvinik1/mealstock/internal/config"
	"github.com/prudhvinik1/mealstock/internal/connectivity"
	"github.com/prudhvinik1/mealstock/internal/database"
	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/notifications"
	"github.com/prudhvinik1/mealstock/internal/presence"
	"github.com/prudhvinik1/mealstock/internal/realtime"
	"github.com/prudhvinik1/mealstock/internal/repositories"
	"github.com/prudhvinik1/mealstock/internal/transport"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer zl.Sync()
	appLog := logger.NewZapAdapter(zl).WithFields(map[string]interface{}{"device_id": cfg.DeviceID})

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, appLog)
	if err != nil {
		appLog.Error("failed to create postgres pool", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, appLog)
	if err != nil {
		appLog.Error("failed to create redis client", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer redisClient.Close()

	inbox := alerts.NewInbox(appLog)

	monitor := connectivity.NewMonitor(
		connectivity.NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout),
		repositories.NewRedisDevicePreferenceRepository(redisClient, cfg.DeviceID),
		connectivity.Options{ProbeInterval: cfg.ProbeInterval},
		appLog,
	)
	if err := monitor.Init(ctx); err != nil {
		appLog.Error("failed to start connectivity monitor", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer monitor.Dispose()

	connector := transport.NewConnector(transport.Config{
		URL:    cfg.RealtimeURL,
		APIKey: cfg.RealtimeAPIKey,
	}, appLog)
	manager := realtime.NewManager(connector, inbox, realtime.Options{PresenceChannel: cfg.PresenceChannel}, appLog)
	attached := manager.Attach(monitor)
	defer manager.Dispose()
	defer attached.Dispose()

	geo := presence.NewFeedGeolocator()
	defer geo.Close()
	tracker := presence.NewTracker(geo, manager, inbox, appLog)
	defer tracker.Dispose()

	center := notifications.NewCenter(
		repositories.NewPostgresNotificationRepository(postgresPool),
		repositories.NewPostgresNotificationPreferenceRepository(postgresPool),
		repositories.NewPostgresMessageRepository(postgresPool),
		inbox,
		appLog,
	)
	defer center.Stop()

	api := agent.New(agent.Deps{
		Monitor:  monitor,
		Realtime: manager,
		Geo:      geo,
		Tracker:  tracker,
		Center:   center,
		Inbox:    inbox,
		Sessions: auth.NewSessionParser(cfg.JWTSecret),
	}, appLog)

	// Start Server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.AgentPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		appLog.Info("shutting down agent", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	appLog.Info("starting agent", map[string]interface{}{"port": cfg.AgentPort})
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		appLog.Error("server error", map[string]interface{}{"error": err.Error()})
		return
	}

	appLog.Info("agent stopped gracefully", nil)
}
