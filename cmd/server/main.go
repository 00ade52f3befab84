package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"codecollab/internal/api"
	"codecollab/internal/broadcast"
	"codecollab/internal/collab"
	"codecollab/internal/events"
	"codecollab/internal/presence"
	"codecollab/internal/protocol"
	"codecollab/internal/rooms"
	"codecollab/internal/routers"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func openDatabase() (*gorm.DB, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(getEnv("SQLITE_PATH", "codecollab.db")), &gorm.Config{})
}

func main() {
	log := utils.NewLogger()
	defer log.Sync()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	db, err := openDatabase()
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	roomStore := rooms.NewStore(db)
	if err := roomStore.Migrate(); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Error("redis connection failed", "addr", rdb.Options().Addr, "error", err)
		cancelPing()
		os.Exit(1)
	}
	cancelPing()

	grace := time.Duration(getEnvInt("SESSION_GRACE_MS", int(session.DefaultGrace/time.Millisecond))) * time.Millisecond
	maxContentBytes := getEnvInt("MAX_CONTENT_BYTES", protocol.DefaultMaxContentBytes)

	table := presence.NewTable()
	dispatcher := broadcast.NewDispatcher(table)
	sessions := session.NewStore(roomStore, grace, func(roomID string) bool {
		return table.Count(roomID) > 0
	}, log)
	orchestrator := collab.NewOrchestrator(log, table, dispatcher, sessions, roomStore, roomStore, maxContentBytes)
	engine := protocol.NewEngine(log, maxContentBytes, protocol.DefaultReconcileTimeout)

	bus := events.NewBus(rdb, log)
	busCtx, stopBus := context.WithCancel(context.Background())
	go bus.Subscribe(busCtx, orchestrator.HandleDomainEvent)

	handlers := api.NewHandlers(log, orchestrator, sessions, engine, roomStore, jwtSecret)
	roomHandler := &rooms.Handler{
		Store:       roomStore,
		Bus:         bus,
		JWTSecret:   jwtSecret,
		Log:         log,
		OnlineCount: orchestrator.Registry().OnlineCount,
	}

	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ",")
	router := routers.New(handlers, roomHandler, origins)

	addr := ":" + getEnv("PORT", "8083")
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Info("codecollab listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	orchestrator.Shutdown("server is restarting, please reconnect")
	stopBus()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	_ = rdb.Close()
}
