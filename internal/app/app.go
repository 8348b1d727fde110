package app

import (
	"context"
	"fmt"
	"log"

	"github.com/qinjingliuan/berryllm-studio/internal/ai"
	"github.com/qinjingliuan/berryllm-studio/internal/chat"
	"github.com/qinjingliuan/berryllm-studio/internal/config"
	"github.com/qinjingliuan/berryllm-studio/internal/db"
	"github.com/qinjingliuan/berryllm-studio/internal/mux"
	"github.com/qinjingliuan/berryllm-studio/internal/store/redisstore"
	"gorm.io/gorm"
)

// App is the state shared by the server and the worker.
type App struct {
	DB       *gorm.DB
	Registry *ai.Registry
	ChatSvc  *chat.Service
	Mux      *mux.Multiplexer
	// Redis is nil when REDIS_ADDR is unset.
	Redis *redisstore.Store
}

// New connects storage, rehydrates sessions and builds the multiplexer.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	repo := chat.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := ai.NewRegistry(cfg.Providers...)
	store := chat.NewStore(cfg.Generation.MaxHistoryMessages, chat.WithPersister(repo))
	svc := chat.NewService(repo, store, reg)
	if err := svc.Load(ctx); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	opts := []mux.Option{
		mux.WithParams(cfg.Generation.Params()),
		mux.WithProbeTimeout(cfg.ProbeTimeout),
	}
	var rds *redisstore.Store
	if cfg.RedisAddr != "" {
		rds = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rds.Ping(ctx); err != nil {
			_ = rds.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		opts = append(opts, mux.WithSink(rds))
	}

	m := mux.New(ai.NewBuilder(reg), ai.NewHTTPTransport(nil), store, opts...)

	for _, d := range reg.List() {
		log.Printf("[app] provider=%s dialect=%s models=%d key=%v", d.ID, d.Dialect, len(d.Models), d.APIKey != "")
	}
	return &App{DB: gdb, Registry: reg, ChatSvc: svc, Mux: m, Redis: rds}, nil
}

// Close stops the multiplexer and releases connections.
func (a *App) Close(ctx context.Context) {
	if err := a.Mux.Shutdown(ctx); err != nil {
		log.Printf("[app] mux shutdown: %v", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Printf("[app] redis close: %v", err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
