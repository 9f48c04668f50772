// Package bootstrap builds the relay service from configuration for both binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/suPer8Hu/ollama-relay/internal/ai"
	"github.com/suPer8Hu/ollama-relay/internal/chat"
	"github.com/suPer8Hu/ollama-relay/internal/config"
	"github.com/suPer8Hu/ollama-relay/internal/db"
	"github.com/suPer8Hu/ollama-relay/internal/history"
	"github.com/suPer8Hu/ollama-relay/internal/store/redisstore"
	"gorm.io/gorm"
)

// Deps holds what Build opened. Close releases it.
type Deps struct {
	Service *chat.Service
	DB      *gorm.DB

	closers []func() error
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Printf("[bootstrap] close: %v", err)
		}
	}
}

func Registry(cfg config.Config) *ai.Registry {
	tmpl := ai.NewOllamaProvider(cfg.UpstreamURL, cfg.DefaultModel, cfg.UpstreamTimeout)
	tmpl.Debug = cfg.DebugLogging

	reg := ai.NewRegistry()
	ai.RegisterOllama(reg, tmpl)
	return reg
}

// Build opens the configured history backend and database and assembles the service.
func Build(ctx context.Context, cfg config.Config) (*Deps, error) {
	d := &Deps{}

	if cfg.DBDSN != "" {
		gdb, err := db.Open(cfg.DBDSN, cfg.DebugLogging)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := chat.AutoMigrate(gdb); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		d.DB = gdb
		if sqlDB, err := gdb.DB(); err == nil {
			d.closers = append(d.closers, sqlDB.Close)
		}
	}

	var store history.Store
	switch cfg.HistoryBackend {
	case "none":
	case "", "memory":
		store = history.NewMemoryStore()
	case "redis":
		rdb, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, rdb.Close)
		store = redisstore.NewStore(rdb, cfg.HistoryTTL)
	case "sql":
		if d.DB == nil {
			d.Close()
			return nil, errors.New("HISTORY_BACKEND=sql requires DB_DSN")
		}
		store = chat.NewRepo(d.DB)
	default:
		d.Close()
		return nil, fmt.Errorf("unsupported HISTORY_BACKEND=%q", cfg.HistoryBackend)
	}

	opts := chat.Options{
		Provider:        cfg.UpstreamProvider,
		MaxHistoryTurns: cfg.MaxHistoryTurns,
	}
	if d.DB != nil {
		opts.Jobs = chat.NewRepo(d.DB)
	}

	d.Service = chat.NewService(Registry(cfg), store, opts)
	log.Printf("[bootstrap] upstream=%s history=%s max_turns=%d jobs=%t",
		cfg.UpstreamURL, cfg.HistoryBackend, cfg.MaxHistoryTurns, d.DB != nil)
	return d, nil
}
