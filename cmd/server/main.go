package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ollama-relay/internal/bootstrap"
	"github.com/suPer8Hu/ollama-relay/internal/config"
	"github.com/suPer8Hu/ollama-relay/internal/httpapi"
	"github.com/suPer8Hu/ollama-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/ollama-relay/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer deps.Close()

	var jobs handlers.JobPublisher
	if cfg.RabbitURL != "" && deps.Service.JobsEnabled() {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		defer pub.Close()
		jobs = pub
		log.Printf("async jobs enabled, queue=%s", cfg.RabbitQueue)
	}

	h := handlers.NewHandler(deps.Service, jobs, cfg)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Printf("server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("relay listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}
