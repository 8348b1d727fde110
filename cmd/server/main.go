package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/qinjingliuan/berryllm-studio/internal/app"
	"github.com/qinjingliuan/berryllm-studio/internal/config"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/handlers"
	"github.com/qinjingliuan/berryllm-studio/internal/store/rabbitmq"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	if a.Redis != nil {
		// events produced by workers reach this process's subscribers
		go func() {
			if err := a.Redis.Relay(ctx, a.Mux.Hub()); err != nil {
				log.Printf("redis relay stopped: %v", err)
			}
		}()
	}

	var rabbit handlers.JobPublisher
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit: %v", err)
		}
		defer pub.Close()
		rabbit = pub
	}

	h := handlers.NewHandler(cfg, a.ChatSvc, a.Mux, a.Registry, rabbit)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s auth=%v async=%v redis=%v",
			cfg.HTTPAddr, cfg.JWTSecret != "", rabbit != nil, a.Redis != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// cancel running requests first so open streams can end
	a.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
