package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/qinjingliuan/berryllm-studio/internal/app"
	"github.com/qinjingliuan/berryllm-studio/internal/config"
	"github.com/qinjingliuan/berryllm-studio/internal/store/rabbitmq"
	"github.com/qinjingliuan/berryllm-studio/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.RabbitURL == "" {
		log.Fatalf("RABBIT_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
	}()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer consumer.Close()

	proc := worker.NewProcessor(a.ChatSvc, a.Mux)
	if err := consumer.Run(ctx, proc.Handle); err != nil {
		log.Printf("consumer stopped: %v", err)
	}
	log.Printf("worker shutting down")
}
