package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/relayer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r, err := relayer.New(cfg)
	if err != nil {
		log.Fatal("failed to create coordinator:", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Start(ctx); err != nil {
			log.Printf("coordinator error: %v", err)
		}
	}()

	log.Println("coordinator started successfully")

	<-ctx.Done()
	log.Println("shutdown signal received, stopping coordinator...")

	r.Stop()
	wg.Wait()
	log.Println("coordinator stopped successfully")
}
