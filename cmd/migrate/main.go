package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	defer db.Close()

	log.Println("migrations applied successfully")
}
