package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"dmsync/config"
	"dmsync/internal/repository"
	"dmsync/pkg/database"
)

const usage = `
dmsync - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Create tables, constraints and indexes (idempotent)
  status      Show database connection status

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate status
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.LoadConfig()
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer pool.Close()

	switch flag.Arg(0) {
	case "up":
		log.Println("Running migrations...")
		if err := repository.InitSchema(ctx, pool); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	case "status":
		if err := database.HealthCheck(ctx, pool); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		log.Println("Database connection: OK")
	default:
		fmt.Printf("Unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
