package main

import (
	"context"
	"log"
	"os"

	"coalesce/internal/config"
	"coalesce/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load(os.Getenv("COALESCE_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil {
		log.Fatalf("coalesced: %v", err)
	}
}
