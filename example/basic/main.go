package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ghalamif/MerlinFlow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := merlinflow.Exchange(ctx, "../../data/config.yaml")
	if err != nil {
		log.Fatalf("exchange failed: %v", err)
	}
	log.Printf("run %s finished: %s (%d%%)", res.RunID, res.Status, res.Percent)
}
