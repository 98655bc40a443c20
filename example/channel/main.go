package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ghalamif/MerlinFlow"
)

func main() {
	cfg, err := merlinflow.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Stores = append(cfg.Stores, merlinflow.StoreConfig{Name: "fanout", Kind: "external"})
	for i := range cfg.ExchangeSets {
		cfg.ExchangeSets[i].Destination = "fanout"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dst, deliveries, closeDeliveries := merlinflow.NewChannelDestination("fanout", 32)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fanoutWorker("forward", deliveries)
	}()

	rt, err := merlinflow.NewRuntime(cfg, merlinflow.WithDestination("fanout", dst))
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}
	res, err := rt.Run(ctx)
	closeDeliveries()
	wg.Wait()
	_ = rt.Shutdown(context.Background())
	if err != nil {
		log.Fatalf("runtime error: %v", err)
	}
	log.Printf("finished: %s (%d%%)", res.Status, res.Percent)
}

func fanoutWorker(name string, deliveries <-chan merlinflow.Delivery) {
	for d := range deliveries {
		readings := d.Record.Series.Len()
		for _, p := range d.Record.Profiles {
			readings += p.Len()
		}
		fmt.Printf("[%s] %s/%s: %d readings at %s\n", name, d.Descriptor.ExchangeSet,
			d.Record.Unit.Measure.SeriesID, readings, time.Now().Format(time.RFC3339))
	}
}
