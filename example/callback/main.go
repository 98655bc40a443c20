package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ghalamif/MerlinFlow/pkg/merlinflow"
)

func main() {
	cfg, err := merlinflow.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Route every exchange set to stdout instead of its configured destination.
	cfg.Stores = append(cfg.Stores, merlinflow.StoreConfig{Name: "stdout", Kind: merlinflow.KindExternal})
	for i := range cfg.ExchangeSets {
		cfg.ExchangeSets[i].Destination = "stdout"
	}

	callback := func(ctx context.Context, rec *merlinflow.Record, desc merlinflow.Descriptor) error {
		if rec.Series != nil {
			for i, ts := range rec.Series.Times {
				fmt.Printf("%s set=%s series=%s", ts.Format(time.RFC3339), desc.ExchangeSet, rec.Unit.Measure.SeriesID)
				for _, c := range rec.Series.Constituents {
					fmt.Printf(" %s=%g%s", c.Parameter, c.Values[i], c.Unit)
				}
				fmt.Println()
			}
		}
		for _, p := range rec.Profiles {
			fmt.Printf("%s set=%s series=%s profile readings=%d\n",
				p.Timestamp.Format(time.RFC3339), desc.ExchangeSet, rec.Unit.Measure.SeriesID, p.Len())
		}
		return nil
	}

	rt, err := merlinflow.NewRuntime(cfg, merlinflow.WithDestination("stdout", merlinflow.NewCallbackDestination("stdout", callback)))
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}
	defer rt.Shutdown(context.Background())

	res, err := rt.Run(context.Background())
	if err != nil {
		log.Fatalf("runtime error: %v", err)
	}
	log.Printf("finished: %s", res.Status)
}
