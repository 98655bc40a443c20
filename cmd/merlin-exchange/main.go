package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cmd := os.Args[1]
	code := 0

	switch cmd {
	case "run":
		code, err = runCommand(os.Args[2:], logger)
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "inspect":
		err = inspectCommand(os.Args[2:], logger)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		if code == 0 {
			code = 1
		}
	}
	if code != 0 {
		_ = logger.Sync()
		os.Exit(code)
	}
}

// exitCode maps a run's status onto the process exit code.
func exitCode(status merlinflow.RunStatus) int {
	switch status {
	case merlinflow.StatusCompleteSuccess:
		return 0
	case merlinflow.StatusPartialSuccess:
		return 2
	case merlinflow.StatusAuthenticationFailure:
		return 4
	default:
		return 3
	}
}

func runCommand(args []string, logger *zap.Logger) (int, error) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to exchange configuration file")
	threads := fs.Int("threads", 0, "Worker pool size (0 derives it from the CPU count)")
	metricsAddr := fs.String("metrics", "", "Metrics listen address (overrides config)")
	noMetrics := fs.Bool("no-metrics", false, "Do not serve /metrics, /healthz and /progress")
	if err := fs.Parse(args); err != nil {
		return 1, err
	}

	cfg, err := merlinflow.LoadConfig(*cfgPath)
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}
	if *threads > 0 {
		cfg.Policy.Threads = *threads
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	rt, err := merlinflow.NewRuntime(cfg, merlinflow.WithLogger(logger))
	if err != nil {
		return 1, err
	}
	if !*noMetrics {
		rt.StartMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := rt.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}

	fmt.Printf("run %s: %s, %d%% complete, %d reads, %d writes, %d failures in %s\n",
		res.RunID, res.Status, res.Percent,
		res.State.ReadsCompleted, res.State.WritesCompleted, len(res.Failures),
		res.Finished.Sub(res.Started).Round(time.Millisecond))
	for _, f := range res.Failures {
		fmt.Printf("  - %v\n", f)
	}
	return exitCode(res.Status), runErr
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := merlinflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d stores, %d exchange sets, window %s .. %s\n",
		*cfgPath, len(cfg.Stores), len(cfg.ExchangeSets),
		cfg.Window.Start.Format(time.RFC3339), cfg.Window.End.Format(time.RFC3339))
	return nil
}

func inspectCommand(args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to exchange configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := merlinflow.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := merlinflow.NewRuntime(cfg,
		merlinflow.WithLogger(logger),
		merlinflow.WithObservability(merlinflow.NopObservability),
	)
	if err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())

	index, err := rt.ArchiveIndex(context.Background())
	if err != nil {
		return err
	}
	stats := rt.ArchiveStats()

	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, name := range names {
		st := stats[name]
		fmt.Fprintf(tw, "archive %s: %d entries, %d bytes\n", name, st.Entries, st.SizeBytes)
		fmt.Fprintln(tw, "SERIES\tSET\tPARAMETER\tKIND\tWRITES\tREADINGS")
		for _, s := range index[name] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", s.SeriesID, s.ExchangeSet, s.Parameter, s.Kind, s.Entries, s.Readings)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9110/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(ctx, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"merlin_run_progress_percent": 0,
		"merlin_units_expected":       0,
		"merlin_reads_total":          0,
		"merlin_writes_total":         0,
	}
	var failures float64

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "merlin_measure_failures_total{") {
			var value float64
			if i := strings.LastIndexByte(line, ' '); i > 0 {
				if _, err := fmt.Sscanf(line[i+1:], "%f", &value); err == nil {
					failures += value
				}
			}
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] progress=%.0f%% units=%.0f reads=%.0f writes=%.0f failures=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["merlin_run_progress_percent"],
		targets["merlin_units_expected"],
		targets["merlin_reads_total"],
		targets["merlin_writes_total"],
		failures,
	)
	return nil
}

func printUsage() {
	fmt.Printf(`MerlinFlow exchange CLI

Usage:
  merlin-exchange <command> [flags]

Commands:
  run        Run every configured exchange set once over the configured window
  validate   Load and validate a config file without touching any store
  inspect    List the series held by the archive stores of a config
  stats      Poll the Prometheus metrics endpoint of a running exchange

Exit codes for run: 0 complete, 2 partial, 3 failure, 4 authentication failure.

Examples:
  merlin-exchange run -config ./data/config.yaml -threads 8
  merlin-exchange validate -config ./data/config.yaml
  merlin-exchange inspect -config ./data/config.yaml
  merlin-exchange stats -url http://localhost:9110/metrics -interval 1s
`)
}
