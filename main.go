package main

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/cache"
	"github.com/depvet/depvet/concurrency"
	"github.com/depvet/depvet/config"
	"github.com/depvet/depvet/log"
	"github.com/depvet/depvet/metrics"
	"github.com/depvet/depvet/netpool"
	"github.com/depvet/depvet/scorer"
)

var (
	version = "1.0.0"

	cfgFileFlag     string
	packagesFlag    int
	remoteFlag      bool
	metricsAddrFlag string

	rootCmd = &cobra.Command{
		Use:   "depvet",
		Short: "depvet - concurrent dependency scan engine",
		Long: "depvet schedules package scans across a work-stealing worker pool,\n" +
			"caches scan results across memory, disk, and redis tiers, and pools\n" +
			"outbound registry connections.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic scan workload through the full engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg, err := config.Load(cfgFileFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runBench(ctx, cfg)
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics and tuning recommendations",
		Long: "Opens the configured cache backends read-only and prints per-tier\n" +
			"statistics with analytics recommendations. The disk tier persists\n" +
			"across runs, so this reflects previous scans.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg, err := config.Load(cfgFileFlag)
			if err != nil {
				return err
			}

			store, err := cache.New(cfg.Cache)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer store.Close()

			stats := store.GetStats()
			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))

			report := cache.Analyze(stats)
			for _, rec := range report.Recommendations {
				fmt.Printf("recommendation: %s\n", rec)
			}
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFileFlag)
			if err != nil {
				return err
			}

			cfgJson, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config:\n%s\n", cfgJson)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of depvet",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("depvet version %s\n", version)
		},
	}
)

// benchTarget is one synthetic package coordinate for the bench workload.
type benchTarget struct {
	Name    string
	Version string
}

func runBench(ctx context.Context, cfg *config.Config) error {
	store, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	pool := netpool.NewConnectionPool(cfg.Pool)
	defer pool.Close()

	batcher := netpool.NewRequestBatcher(cfg.Batching)
	defer batcher.Flush()

	monitor := concurrency.NewResourceMonitor(concurrency.MonitorConfig{
		MinWorkers:      cfg.MinWorkers,
		MaxWorkers:      cfg.MaxWorkers,
		MinChunkSize:    cfg.MinChunkSize,
		MaxChunkSize:    cfg.MaxChunkSize,
		MemHighWaterPct: cfg.MemHighWaterPct,
	})
	monitor.StartPolling(2 * time.Second)
	defer monitor.StopMonitoring()

	coord := concurrency.NewCoordinator(concurrency.CoordinatorConfig{
		MinParallelThreshold: cfg.MinParallelThreshold,
	}, monitor)

	var score func(ctx context.Context, t benchTarget) (float64, error)
	if remoteFlag {
		client, err := scorer.New(cfg.Scorer, store, pool, batcher)
		if err != nil {
			return err
		}
		score = func(ctx context.Context, t benchTarget) (float64, error) {
			return client.Score(ctx, t.Name, t.Version, syntheticFeatures(t)), nil
		}
	} else {
		score = func(ctx context.Context, t benchTarget) (float64, error) {
			return localScore(ctx, store, t), nil
		}
	}

	var m *metrics.Metrics
	var metricsSrv *http.Server
	if metricsAddrFlag != "" {
		m = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: metricsAddrFlag, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.ErrorLog.Printf("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	targets := make([]benchTarget, packagesFlag)
	for i := range targets {
		targets[i] = benchTarget{
			Name:    fmt.Sprintf("pkg-%04d", i),
			Version: fmt.Sprintf("1.0.%d", i%7),
		}
	}

	start := time.Now()
	results := concurrency.RunAll(ctx, coord, targets, score)
	elapsed := time.Since(start)

	var failed int
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}

	batcher.Flush()

	cacheStats := store.GetStats()
	schedStats := coord.LastSchedulerStats()
	poolStats := pool.GetStats()
	batchStats := batcher.GetStats()

	if m != nil {
		m.UpdateCache(cacheStats)
		m.UpdateScheduler(schedStats)
		m.UpdatePool(poolStats)
		m.UpdateBatcher(batchStats)
	}

	fmt.Printf("scored %d packages in %s (%d failed)\n", len(results), elapsed.Round(time.Millisecond), failed)

	summary := map[string]interface{}{
		"cache":     cacheStats,
		"scheduler": schedStats,
		"pool":      poolStats,
		"batcher":   batchStats,
		"resources": monitor.Latest(),
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	report := cache.Analyze(cacheStats)
	for _, rec := range report.Recommendations {
		fmt.Printf("recommendation: %s\n", rec)
	}

	return nil
}

// localScore computes a deterministic stand-in score so the bench exercises
// the cache and scheduler without needing the score service running.
func localScore(ctx context.Context, store *cache.MultiTierCache, t benchTarget) float64 {
	key := "score:" + t.Name + "@" + t.Version

	if res := store.Get(ctx, key); res.Hit {
		var v float64
		if err := json.Unmarshal(res.Value, &v); err == nil {
			return v
		}
	}

	h := fnv.New64a()
	h.Write([]byte(t.Name + "@" + t.Version))
	v := float64(h.Sum64()%1000) / 1000

	if raw, err := json.Marshal(v); err == nil {
		store.Set(ctx, key, raw)
	}
	return v
}

func syntheticFeatures(t benchTarget) scorer.Features {
	h := fnv.New32a()
	h.Write([]byte(t.Name))
	n := int(h.Sum32())
	return scorer.Features{
		Entropy:        float64(n%80) / 10,
		StringCount:    n % 500,
		EvalCount:      n % 5,
		NetworkCalls:   n % 12,
		InstallScripts: n % 2,
		SizeBytes:      int64(n % 1_000_000),
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFileFlag, "config", "", "Path to a config file (default: depvet.yaml in the working directory)")

	benchCmd.Flags().IntVarP(&packagesFlag, "packages", "n", 500, "Number of synthetic packages to score")
	benchCmd.Flags().BoolVar(&remoteFlag, "remote", false, "Score through the external score service instead of locally")
	benchCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address during the run (e.g. :9090)")

	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
