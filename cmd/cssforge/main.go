// Command cssforge runs the task execution and caching engine standalone:
// a synthetic benchmark workload plus an optional metrics endpoint.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cssforge/cssforge/pkg/batch"
	"github.com/cssforge/cssforge/pkg/cache"
	"github.com/cssforge/cssforge/pkg/infrastructure/config"
	"github.com/cssforge/cssforge/pkg/infrastructure/logging"
	"github.com/cssforge/cssforge/pkg/metrics"
	"github.com/cssforge/cssforge/pkg/workers"
)

var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "cssforge",
		Short:        "Task execution and caching engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml or json)")

	root.AddCommand(versionCommand())
	root.AddCommand(benchCommand(&configPath))
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cssforge %s\n", version)
		},
	}
}

func benchCommand(configPath *string) *cobra.Command {
	var (
		jobCount    int
		withDeps    bool
		serveAddr   string
		groupByName string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic workload through the engine and print stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runBench(cmd.Context(), cfg, jobCount, withDeps, serveAddr, batch.GroupStrategy(groupByName))
		},
	}

	cmd.Flags().IntVarP(&jobCount, "jobs", "n", 100, "number of jobs to run")
	cmd.Flags().BoolVar(&withDeps, "deps", false, "chain every tenth job onto its predecessor")
	cmd.Flags().StringVar(&serveAddr, "metrics", "", "serve /metrics on this address while the workload runs")
	cmd.Flags().StringVar(&groupByName, "group", "", "grouping strategy: type, priority, size or mixed")
	return cmd
}

func runBench(ctx context.Context, cfg *config.Config, jobCount int, withDeps bool, serveAddr string, group batch.GroupStrategy) error {
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	format, _ := logging.ParseFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(&logging.Config{Level: level, Format: format, Output: os.Stderr})
	logger := logging.GetGlobalLogger().WithComponent("bench")

	store, err := cache.New(cache.Config{
		MaxBytes:         cfg.Cache.MaxBytes,
		MaxItems:         cfg.Cache.MaxItems,
		Strategy:         cfg.Cache.Strategy,
		DefaultTTL:       cfg.Cache.DefaultTTL,
		SweepInterval:    cfg.Cache.SweepInterval,
		Persist:          cfg.Cache.Persist,
		PersistPath:      cfg.Cache.PersistPath,
		SnapshotInterval: cfg.Cache.SnapshotInterval,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	pool, err := workers.New(workers.Config{
		Size:         cfg.Pool.Size,
		MaxQueueSize: cfg.Pool.MaxQueueSize,
		TaskTimeout:  cfg.Pool.TaskTimeout,
	})
	if err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Shutdown(5 * time.Second)

	coord, err := batch.NewCoordinator(batch.Config{
		MaxConcurrency:     cfg.Batch.MaxConcurrency,
		MaxQueueSize:       cfg.Batch.MaxQueueSize,
		MaxRetries:         cfg.Batch.MaxRetries,
		RetryBaseDelay:     cfg.Batch.RetryBaseDelay,
		RetryMaxDelay:      cfg.Batch.RetryMaxDelay,
		JobTimeout:         cfg.Batch.JobTimeout,
		DependencyTracking: cfg.Batch.DependencyTracking,
		ResultCache:        store,
	})
	if err != nil {
		return err
	}
	defer coord.Shutdown(5 * time.Second)

	if serveAddr != "" || cfg.Metrics.Enabled {
		addr := serveAddr
		if addr == "" {
			addr = cfg.Metrics.ListenAddress
		}
		reg := metrics.NewRegistry(metrics.NewCollector(pool, store, coord))
		go func() {
			if err := metrics.ListenAndServe(ctx, addr, reg, nil); err != nil {
				logger.Warn("metrics endpoint stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	// the synthetic processor hashes its payload through the pool, standing
	// in for a real transform
	coord.RegisterProcessor("digest", func(ctx context.Context, payload interface{}) (interface{}, error) {
		result, err := pool.Execute(ctx, &workers.FuncTask{
			Type:    "digest",
			Payload: payload,
			Fn: func(ctx context.Context, payload interface{}) (interface{}, error) {
				sum := sha256.Sum256([]byte(payload.(string)))
				return hex.EncodeToString(sum[:]), nil
			},
		})
		if err != nil {
			return nil, err
		}
		return result.Value, result.Err
	})

	jobs := make([]*batch.Job, jobCount)
	for i := range jobs {
		jobs[i] = &batch.Job{
			ID:       fmt.Sprintf("bench-%d", i),
			Type:     "digest",
			Payload:  fmt.Sprintf("input-%d", i%25), // repeats exercise memoization
			Priority: batch.Priority(i % 4),
		}
		if withDeps && i > 0 && i%10 == 0 {
			jobs[i].DependsOn = []string{fmt.Sprintf("bench-%d", i-1)}
		}
	}

	logger.Info("starting workload", map[string]interface{}{
		"jobs":        jobCount,
		"concurrency": cfg.Batch.MaxConcurrency,
	})

	start := time.Now()
	results, err := coord.ExecuteBatch(ctx, jobs, group)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	failures := 0
	for _, result := range results {
		if result.Err != nil {
			failures++
		}
	}

	printStats(elapsed, failures, pool.Stats(), store.GetStats(), coord.GetStats())
	return nil
}

func printStats(elapsed time.Duration, failures int, ps workers.Stats, cs cache.Stats, bs batch.Stats) {
	fmt.Printf("\nWorkload finished in %s (%d failures)\n\n", elapsed.Round(time.Millisecond), failures)

	fmt.Println("Pool:")
	fmt.Printf("  workers=%d submitted=%d completed=%d failed=%d timeouts=%d restarts=%d avg=%s\n",
		ps.Workers, ps.Submitted, ps.Completed, ps.Failed, ps.Timeouts, ps.Restarts, ps.AvgTaskDuration.Round(time.Microsecond))

	fmt.Println("Cache:")
	fmt.Printf("  items=%d bytes=%d/%d (%.1f%%) hits=%d misses=%d hit_rate=%.2f evictions=%d\n",
		cs.Items, cs.BytesUsed, cs.MaxBytes, cs.UtilizationPct, cs.Hits, cs.Misses, cs.HitRate, cs.Evictions)

	fmt.Println("Batch:")
	fmt.Printf("  submitted=%d completed=%d failed=%d retries=%d peak_concurrency=%d throughput=%.1f/s avg=%s\n",
		bs.Submitted, bs.Completed, bs.Failed, bs.Retries, bs.PeakConcurrency, bs.Throughput, bs.AvgDuration.Round(time.Microsecond))
}
