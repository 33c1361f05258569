// Package metrics exposes engine statistics as Prometheus metrics. A single
// Collector polls the pool, cache, and coordinator on every scrape, so no
// counters are duplicated inside the engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cssforge/cssforge/pkg/batch"
	"github.com/cssforge/cssforge/pkg/cache"
	"github.com/cssforge/cssforge/pkg/infrastructure/logging"
	"github.com/cssforge/cssforge/pkg/workers"
)

// PoolStatsSource yields worker pool statistics.
type PoolStatsSource interface {
	Stats() workers.Stats
}

// CacheStatsSource yields cache statistics.
type CacheStatsSource interface {
	GetStats() cache.Stats
}

// BatchStatsSource yields coordinator statistics.
type BatchStatsSource interface {
	GetStats() batch.Stats
}

// Collector implements prometheus.Collector over the engine's stats
// snapshots. Any source may be nil; its metrics are simply absent.
type Collector struct {
	pool  PoolStatsSource
	cache CacheStatsSource
	batch BatchStatsSource

	poolWorkers      *prometheus.Desc
	poolBusy         *prometheus.Desc
	poolQueueDepth   *prometheus.Desc
	poolSubmitted    *prometheus.Desc
	poolCompleted    *prometheus.Desc
	poolFailed       *prometheus.Desc
	poolTimeouts     *prometheus.Desc
	poolRestarts     *prometheus.Desc
	poolAvgDuration  *prometheus.Desc
	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheHitRate     *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheExpirations *prometheus.Desc
	cacheBytesUsed   *prometheus.Desc
	cacheBytesMax    *prometheus.Desc
	cacheUtilization *prometheus.Desc
	cacheItems       *prometheus.Desc
	cacheAvgAccess   *prometheus.Desc
	batchSubmitted   *prometheus.Desc
	batchCompleted   *prometheus.Desc
	batchFailed      *prometheus.Desc
	batchCancelled   *prometheus.Desc
	batchRetries     *prometheus.Desc
	batchSuccessRate *prometheus.Desc
	batchAvgDuration *prometheus.Desc
	batchThroughput  *prometheus.Desc
	batchCurrent     *prometheus.Desc
	batchPeak        *prometheus.Desc
}

// NewCollector builds a collector over the given stat sources. Nil sources
// are skipped.
func NewCollector(pool PoolStatsSource, cacheSource CacheStatsSource, batchSource BatchStatsSource) *Collector {
	return &Collector{
		pool:  pool,
		cache: cacheSource,
		batch: batchSource,

		poolWorkers:     prometheus.NewDesc("cssforge_pool_workers", "Live workers in the pool", nil, nil),
		poolBusy:        prometheus.NewDesc("cssforge_pool_busy_workers", "Workers currently executing a task", nil, nil),
		poolQueueDepth:  prometheus.NewDesc("cssforge_pool_queue_depth", "Tasks waiting for a worker", nil, nil),
		poolSubmitted:   prometheus.NewDesc("cssforge_pool_tasks_submitted_total", "Tasks accepted by the pool", nil, nil),
		poolCompleted:   prometheus.NewDesc("cssforge_pool_tasks_completed_total", "Tasks completed successfully", nil, nil),
		poolFailed:      prometheus.NewDesc("cssforge_pool_tasks_failed_total", "Tasks that returned an error or panicked", nil, nil),
		poolTimeouts:    prometheus.NewDesc("cssforge_pool_task_timeouts_total", "Tasks abandoned at their deadline", nil, nil),
		poolRestarts:    prometheus.NewDesc("cssforge_pool_worker_restarts_total", "Workers retired and replaced", nil, nil),
		poolAvgDuration: prometheus.NewDesc("cssforge_pool_task_duration_seconds_avg", "Average task execution time", nil, nil),

		cacheHits:        prometheus.NewDesc("cssforge_cache_hits_total", "Cache lookups that found a live entry", nil, nil),
		cacheMisses:      prometheus.NewDesc("cssforge_cache_misses_total", "Cache lookups that found nothing", nil, nil),
		cacheHitRate:     prometheus.NewDesc("cssforge_cache_hit_rate", "Hits over total lookups", nil, nil),
		cacheEvictions:   prometheus.NewDesc("cssforge_cache_evictions_total", "Entries evicted for capacity", nil, nil),
		cacheExpirations: prometheus.NewDesc("cssforge_cache_expirations_total", "Entries removed after their TTL", nil, nil),
		cacheBytesUsed:   prometheus.NewDesc("cssforge_cache_bytes_used", "Bytes held by resident entries", nil, nil),
		cacheBytesMax:    prometheus.NewDesc("cssforge_cache_bytes_max", "Configured byte budget", nil, nil),
		cacheUtilization: prometheus.NewDesc("cssforge_cache_utilization_percent", "Bytes used as a share of the budget", nil, nil),
		cacheItems:       prometheus.NewDesc("cssforge_cache_items", "Resident entries", nil, nil),
		cacheAvgAccess:   prometheus.NewDesc("cssforge_cache_access_time_seconds_avg", "Average lookup latency", nil, nil),

		batchSubmitted:   prometheus.NewDesc("cssforge_batch_jobs_submitted_total", "Jobs accepted by the coordinator", nil, nil),
		batchCompleted:   prometheus.NewDesc("cssforge_batch_jobs_completed_total", "Jobs completed successfully", nil, nil),
		batchFailed:      prometheus.NewDesc("cssforge_batch_jobs_failed_total", "Jobs that failed permanently", nil, nil),
		batchCancelled:   prometheus.NewDesc("cssforge_batch_jobs_cancelled_total", "Jobs cancelled before dispatch", nil, nil),
		batchRetries:     prometheus.NewDesc("cssforge_batch_retries_total", "Retry attempts scheduled", nil, nil),
		batchSuccessRate: prometheus.NewDesc("cssforge_batch_success_rate", "Completed over finished jobs", nil, nil),
		batchAvgDuration: prometheus.NewDesc("cssforge_batch_job_duration_seconds_avg", "Average successful job duration", nil, nil),
		batchThroughput:  prometheus.NewDesc("cssforge_batch_throughput_jobs_per_second", "Completed jobs per second since start", nil, nil),
		batchCurrent:     prometheus.NewDesc("cssforge_batch_current_concurrency", "Jobs executing right now", nil, nil),
		batchPeak:        prometheus.NewDesc("cssforge_batch_peak_concurrency", "Highest concurrency observed", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		s := c.pool.Stats()
		ch <- prometheus.MustNewConstMetric(c.poolWorkers, prometheus.GaugeValue, float64(s.Workers))
		ch <- prometheus.MustNewConstMetric(c.poolBusy, prometheus.GaugeValue, float64(s.BusyWorkers))
		ch <- prometheus.MustNewConstMetric(c.poolQueueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
		ch <- prometheus.MustNewConstMetric(c.poolSubmitted, prometheus.CounterValue, float64(s.Submitted))
		ch <- prometheus.MustNewConstMetric(c.poolCompleted, prometheus.CounterValue, float64(s.Completed))
		ch <- prometheus.MustNewConstMetric(c.poolFailed, prometheus.CounterValue, float64(s.Failed))
		ch <- prometheus.MustNewConstMetric(c.poolTimeouts, prometheus.CounterValue, float64(s.Timeouts))
		ch <- prometheus.MustNewConstMetric(c.poolRestarts, prometheus.CounterValue, float64(s.Restarts))
		ch <- prometheus.MustNewConstMetric(c.poolAvgDuration, prometheus.GaugeValue, s.AvgTaskDuration.Seconds())
	}

	if c.cache != nil {
		s := c.cache.GetStats()
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, s.HitRate)
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(s.Evictions))
		ch <- prometheus.MustNewConstMetric(c.cacheExpirations, prometheus.CounterValue, float64(s.Expirations))
		ch <- prometheus.MustNewConstMetric(c.cacheBytesUsed, prometheus.GaugeValue, float64(s.BytesUsed))
		ch <- prometheus.MustNewConstMetric(c.cacheBytesMax, prometheus.GaugeValue, float64(s.MaxBytes))
		ch <- prometheus.MustNewConstMetric(c.cacheUtilization, prometheus.GaugeValue, s.UtilizationPct)
		ch <- prometheus.MustNewConstMetric(c.cacheItems, prometheus.GaugeValue, float64(s.Items))
		ch <- prometheus.MustNewConstMetric(c.cacheAvgAccess, prometheus.GaugeValue, s.AvgAccessTime.Seconds())
	}

	if c.batch != nil {
		s := c.batch.GetStats()
		ch <- prometheus.MustNewConstMetric(c.batchSubmitted, prometheus.CounterValue, float64(s.Submitted))
		ch <- prometheus.MustNewConstMetric(c.batchCompleted, prometheus.CounterValue, float64(s.Completed))
		ch <- prometheus.MustNewConstMetric(c.batchFailed, prometheus.CounterValue, float64(s.Failed))
		ch <- prometheus.MustNewConstMetric(c.batchCancelled, prometheus.CounterValue, float64(s.Cancelled))
		ch <- prometheus.MustNewConstMetric(c.batchRetries, prometheus.CounterValue, float64(s.Retries))
		ch <- prometheus.MustNewConstMetric(c.batchSuccessRate, prometheus.GaugeValue, s.SuccessRate)
		ch <- prometheus.MustNewConstMetric(c.batchAvgDuration, prometheus.GaugeValue, s.AvgDuration.Seconds())
		ch <- prometheus.MustNewConstMetric(c.batchThroughput, prometheus.GaugeValue, s.Throughput)
		ch <- prometheus.MustNewConstMetric(c.batchCurrent, prometheus.GaugeValue, float64(s.CurrentConcurrency))
		ch <- prometheus.MustNewConstMetric(c.batchPeak, prometheus.GaugeValue, float64(s.PeakConcurrency))
	}
}

// NewRegistry returns a registry with the collector installed.
func NewRegistry(collector *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	return reg
}

// Handler serves the registry's metrics over HTTP.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ListenAndServe exposes /metrics on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, reg *prometheus.Registry, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("metrics")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", map[string]interface{}{"addr": addr})
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
