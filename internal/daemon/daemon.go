package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/admission"
	"github.com/voxstream/ttscore/internal/apiserver"
	"github.com/voxstream/ttscore/internal/audiocache"
	"github.com/voxstream/ttscore/internal/billing"
	"github.com/voxstream/ttscore/internal/config"
	"github.com/voxstream/ttscore/internal/consumer"
	"github.com/voxstream/ttscore/internal/dispatcher"
	"github.com/voxstream/ttscore/internal/domain"
	"github.com/voxstream/ttscore/internal/metrics"
	"github.com/voxstream/ttscore/internal/queue"
	"github.com/voxstream/ttscore/internal/scanner"
	"github.com/voxstream/ttscore/internal/session"
	"github.com/voxstream/ttscore/internal/store"
	"github.com/voxstream/ttscore/internal/vault"
	"github.com/voxstream/ttscore/internal/version"
	"github.com/voxstream/ttscore/internal/worker"
)

// Run is the main daemon orchestrator. It initialises the store, the
// queue substrate, and every component wired onto it (local workers,
// dispatcher pools, the result consumer, the visibility scanner, admission,
// and the session channel), then blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	zerolog.SetGlobalLevel(logLevel)

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "ttscore.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "ttscore").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("ttscore starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("ttscore is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Open store.
	dbPath := filepath.Join(dataDir, "ttscore.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	log.Info().Str("db_path", dbPath).Msg("store opened")

	// 4. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 5. Start config watcher.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}

	var watcher *config.Watcher
	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			watcher = w
			defer watcher.Close()
			watcher.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				newLevel := parseLogLevel(newCfg.Server.LogLevel)
				zerolog.SetGlobalLevel(newLevel)
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 6. Start periodic data pruning (dead-letter + usage-ledger retention).
	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	prunerDone := make(chan struct{})

	// 6a. Metrics collector: lock-free counters fed by admission/consumer,
	// plus ticker-polled gauges for queue depth and circuit-breaker state.
	collector := metrics.NewCollector()

	// ---------------------------------------------------------------
	// 7. Wire the job-coordination core.
	// ---------------------------------------------------------------

	// 7a. Content-addressed audio cache, backed by the store's blob tier.
	audioCache, err := audiocache.New(st, cfg.AudioCache.MaxMemoryEntries, cfg.AudioCache.MaxBytes, cfg.AudioCache.LowWaterBytes)
	if err != nil {
		return fmt.Errorf("creating audio cache: %w", err)
	}
	sweepDone := audioCache.StartSweeper(pruneCtx, 5*time.Second, time.Duration(cfg.AudioCache.SweepIntervalSec)*time.Second)

	// 7b. Billing hook: record_usage + quota check, backed by the store's
	// usage ledger.
	multiplier := func(modelSlug string) float64 {
		if m, ok := cfg.Billing.ModelMultipliers[modelSlug]; ok && m > 0 {
			return m
		}
		return 1.0
	}
	quotaPeriod := 24 * time.Hour
	switch cfg.Billing.QuotaPeriod {
	case "hourly":
		quotaPeriod = time.Hour
	case "monthly":
		quotaPeriod = 30 * 24 * time.Hour
	}
	var quotaUnits int64
	if cfg.Billing.QuotaEnabled {
		quotaUnits = cfg.Billing.DefaultQuota
	}
	bill := billing.New(st, multiplier, quotaPeriod, quotaUnits)

	// 7c. Queue substrate: the single point of cross-goroutine ordering
	// and exclusion every other component pulls from or publishes to.
	substrate := queue.New(cfg.Queue.ResultsBufferSize)

	go func() {
		defer close(prunerDone)
		runPruner(pruneCtx, st, substrate, cfg.Metrics.RetentionDays)
	}()

	// 7d. Resolve dispatcher endpoints and build the shared dispatch
	// client. Each configured model gets one Endpoint; the client itself
	// holds per-model retry policy and circuit breaker.
	v := vault.New()
	endpoints := make([]dispatcher.Endpoint, 0, len(cfg.Dispatcher.Endpoints))
	for model, ep := range cfg.Dispatcher.Endpoints {
		apiKey := ""
		if ep.KeyRef != "" {
			key, resolveErr := v.ResolveKeyRef(ep.KeyRef)
			if resolveErr != nil {
				log.Warn().Err(resolveErr).Str("model", model).Msg("daemon: failed to resolve dispatcher API key; model will be unavailable")
				continue
			}
			apiKey = key
		}
		endpoints = append(endpoints, dispatcher.Endpoint{
			ModelSlug: model,
			URL:       ep.URL,
			APIKey:    apiKey,
			Codec:     "mp3",
		})
	}

	modelLimits := make(map[string]dispatcher.ModelRateLimit, len(cfg.Security.RateLimit.ModelLimits))
	for model, ml := range cfg.Security.RateLimit.ModelLimits {
		modelLimits[model] = dispatcher.ModelRateLimit{Rate: ml.Rate, Burst: ml.Burst}
	}

	dispatchClient := dispatcher.NewClient(
		endpoints,
		dispatcher.RetryPolicy{
			MaxAttempts: cfg.Dispatcher.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.Dispatcher.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Dispatcher.RetryMaxDelayMs) * time.Millisecond,
		},
		cfg.Dispatcher.CBFailureThreshold,
		time.Duration(cfg.Dispatcher.CBResetTimeoutSec)*time.Second,
		cfg.Dispatcher.CBHalfOpenMax,
		dispatcher.RateLimitConfig{
			Enabled:      cfg.Security.RateLimit.Enabled,
			DefaultRate:  cfg.Security.RateLimit.DefaultRate,
			DefaultBurst: cfg.Security.RateLimit.DefaultBurst,
			ModelLimits:  modelLimits,
		},
	)

	// Split configured models between two backends: §4.4 local workers
	// (cfg.Worker.Models), each pulling single jobs and calling out
	// through the same dispatch client, versus §4.5's dispatcher pool,
	// which runs N in-process tasks per model with no per-job worker
	// identity. A model can only be driven by one backend; Worker.Models
	// wins when a model appears in both, since it carries explicit
	// concurrency tuning.
	workerModels := make(map[string]bool, len(cfg.Worker.Models))
	for _, m := range cfg.Worker.Models {
		workerModels[m] = true
	}
	poolModels := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if !workerModels[ep.ModelSlug] {
			poolModels = append(poolModels, ep.ModelSlug)
		}
	}

	workerClaimTimeout := time.Duration(cfg.Worker.ClaimTimeout) * time.Second
	var workers []*worker.Worker
	for _, model := range cfg.Worker.Models {
		synth := dispatchSynthesizer{client: dispatchClient}
		for i := 0; i < cfg.Worker.Concurrency; i++ {
			workerID := fmt.Sprintf("%s-worker-%d", model, i)
			workers = append(workers, worker.New(workerID, model, substrate, synth, workerClaimTimeout))
		}
	}

	pool := dispatcher.NewPool(substrate, dispatchClient, cfg.Dispatcher.TasksPerModel, workerClaimTimeout)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workersWG sync.WaitGroup
	for _, w := range workers {
		workersWG.Add(1)
		go func(w *worker.Worker) {
			defer workersWG.Done()
			w.Run(workerCtx)
		}(w)
	}
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(workerCtx, poolModels)
	}()

	log.Info().
		Int("local_worker_models", len(cfg.Worker.Models)).
		Int("dispatcher_pool_models", len(poolModels)).
		Msg("daemon: synthesis backends started")

	// 7e. Audio URL builder, shared by admission and the consumer.
	audioURL := func(fingerprint string) string {
		return fmt.Sprintf("/audio/%s", fingerprint)
	}

	// 7f. Single result consumer — the only finalizer of a fingerprint's
	// work, per the exactly-once billing invariant.
	cons := consumer.New(substrate, audioCache, st, bill, audioURL, collector)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		cons.Run()
	}()

	// 7g. Visibility scanner: recovers jobs stuck in a stalled or crashed
	// worker's in-flight set.
	modelTimeouts := make(map[string]time.Duration, len(cfg.Scanner.Visibility.ModelTimeouts))
	for model, secs := range cfg.Scanner.Visibility.ModelTimeouts {
		modelTimeouts[model] = time.Duration(secs) * time.Second
	}
	visScanner := scanner.NewVisibilityScanner(substrate, st, scanner.VisibilityConfig{
		Interval:       time.Duration(cfg.Scanner.Visibility.IntervalSec) * time.Second,
		DefaultTimeout: time.Duration(cfg.Scanner.Visibility.DefaultTimeout) * time.Second,
		ModelTimeouts:  modelTimeouts,
		MaxRetries:     cfg.Scanner.Visibility.MaxRetries,
		DeadLetterTTL:  time.Duration(cfg.Scanner.Visibility.DeadLetterTTLDays) * 24 * time.Hour,
	})
	scannerCtx, scannerCancel := context.WithCancel(context.Background())
	defer scannerCancel()
	visDone := make(chan struct{})
	go func() {
		defer close(visDone)
		visScanner.Run(scannerCtx)
	}()

	// The overflow scanner (§4.8) hands jobs that have waited too long
	// off to a serverless backend. No pack library wraps a concrete
	// serverless/FaaS provider, so there is no OverflowBackend
	// implementation to wire here; a deployment that needs overflow
	// capacity supplies one against this daemon's scanner.OverflowBackend
	// interface. We log the configured models so the gap is visible
	// rather than silent.
	if len(cfg.Scanner.Overflow.OverflowModels) > 0 {
		log.Warn().Strs("models", cfg.Scanner.Overflow.OverflowModels).
			Msg("daemon: overflow models configured but no OverflowBackend is wired; overflow scanner not started")
	}

	// 7h. Admission: the dedup & admission algorithm's entry point.
	admitter := admission.New(substrate, audioCache, st, bill, audioURL, collector)

	// 7i. Session channel: the bidirectional HTTP/SSE surface.
	sessionHandler := session.New(substrate, admitter, cfg.Session.EventBufferSize, cfg.Session.EvictionWindow)

	// 7j. HTTP server: audio fetch route + session channel routes.
	apiAddr := fmt.Sprintf(":%d", cfg.Server.ProxyPort)
	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeout) * time.Second
	apiSrv := apiserver.NewServer(sessionHandler, audioCache, apiAddr, readTimeout, writeTimeout, idleTimeout, cfg.Tracing.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			log.Info().Str("addr", apiAddr).Msg("api server starting (TLS)")
			if err := apiSrv.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		} else {
			log.Info().Str("addr", apiAddr).Msg("api server starting")
			if err := apiSrv.Start(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}
	}()

	// 7k. Dashboard server: ops JSON API, Prometheus endpoint, and the
	// embedded HTML dashboard, on its own port.
	dashboardAddr := fmt.Sprintf(":%d", cfg.Server.DashboardPort)
	dashboard := metrics.NewDashboardServer(collector, st, substrate, dispatchClient, substrate, cfg, dashboardAddr)
	go func() {
		if err := dashboard.Start(); err != nil {
			log.Error().Err(err).Msg("dashboard server error")
		}
	}()

	// 7l. Gauge poll loop: refresh queue-depth and circuit-state gauges
	// on a fixed interval rather than on every admission/finalize.
	pollCtx, pollCancel := context.WithCancel(context.Background())
	defer pollCancel()
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				collector.Poll(substrate, dispatchClient)
			}
		}
	}()

	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}
	log.Info().
		Int("proxy_port", cfg.Server.ProxyPort).
		Bool("tls", cfg.Server.TLSEnabled).
		Msg("ttscore is ready")
	if foreground {
		fmt.Printf("\n  TTSCore is running!\n")
		fmt.Printf("  API: %s://localhost:%d\n\n", scheme, cfg.Server.ProxyPort)
	}

	// 8. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 9. Graceful shutdown with 30-second timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down servers...")

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown error")
	}
	if err := dashboard.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("dashboard server shutdown error")
	}
	pollCancel()
	<-pollDone

	// 10. Clean up — stop workers/scanners, flush the cache sweeper, wait
	// for background goroutines, then close the store.
	workerCancel()
	workersWG.Wait()
	<-poolDone
	scannerCancel()
	<-visDone
	substrate.CloseResults()
	<-consumerDone

	pruneCancel()
	<-sweepDone
	<-prunerDone
	st.Close()
	if err := RemovePID(dataDir); err != nil {
		log.Error().Err(err).Msg("failed to remove PID file during shutdown")
	}

	log.Info().Msg("ttscore stopped")
	return nil
}

// dispatchSynthesizer adapts the shared dispatcher.Client onto the local
// worker package's Synthesizer interface, so a local worker's pull loop
// and the dispatcher pool's tasks share one retry/circuit-breaker policy
// per model instead of duplicating it.
type dispatchSynthesizer struct {
	client *dispatcher.Client
}

func (s dispatchSynthesizer) Synthesize(ctx context.Context, job domain.Job) ([]byte, string, int, error) {
	return s.client.Synthesize(ctx, job)
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("ttscore does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("ttscore is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to ttscore (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("ttscore is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("ttscore is running (PID %d)\n", pid)

	// Try to fetch stats from the metrics API.
	statsURL := fmt.Sprintf("http://localhost:%d/api/stats", cfg.Server.DashboardPort)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(statsURL)
	if err != nil {
		fmt.Println("  (metrics endpoint unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil
	}

	for k, v := range stats {
		fmt.Printf("  %s: %v\n", k, v)
	}

	return nil
}

// runPruner periodically prunes old data: the in-memory dead-letter
// registry (the durability boundary's actual dead-letter state), its SQL
// mirror, and (via retentionDays) aged usage-ledger rows. substrate may be
// nil in tests that only exercise store pruning.
func runPruner(ctx context.Context, st *store.Store, substrate *queue.Substrate, retentionDays int) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("data pruner: recovered from panic")
					}
				}()

				if retentionDays > 0 {
					n, err := st.Prune(retentionDays)
					if err != nil {
						log.Error().Err(err).Msg("data pruning failed")
					} else if n > 0 {
						log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned old data")
					}
				}

				dlq, err := st.PruneDeadLetters()
				if err != nil {
					log.Error().Err(err).Msg("dead-letter pruning failed")
				} else if dlq > 0 {
					log.Info().Int64("rows", dlq).Msg("pruned expired dead-letter entries from store mirror")
				}

				if substrate != nil {
					if swept := substrate.SweepDeadLetters(); swept > 0 {
						log.Info().Int("rows", swept).Msg("swept expired entries from in-memory dead-letter registry")
					}
				}
			}()
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
