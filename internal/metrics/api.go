package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/voxstream/ttscore/internal/config"
	"github.com/voxstream/ttscore/internal/queue"
	"github.com/voxstream/ttscore/internal/store"
	"github.com/voxstream/ttscore/web"
)

// DeadLetterSource is the slice of the queue substrate the dashboard needs
// to show terminally-failed jobs awaiting their retention expiry.
type DeadLetterSource interface {
	DeadLetters(model string) []queue.DeadLetterEntry
}

// DashboardServer serves the operational dashboard and JSON API
// endpoints: live counters, usage-ledger history, dispatcher health, and
// configuration. It is a separate HTTP surface from internal/apiserver,
// which serves the coordination core's own audio-fetch and session
// routes — this one is ops/observability tooling around the core.
type DashboardServer struct {
	router      chi.Router
	collector   *Collector
	store       *store.Store
	queueDepths QueueDepthSource
	circuits    CircuitStateSource
	deadLetters DeadLetterSource
	cfg         *config.Config
	addr        string
	server      *http.Server
}

// NewDashboardServer creates a new DashboardServer wired to the given
// collector, store, live gauge sources, config, and listen address.
// queueDepths, circuits, and deadLetters may be nil to omit the
// corresponding endpoint's live data (it still responds, just empty).
func NewDashboardServer(collector *Collector, st *store.Store, queueDepths QueueDepthSource, circuits CircuitStateSource, deadLetters DeadLetterSource, cfg *config.Config, addr string) *DashboardServer {
	d := &DashboardServer{
		collector:   collector,
		store:       st,
		queueDepths: queueDepths,
		circuits:    circuits,
		deadLetters: deadLetters,
		cfg:         cfg,
		addr:        addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	// API routes.
	r.Get("/api/stats", d.handleStats)
	r.Get("/api/stats/history", d.handleStatsHistory)
	r.Get("/api/usage", d.handleUsage)
	r.Get("/api/queue", d.handleQueue)
	r.Get("/api/dispatcher", d.handleDispatcher)
	r.Get("/api/deadletters", d.handleDeadLetters)
	r.Get("/api/config", d.handleGetConfig)
	r.Post("/api/config", d.handleUpdateConfig)
	r.Get("/api/health", d.handleHealth)

	// Prometheus metrics endpoint.
	r.Get("/metrics", PrometheusHandler(collector))

	// Static file serving from embedded filesystem.
	staticFS := http.FileServer(http.FS(web.StaticFS()))
	r.Handle("/static/*", http.StripPrefix("/static/", staticFS))

	// Dashboard HTML (catch-all).
	r.Get("/", d.handleDashboard)
	r.Get("/*", d.handleDashboard)

	d.router = r
	return d
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (d *DashboardServer) Start() error {
	d.server = &http.Server{
		Addr:         d.addr,
		Handler:      d.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", d.addr).Msg("dashboard server starting")
	if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the dashboard server.
func (d *DashboardServer) Shutdown(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	return d.server.Shutdown(ctx)
}

// handleHealth returns a simple health check response.
func (d *DashboardServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns the current in-memory collector statistics.
func (d *DashboardServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.collector.Stats())
}

// handleStatsHistory returns daily usage-ledger aggregates from the
// store. Accepts ?range=1d, 7d, 30d (default 7d).
func (d *DashboardServer) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "7d"
	}

	since, err := parseDurationParam(rangeParam)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid range parameter"})
		return
	}

	sinceTime := time.Now().Add(-since)

	type historyPoint struct {
		Day           string `json:"day"`
		Jobs          int64  `json:"jobs"`
		BillableUnits int64  `json:"billable_units"`
		CacheHits     int64  `json:"cache_hits"`
	}

	rows, err := d.store.Reader().Query(`
		SELECT
			DATE(recorded_at) as day,
			COUNT(*) as jobs,
			COALESCE(SUM(billable_units), 0) as billable_units,
			COALESCE(SUM(cache_hit), 0) as cache_hits
		FROM usage_ledger
		WHERE recorded_at >= ?
		GROUP BY DATE(recorded_at)
		ORDER BY day ASC`,
		sinceTime.UTC().Format(time.RFC3339),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to query stats history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	defer rows.Close()

	var points []historyPoint
	for rows.Next() {
		var p historyPoint
		if err := rows.Scan(&p.Day, &p.Jobs, &p.BillableUnits, &p.CacheHits); err != nil {
			log.Error().Err(err).Msg("failed to scan history row")
			continue
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("history rows iteration error")
	}
	if points == nil {
		points = []historyPoint{}
	}

	writeJSON(w, http.StatusOK, points)
}

// handleUsage returns a paginated view of recent usage-ledger entries,
// newest first.
func (d *DashboardServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := (page - 1) * limit

	records, err := d.store.RecentUsage(limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("failed to list recent usage")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page":    page,
		"limit":   limit,
		"records": records,
	})
}

// handleQueue returns the current pending-job depth per model.
func (d *DashboardServer) handleQueue(w http.ResponseWriter, _ *http.Request) {
	depths := map[string]int{}
	if d.queueDepths != nil {
		depths = d.queueDepths.QueueDepths()
	}
	writeJSON(w, http.StatusOK, depths)
}

// handleDispatcher returns the configured external-dispatcher endpoints
// (no API keys) alongside each model's live circuit-breaker state.
func (d *DashboardServer) handleDispatcher(w http.ResponseWriter, _ *http.Request) {
	type endpointInfo struct {
		ModelSlug     string  `json:"model_slug"`
		URL           string  `json:"url"`
		CircuitState  float64 `json:"circuit_state"`
	}

	var states map[string]float64
	if d.circuits != nil {
		states = d.circuits.CircuitStates()
	}

	endpoints := make([]endpointInfo, 0, len(d.cfg.Dispatcher.Endpoints))
	for model, ep := range d.cfg.Dispatcher.Endpoints {
		endpoints = append(endpoints, endpointInfo{
			ModelSlug:    model,
			URL:          ep.URL,
			CircuitState: states[model],
		})
	}

	writeJSON(w, http.StatusOK, endpoints)
}

// handleDeadLetters returns the dead-letter queue for a single model,
// given as the required ?model= query parameter.
func (d *DashboardServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing model query parameter"})
		return
	}
	if d.deadLetters == nil {
		writeJSON(w, http.StatusOK, []queue.DeadLetterEntry{})
		return
	}
	writeJSON(w, http.StatusOK, d.deadLetters.DeadLetters(model))
}

// handleGetConfig returns the current configuration with sensitive keys redacted.
func (d *DashboardServer) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(d.cfg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}

	var cfgMap map[string]interface{}
	if err := json.Unmarshal(data, &cfgMap); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}

	redactKeys(cfgMap)
	writeJSON(w, http.StatusOK, cfgMap)
}

// handleUpdateConfig accepts a JSON body and logs the requested update.
// Full config hot-reload integration merges updates into the running
// config via config.Watch's file-change path; this endpoint is a
// notification surface, not a direct mutator, since some settings
// (ports, data dir) cannot safely change without a restart.
func (d *DashboardServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	defer r.Body.Close()

	var updates map[string]interface{}
	if err := json.Unmarshal(body, &updates); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	log.Info().Interface("updates", updates).Msg("config update requested via API")

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "message": "config update received; edit the config file and let the watcher reload it"})
}

// handleDashboard serves the embedded HTML dashboard.
func (d *DashboardServer) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	data, err := web.Assets.ReadFile("templates/index.html")
	if err != nil {
		http.Error(w, "dashboard not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// --- helpers ---

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// parseDurationParam converts a shorthand like "7d" or "24h" to a time.Duration.
func parseDurationParam(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// redactKeys recursively walks a map and replaces any string value whose
// key contains "key", "secret", or "token" (case-insensitive) with "****".
func redactKeys(m map[string]interface{}) {
	for k, v := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "key") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
			if _, ok := v.(string); ok {
				m[k] = "****"
				continue
			}
		}
		switch child := v.(type) {
		case map[string]interface{}:
			redactKeys(child)
		case []interface{}:
			for _, item := range child {
				if sub, ok := item.(map[string]interface{}); ok {
					redactKeys(sub)
				}
			}
		}
	}
}

// corsMiddleware adds permissive CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
