// Package httpapi exposes the tracker's inbound ingestion endpoint and its
// minimal operational surface (spec §6): scraper batch submission, health,
// manual tick trigger, the configured location set, and an on-demand
// health-monitor check.
package httpapi

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/leafpulse/tracker/internal/health"
	"github.com/leafpulse/tracker/internal/ingest"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/orchestrator"
	"github.com/leafpulse/tracker/internal/store"
)

// maxIngestBodyBytes bounds a scraped-batch submission (spec §6 gives no
// explicit limit; this matches the 1 MiB ceiling the teacher's own JSON
// handlers apply to request bodies).
const maxIngestBodyBytes int64 = 1 << 20

// apiKeyHeader is the optional shared-secret header on the ingestion endpoint.
const apiKeyHeader = "X-API-Key"

// Config wires the handlers to their backing components.
type Config struct {
	Store            store.Store
	IngestEngine     *ingest.Engine
	Orchestrator     *orchestrator.Orchestrator
	Monitor          *health.Monitor
	SharedKey        string
	AllowedOrigins   []string
	ScheduleInterval time.Duration
}

// Server holds the dependencies behind every handler.
type Server struct {
	store            store.Store
	ingestEngine     *ingest.Engine
	orchestrator     *orchestrator.Orchestrator
	monitor          *health.Monitor
	sharedKey        string
	allowedOrigins   []string
	scheduleInterval time.Duration
	startedAt        time.Time
}

// NewServer constructs the operational HTTP surface.
func NewServer(cfg Config) *Server {
	return &Server{
		store:            cfg.Store,
		ingestEngine:     cfg.IngestEngine,
		orchestrator:     cfg.Orchestrator,
		monitor:          cfg.Monitor,
		sharedKey:        cfg.SharedKey,
		allowedOrigins:   cfg.AllowedOrigins,
		scheduleInterval: cfg.ScheduleInterval,
		startedAt:        time.Now().UTC(),
	}
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/scraped-batch", s.withCORS(s.handleIngest))
	mux.HandleFunc("/health", s.withCORS(s.handleHealth))
	mux.HandleFunc("/trigger", s.withCORS(s.handleTrigger))
	mux.HandleFunc("/locations", s.withCORS(s.handleLocations))
	mux.HandleFunc("/alerts/check", s.withCORS(s.handleAlertsCheck))
	mux.HandleFunc("/metrics", s.withCORS(s.handleMetrics))
	return mux
}

// withCORS answers preflight requests and stamps the allow-origin header on
// every response (spec §6: "allow the orchestrator's origin plus the admin
// dashboard; preflight returns 204 with Allow-Methods: GET, POST, OPTIONS").
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", apiKeyHeader+", Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// handleIngest implements POST /ingest/scraped-batch.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sharedKey != "" && r.Header.Get(apiKeyHeader) != s.sharedKey {
		writeError(w, http.StatusUnauthorized, "invalid or missing api key")
		return
	}

	var req ingestRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	if req.BatchID == "" {
		writeError(w, http.StatusBadRequest, "batchId is required")
		return
	}

	summary, err := s.ingestEngine.ProcessBatch(r.Context(), req.toModel())
	if err != nil {
		observability.Log().Error("httpapi: process batch failed",
			observability.Field{Key: "batch_id", Value: req.BatchID},
			observability.Field{Key: "error", Value: err.Error()},
		)
		writeError(w, http.StatusInternalServerError, "ingestion failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ingestResponseFromSummary(summary))
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	retailers, err := s.store.ListActiveRetailers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list active retailers failed: "+err.Error())
		return
	}
	// The store interface only exposes active retailers (ListActiveRetailers);
	// disabled is always 0 here since there is no "list all" query to diff
	// against.
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Locations: healthLocations{
			Total:  len(retailers),
			Active: len(retailers),
		},
		Schedule: s.scheduleInterval.String(),
		Features: []string{"ingestion", "notifications", "retry_queue", "health_monitor"},
	})
}

// handleTrigger implements POST /trigger.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary, err := s.orchestrator.RunTick(r.Context())
	if err != nil {
		if err == orchestrator.ErrTickInProgress {
			writeError(w, http.StatusConflict, "a tick is already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, "tick failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ingestResponseFromSummary(summary))
}

// handleLocations implements GET /locations.
func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	retailers, err := s.store.ListActiveRetailers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list active retailers failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, locationsResponse{Locations: locationPayloads(retailers)})
}

// handleAlertsCheck implements POST /alerts/check.
func (s *Server) handleAlertsCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body alertsCheckRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
			return
		}
	}
	alerts, err := s.monitor.Check(r.Context(), body.ForceAlert)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "health check failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alertsCheckResponse{Alerts: alertPayloads(alerts)})
}

// handleMetrics implements a supplemented GET /metrics for lightweight
// operator polling beyond /health's feature list.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	since := time.Now().UTC().Add(-time.Hour)
	total, failed, err := s.store.CountScrapeJobsSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count scrape jobs failed: "+err.Error())
		return
	}
	unresolved, err := s.store.CountUnresolvedDeadLettersSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count dead letters failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		UptimeSeconds:         time.Since(s.startedAt).Seconds(),
		JobsLastHour:          total,
		FailedJobsLastHour:    failed,
		UnresolvedDeadLetters: unresolved,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]any{"success": false, "error": message})
	_, _ = w.Write(body)
}

func locationPayloads(retailers []model.Retailer) []locationPayload {
	out := make([]locationPayload, 0, len(retailers))
	for _, r := range retailers {
		source := model.MenuSource{}
		if len(r.MenuSources) > 0 {
			source = r.MenuSources[0]
		}
		out = append(out, locationPayload{
			RetailerID: r.ID,
			Name:       r.Name,
			URL:        source.URL,
			Platform:   source.Platform,
			Enabled:    r.IsActive,
			City:       r.Address.City,
			State:      r.Address.State,
		})
	}
	return out
}

func alertPayloads(alerts []model.ScraperAlert) []alertPayload {
	out := make([]alertPayload, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertPayload{
			Type:        a.Type,
			Severity:    string(a.Severity),
			Title:       a.Title,
			Message:     a.Message,
			DeliveredTo: a.DeliveredTo,
			CreatedAt:   a.CreatedAt,
		})
	}
	return out
}

func ingestResponseFromSummary(summary model.IngestSummary) ingestResponse {
	breakdown := make(map[string]int, len(summary.EventBreakdown))
	for eventType, count := range summary.EventBreakdown {
		breakdown[string(eventType)] = count
	}
	return ingestResponse{
		Success:             true,
		TotalProcessed:      summary.TotalProcessed,
		TotalFailed:         summary.TotalFailed,
		TotalEventsDetected: summary.TotalEventsDetected,
		EventBreakdown:      breakdown,
		BatchID:             summary.BatchID,
	}
}

// ingestRequest is the wire shape accepted by POST /ingest/scraped-batch.
type ingestRequest struct {
	BatchID string                 `json:"batchId"`
	Results []ingestRetailerResult `json:"results"`
}

type ingestRetailerResult struct {
	RetailerID string              `json:"retailerId"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	Items      []ingestScrapedItem `json:"items,omitempty"`
}

type ingestScrapedItem struct {
	RawProductName  string     `json:"rawProductName"`
	RawBrandName    string     `json:"rawBrandName"`
	RawCategory     string     `json:"rawCategory"`
	Price           float64    `json:"price"`
	OriginalPrice   *float64   `json:"originalPrice,omitempty"`
	InStock         bool       `json:"inStock"`
	Quantity        *int       `json:"quantity,omitempty"`
	QuantityWarning string     `json:"quantityWarning,omitempty"`
	QuantitySource  string     `json:"quantitySource,omitempty"`
	THCFormatted    string     `json:"thc,omitempty"`
	CBDFormatted    string     `json:"cbd,omitempty"`
	ImageURL        string     `json:"imageUrl,omitempty"`
	SourceURL       string     `json:"sourceUrl,omitempty"`
	SourcePlatform  string     `json:"sourcePlatform,omitempty"`
	ProductURL      string     `json:"productUrl,omitempty"`
	ScrapedAt       *time.Time `json:"scrapedAt,omitempty"`
}

func (req ingestRequest) toModel() model.Batch {
	now := time.Now().UTC()
	results := make([]model.RetailerResult, 0, len(req.Results))
	for _, r := range req.Results {
		items := make([]model.ScrapedItem, 0, len(r.Items))
		for _, item := range r.Items {
			scrapedAt := now
			if item.ScrapedAt != nil {
				scrapedAt = *item.ScrapedAt
			}
			items = append(items, model.ScrapedItem{
				RawProductName:  item.RawProductName,
				RawBrandName:    item.RawBrandName,
				RawCategory:     item.RawCategory,
				Price:           item.Price,
				OriginalPrice:   item.OriginalPrice,
				InStock:         item.InStock,
				Quantity:        item.Quantity,
				QuantityWarning: item.QuantityWarning,
				QuantitySource:  model.QuantitySource(item.QuantitySource),
				THCFormatted:    item.THCFormatted,
				CBDFormatted:    item.CBDFormatted,
				ImageURL:        item.ImageURL,
				SourceURL:       item.SourceURL,
				SourcePlatform:  item.SourcePlatform,
				ScrapedAt:       scrapedAt,
				ProductURL:      item.ProductURL,
			})
		}
		results = append(results, model.RetailerResult{
			RetailerID: r.RetailerID,
			Status:     r.Status,
			Error:      r.Error,
			Items:      items,
		})
	}
	return model.Batch{BatchID: req.BatchID, Results: results}
}

// ingestResponse mirrors spec §6's success/error envelope.
type ingestResponse struct {
	Success             bool           `json:"success"`
	TotalProcessed      int            `json:"totalProcessed"`
	TotalFailed         int            `json:"totalFailed"`
	TotalEventsDetected int            `json:"totalEventsDetected"`
	EventBreakdown      map[string]int `json:"eventBreakdown"`
	BatchID             string         `json:"batchId"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	Locations healthLocations `json:"locations"`
	Schedule  string          `json:"schedule"`
	Features  []string        `json:"features"`
}

type healthLocations struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Disabled int `json:"disabled"`
}

type locationsResponse struct {
	Locations []locationPayload `json:"locations"`
}

type locationPayload struct {
	RetailerID string `json:"retailerId"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Platform   string `json:"platform"`
	Enabled    bool   `json:"enabled"`
	City       string `json:"city"`
	State      string `json:"state"`
}

type alertsCheckRequest struct {
	ForceAlert bool `json:"forceAlert"`
}

type alertsCheckResponse struct {
	Alerts []alertPayload `json:"alerts"`
}

type alertPayload struct {
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	DeliveredTo []string  `json:"deliveredTo,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type metricsResponse struct {
	UptimeSeconds         float64 `json:"uptimeSeconds"`
	JobsLastHour          int     `json:"jobsLastHour"`
	FailedJobsLastHour    int     `json:"failedJobsLastHour"`
	UnresolvedDeadLetters int     `json:"unresolvedDeadLetters"`
}
