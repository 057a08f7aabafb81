package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rangekeeper/apm/internal/logger"
	"github.com/rangekeeper/apm/internal/state"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer exposes run reports and a health probe over HTTP.
type WebServer struct {
	router *mux.Router
	port   string
}

// NewWebServer creates a new web server instance
func NewWebServer(port string) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router: mux.NewRouter(),
		port:   port,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/reports", ws.handleGetReports).Methods("GET")
	api.HandleFunc("/reports/latest", ws.handleGetLatestReport).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false

	// Latest run information
	var runInfo map[string]interface{}
	latest, reportErr := state.GetLatestReport()
	if reportErr == nil {
		runInfo = map[string]interface{}{
			"run_number":  latest.RunNumber,
			"last_run_at": latest.FinishedAt,
			"path":        latest.Path,
			"degraded":    latest.Degraded,
			"failure":     latest.Failure,
		}
		if latest.Failure != "" {
			hasErrors = true
		}
	} else {
		runInfo = map[string]interface{}{
			"run_number":  0,
			"last_run_at": nil,
			"path":        "unknown",
		}
	}

	// Database connection status
	dbHealthy := true
	if dbErr := state.TestDBConnection(); dbErr != nil {
		dbHealthy = false
		hasErrors = true
	}

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "apm-automated-position-manager",
			"version": "1.0.0",
		},
		"apm_status": map[string]interface{}{
			"database_healthy": dbHealthy,
			"last_run":         runInfo,
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetReports returns recent run reports, newest first
func (ws *WebServer) handleGetReports(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	reports, err := state.GetRecentReports(limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent run reports")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve run reports")
		return
	}

	response := map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
		"limit":   limit,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetLatestReport returns the most recent run report
func (ws *WebServer) handleGetLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := state.GetLatestReport()
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get latest run report")
		ws.writeErrorResponse(w, http.StatusNotFound, "No run reports found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, report)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
