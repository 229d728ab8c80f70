package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ocxlabs/civic-triage/internal/store"
)

// Reader is the subset of the state store the read surface needs —
// component G of the pipeline, defined as pure functions over D.
type Reader interface {
	MgetRequests(ctx context.Context, city string) ([]json.RawMessage, error)
	GetRecentRequests(ctx context.Context, n int) ([]json.RawMessage, error)
	GetCityStats(ctx context.Context, city string) (store.Stats, error)
	GetGlobalStats(ctx context.Context) (store.Stats, error)
}

const defaultRecentN = 50

// Server wires the Reader and the known city list into HTTP handlers.
type Server struct {
	Reader Reader
	Cities []string
}

// NewRouter builds the mux router for the read surface: a public
// /health endpoint and an API-key-gated /v1 subrouter.
func NewRouter(srv *Server, apiKeys, corsOrigins []string) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", srv.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(MakeAPIKeyMiddleware(apiKeys))
	api.HandleFunc("/cities", srv.handleListCities).Methods(http.MethodGet)
	api.HandleFunc("/cities/{city}/requests", srv.handleCityRequests).Methods(http.MethodGet)
	api.HandleFunc("/cities/{city}/quick_stats", srv.handleCityStats).Methods(http.MethodGet)
	api.HandleFunc("/stats", srv.handleGlobalStats).Methods(http.MethodGet)

	router.Use(MakeCORSMiddleware(corsOrigins))
	router.Use(LoggingMiddleware)
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "civic-triage"})
}

func (s *Server) handleListCities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cities": s.Cities})
}

// handleCityRequests serves the cached open requests for one city. The
// pseudo-city "all" returns the defaultRecentN most recent requests
// across every city instead of one city's full open set.
func (s *Server) handleCityRequests(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]

	if city == "all" {
		n := defaultRecentN
		if raw := r.URL.Query().Get("n"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
				n = parsed
			}
		}
		requests, err := s.Reader.GetRecentRequests(r.Context(), n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load recent requests")
			return
		}
		writeRawList(w, requests)
		return
	}

	if !s.knownCity(city) {
		writeError(w, http.StatusNotFound, "unknown city")
		return
	}

	requests, err := s.Reader.MgetRequests(r.Context(), city)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load requests")
		return
	}
	writeRawList(w, requests)
}

func (s *Server) handleCityStats(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]
	if !s.knownCity(city) {
		writeError(w, http.StatusNotFound, "unknown city")
		return
	}

	stats, err := s.Reader.GetCityStats(r.Context(), city)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load city stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Reader.GetGlobalStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load global stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) knownCity(city string) bool {
	for _, c := range s.Cities {
		if c == city {
			return true
		}
	}
	return false
}

func writeRawList(w http.ResponseWriter, items []json.RawMessage) {
	if items == nil {
		items = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
