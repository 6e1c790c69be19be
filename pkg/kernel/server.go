// Package kernel is the HTTP surface standing in for the chat adapter's
// inbound contract: submit/again/preferences/info endpoints plus a small
// operator-facing status surface. Hand-routed on net/http.ServeMux, in the
// same style the teacher uses for the portion of its own Handler() that
// isn't generated from an OpenAPI spec (see DESIGN.md for why no
// generated server is used here).
package kernel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sdrelay/dispatcher/internal/adapters/duckdb"
	"github.com/sdrelay/dispatcher/internal/config"
	"github.com/sdrelay/dispatcher/internal/core/services"
)

// Server wires the kernel HTTP API to the core services.
type Server struct {
	logger     *slog.Logger
	admission  *services.Admission
	codec      *services.AckCodec
	scheduler  *services.Scheduler
	prefs      *services.Preferences
	params     config.ParamConfig
	loras      []config.LoraEntry
	embeddings []config.EmbeddingEntry
	usage      *duckdb.Repository
}

// NewServer constructs a Server. usage may be nil if no persistence
// backend is configured; info.usage then reports an empty summary.
func NewServer(
	logger *slog.Logger,
	admission *services.Admission,
	codec *services.AckCodec,
	scheduler *services.Scheduler,
	prefs *services.Preferences,
	params config.ParamConfig,
	loras []config.LoraEntry,
	embeddings []config.EmbeddingEntry,
	usage *duckdb.Repository,
) *Server {
	return &Server{
		logger:     logger,
		admission:  admission,
		codec:      codec,
		scheduler:  scheduler,
		prefs:      prefs,
		params:     params,
		loras:      loras,
		embeddings: embeddings,
		usage:      usage,
	}
}

// Handler returns the http.Handler for the kernel API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/generate", s.handleGenerate)
	mux.HandleFunc("/v1/again", s.handleAgain)
	mux.HandleFunc("/v1/queues", s.handleListQueues)
	mux.HandleFunc("/v1/workers", s.handleListWorkers)
	mux.HandleFunc("/v1/info/models", s.handleInfoModels)
	mux.HandleFunc("/v1/info/vaes", s.handleInfoVAEs)
	mux.HandleFunc("/v1/info/loras", s.handleInfoLoras)
	mux.HandleFunc("/v1/info/embeddings", s.handleInfoEmbeddings)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && isPreferencesPath(r.URL.Path) {
			s.handleGetPreferences(w, r)
			return
		}
		if r.Method == http.MethodPut && isPreferencesPath(r.URL.Path) {
			s.handleSetPreferences(w, r)
			return
		}
		if r.Method == http.MethodGet && isUsagePath(r.URL.Path) {
			s.handleInfoUsage(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// isPreferencesPath matches /v1/preferences/{user_id}.
func isPreferencesPath(path string) bool {
	const prefix = "/v1/preferences/"
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return len(rest) > 0 && !strings.Contains(rest, "/")
}

// isUsagePath matches /v1/info/usage/{user_id}.
func isUsagePath(path string) bool {
	const prefix = "/v1/info/usage/"
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return len(rest) > 0 && !strings.Contains(rest, "/")
}

func userIDFromPath(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
