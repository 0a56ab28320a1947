package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/brackenfield/flowgate/pkg/configstore"
	"github.com/brackenfield/flowgate/pkg/orchestrator"
	"github.com/brackenfield/flowgate/pkg/registry"
)

// Server wires the Plugin Registry, Config Store, and Orchestrator to
// an http.Handler implementing the §6 endpoint table.
type Server struct {
	reg   *registry.Registry
	store configstore.Store
	orch  *orchestrator.Orchestrator
	log   *slog.Logger

	corsEnabled bool
	startedAt   time.Time

	connectorProbes   atomic.Int64
	destinationProbes atomic.Int64
}

// New constructs the handler tree. corsEnabled mirrors CORS_ENABLED.
func New(reg *registry.Registry, store configstore.Store, orch *orchestrator.Orchestrator, log *slog.Logger, corsEnabled bool) *Server {
	return &Server{
		reg:         reg,
		store:       store,
		orch:        orch,
		log:         log,
		corsEnabled: corsEnabled,
		startedAt:   time.Now(),
	}
}

// Handler builds the routed http.Handler. Go 1.22+ ServeMux pattern
// matching (method + path + {wildcard}) replaces a third-party router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/stats/reset", s.handleStatsReset)

	mux.HandleFunc("GET /api/connectors", s.handleListConnectors)
	mux.HandleFunc("POST /api/connectors", s.handleCreateConnector)
	mux.HandleFunc("GET /api/connectors/{name}", s.handleGetConnector)
	mux.HandleFunc("PUT /api/connectors/{name}", s.handlePutConnector)
	mux.HandleFunc("DELETE /api/connectors/{name}", s.handleDeleteConnector)
	mux.HandleFunc("POST /api/connectors/{name}/test", s.handleTestConnector)
	mux.HandleFunc("POST /api/connectors/test-config", s.handleTestConnectorConfig)

	mux.HandleFunc("GET /api/destinations", s.handleListDestinations)
	mux.HandleFunc("POST /api/destinations", s.handleCreateDestination)
	mux.HandleFunc("GET /api/destinations/{name}", s.handleGetDestination)
	mux.HandleFunc("PUT /api/destinations/{name}", s.handlePutDestination)
	mux.HandleFunc("DELETE /api/destinations/{name}", s.handleDeleteDestination)
	mux.HandleFunc("POST /api/destinations/{name}/test", s.handleTestDestination)
	mux.HandleFunc("POST /api/destinations/test-config", s.handleTestDestinationConfig)

	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("POST /api/flows", s.handleCreateFlow)
	mux.HandleFunc("GET /api/flows/{name}", s.handleGetFlow)
	mux.HandleFunc("DELETE /api/flows/{name}", s.handleDeleteFlow)
	mux.HandleFunc("PUT /api/flows/{name}/{action}", s.handleFlowLifecycle)

	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsEnabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}, "healthy")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	views := s.orch.List()
	var totalMessages, totalRecords, totalErrors int64
	for _, v := range views {
		totalMessages += v.Metrics.MessagesReceived
		totalRecords += v.Metrics.RecordsProcessed
		totalErrors += v.Metrics.Errors
	}
	writeOK(w, http.StatusOK, map[string]any{
		"flows":               len(views),
		"messages_received":   totalMessages,
		"records_processed":   totalRecords,
		"errors":              totalErrors,
		"connector_probes":    s.connectorProbes.Load(),
		"destination_probes":  s.destinationProbes.Load(),
		"uptime_seconds":      time.Since(s.startedAt).Seconds(),
	}, "stats")
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	s.connectorProbes.Store(0)
	s.destinationProbes.Store(0)
	writeOK(w, http.StatusOK, nil, "counters reset")
}

func probeTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 10*time.Second)
}
