package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ValentinKolb/mucore/lib/core"
	"github.com/ValentinKolb/mucore/lib/directory"
	"github.com/ValentinKolb/mucore/lib/mapserver"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/admin")

const shutdownTimeout = 5 * time.Second

// Admin endpoints
const (
	PathWorlds      = "/runtime/worlds"
	PathMaps        = "/runtime/maps"
	PathPersistence = "/runtime/persistence"
	PathStats       = "/runtime/stats"
	PathTickMetrics = "/runtime/tick-metrics"
	PathMetrics     = "/metrics"
)

// RuntimeSource is what the admin server reports on. It is implemented by core.Orchestrator.
type RuntimeSource interface {
	DirectorySnapshot() directory.Snapshot
	MapStats() []mapserver.Stats
	PersistenceMetrics() persistence.Metrics
	Stats() core.RuntimeStats
	TickMetrics() map[string]map[string]map[string]interface{}
	WritePrometheus(w io.Writer)
}

// AdminServer serves the read only runtime endpoints
type AdminServer struct {
	source RuntimeSource
}

// NewAdminServer creates an admin server for source
func NewAdminServer(source RuntimeSource) *AdminServer {
	return &AdminServer{source: source}
}

// Handler returns the admin routes. With debug set every request is logged.
func (s *AdminServer) Handler(debug bool) http.Handler {
	routes := map[string]http.HandlerFunc{
		PathWorlds:      s.jsonHandler(func() any { return s.source.DirectorySnapshot() }),
		PathMaps:        s.jsonHandler(func() any { return s.source.MapStats() }),
		PathPersistence: s.jsonHandler(func() any { return s.source.PersistenceMetrics() }),
		PathStats:       s.jsonHandler(func() any { return s.source.Stats() }),
		PathTickMetrics: s.jsonHandler(func() any { return s.source.TickMetrics() }),
		PathMetrics:     s.handleMetrics,
	}

	mux := http.NewServeMux()
	for path, h := range routes {
		// Register handler
		if debug {
			mux.HandleFunc("GET "+path, loggerMiddleware(h))
		} else {
			mux.HandleFunc("GET "+path, h)
		}
	}
	return mux
}

// Listen serves the admin endpoints on config.AdminEndpoint until ctx is cancelled
func (s *AdminServer) Listen(ctx context.Context, config common.ServerConfig) error {
	srv := &http.Server{
		Addr:              config.AdminEndpoint,
		Handler:           s.Handler(config.AdminDebugLogging()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	Logger.Infof("Starting admin HTTP server on %s", config.AdminEndpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// jsonHandler writes the value returned by fn as JSON
func (s *AdminServer) jsonHandler(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(fn())
		if err != nil {
			Logger.Errorf("failed to encode %s: %v", r.URL.Path, err)
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(body); err != nil {
			Logger.Debugf("failed to write %s: %v", r.URL.Path, err)
		}
	}
}

func (s *AdminServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.source.WritePrometheus(w)
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		// Log the request
		duration := time.Since(start)
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, duration)
	}
}
