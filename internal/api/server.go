// Package api exposes the HTTP surface over the ingestion pipeline: a
// cached diamond search endpoint plus the trigger endpoints that start a
// run, force a consolidation, kick the retry sweep, or cancel a run.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nivoda/diamond-ingest/internal/adapter"
	"github.com/nivoda/diamond-ingest/internal/cache"
	"github.com/nivoda/diamond-ingest/internal/config"
	"github.com/nivoda/diamond-ingest/internal/consolidator"
	"github.com/nivoda/diamond-ingest/internal/monitor"
	"github.com/nivoda/diamond-ingest/internal/repository"
	"github.com/nivoda/diamond-ingest/internal/scheduler"
	"github.com/nivoda/diamond-ingest/internal/watermark"
)

// Server is the HTTP front door over the pipeline's repository and
// background components.
type Server struct {
	repo          *repository.Repository
	scheduler     *scheduler.Scheduler
	consolidator  *consolidator.Consolidator
	monitor       *monitor.Monitor
	cache         *cache.Cache
	versionPoller *cache.VersionPoller
	adapters      map[string]adapter.Adapter
	feeds         map[string]config.FeedConfig
	watermarks    watermark.Store

	httpServer *http.Server
}

// NewServer wires the Server's router and its middleware stack.
func NewServer(
	repo *repository.Repository,
	sch *scheduler.Scheduler,
	con *consolidator.Consolidator,
	mon *monitor.Monitor,
	respCache *cache.Cache,
	versionPoller *cache.VersionPoller,
	adapters map[string]adapter.Adapter,
	feeds map[string]config.FeedConfig,
	watermarks watermark.Store,
	port int,
) *Server {
	s := &Server{
		repo:          repo,
		scheduler:     sch,
		consolidator:  con,
		monitor:       mon,
		cache:         respCache,
		versionPoller: versionPoller,
		adapters:      adapters,
		feeds:         feeds,
		watermarks:    watermarks,
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	registerRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    portAddr(port),
		Handler: r,
	}
	return s
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests before closing the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestTimeout bounds every handler's database/cache work.
const requestTimeout = 10 * time.Second
