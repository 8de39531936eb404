package api

import "github.com/gorilla/mux"

// registerRoutes registers the route groups, split by concern rather than
// one flat list.
func registerRoutes(r *mux.Router, s *Server) {
	registerHealthRoutes(r, s)
	registerSearchRoutes(r, s)
	registerRunRoutes(r, s)
}

func registerHealthRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
}

func registerSearchRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/diamonds", s.handleSearchDiamonds).Methods("GET", "OPTIONS")
}

func registerRunRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/runs", s.handleTriggerRun).Methods("POST", "OPTIONS")
	r.HandleFunc("/runs/{run_id}", s.handleGetRun).Methods("GET", "OPTIONS")
	r.HandleFunc("/runs/{run_id}/partitions", s.handleListPartitions).Methods("GET", "OPTIONS")
	r.HandleFunc("/runs/{run_id}/consolidate", s.handleTriggerConsolidate).Methods("POST", "OPTIONS")
	r.HandleFunc("/runs/{run_id}/retry", s.handleTriggerRetry).Methods("POST", "OPTIONS")
	r.HandleFunc("/runs/{run_id}/cancel", s.handleCancelRun).Methods("POST", "OPTIONS")
	r.HandleFunc("/feeds/{feed}/watermark", s.handleGetFeedWatermark).Methods("GET", "OPTIONS")
}
