package api

import "net/http"

// BuildCommit is set by main to the git commit hash baked in at build time
// via -ldflags, so a running instance can be identified from its health
// response.
var BuildCommit = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "build_commit": BuildCommit})
}
