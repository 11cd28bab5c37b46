package api

import "net/http"

// handleHealthz answers liveness probes. It reports process health only;
// store and coordinator failures surface through their own endpoints.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
