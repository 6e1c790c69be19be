package kernel

import "net/http"

// handleListQueues serves GET /v1/queues: a per-model snapshot of queue
// depth and bound-worker count, the natural extension of the teacher's
// own /v1/workers status endpoint into this domain.
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, _ := s.scheduler.Snapshot()
	writeJSON(w, http.StatusOK, queues)
}

// handleListWorkers serves GET /v1/workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	_, workers := s.scheduler.Snapshot()
	writeJSON(w, http.StatusOK, workers)
}
