package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Pipelines int    `json:"pipelines"`
	Running   int    `json:"running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	snaps := s.tracker.Snapshots()
	running := 0
	for _, snap := range snaps {
		if !snap.Done {
			running++
		}
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Pipelines: len(snaps),
		Running:   running,
	})
}
