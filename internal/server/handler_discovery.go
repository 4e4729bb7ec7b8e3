package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "etlorch controller",
		Version:     "v1",
		Description: "Batch ETL controller: per-table extraction and load orchestration",
		Endpoints: []endpointInfo{
			{"/healthz", []string{"GET"}, "Liveness check"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
			{"/api/v1/health", []string{"GET"}, "Controller health and loop counts"},
			{"/api/v1/pipelines", []string{"GET"}, "State of every pipeline loop"},
			{"/api/v1/pipelines/{id}", []string{"GET"}, "Registry definition and loop state of one pipeline"},
			{"/api/v1/pipelines/{id}/runs", []string{"GET"}, "Run history, newest first. Accepts ?limit="},
		},
	})
}
