package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/geoinvert/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager      *JobManager
	checkpointStore store.Store
	dataDir         string
	addr            string
	server          *http.Server
}

// NewServer creates a new HTTP server. The checkpoint store may be nil to
// disable checkpointing; traces are read from dataDir.
func NewServer(addr, dataDir string, checkpointStore store.Store) *Server {
	return &Server{
		jobManager:      NewJobManager(),
		checkpointStore: checkpointStore,
		dataDir:         dataDir,
		addr:            addr,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Register API routes
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)

	// Wrap with middleware
	handler := s.loggingMiddleware(s.corsMiddleware(mux))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: handler,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	// Parse job ID from path
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]

	// Route based on subpath
	if len(parts) == 1 || parts[1] == "status" {
		s.handleGetJobStatus(w, r, jobID)
	} else if parts[1] == "model" {
		s.handleGetModel(w, r, jobID)
	} else if parts[1] == "trace" {
		s.handleGetTrace(w, r, jobID)
	} else if parts[1] == "stream" {
		s.handleJobStream(w, r, jobID)
	} else {
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config RunConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	// Fill defaults for omitted fields
	if config.NParams <= 0 {
		config.NParams = 100
	}
	if config.NData <= 0 {
		config.NData = 20
	}
	if config.Noise <= 0 {
		config.Noise = 0.01
	}
	if config.Beta0Ratio <= 0 {
		config.Beta0Ratio = 10
	}
	if config.ChiFact <= 0 {
		config.ChiFact = 1
	}
	if config.MaxIter <= 0 {
		config.MaxIter = 20
	}
	if config.CoolingFactor <= 1 {
		config.CoolingFactor = 2
	}
	if config.CoolingRate <= 0 {
		config.CoolingRate = 1
	}
	if config.Norm <= 0 {
		config.Norm = 2
	}

	// Create job
	job := s.jobManager.CreateJob(config)

	// Start worker in background
	go runJob(context.Background(), s.jobManager, s.checkpointStore, s.dataDir, job.ID)

	// Return job
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobManager.ListJobs()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	// Compute elapsed time
	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	// Create response
	response := map[string]interface{}{
		"id":         job.ID,
		"state":      job.State,
		"config":     job.Config,
		"beta":       job.Beta,
		"phiD":       job.PhiD,
		"phiM":       job.PhiM,
		"target":     job.Target,
		"iterations": job.Iterations,
		"elapsed":    elapsed.Seconds(),
		"startTime":  job.StartTime,
		"endTime":    job.EndTime,
		"error":      job.Error,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleGetModel handles GET /api/v1/jobs/:id/model
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	if len(job.Model) == 0 {
		http.Error(w, "No results yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":    job.ID,
		"model": job.Model,
	})
}

// handleGetTrace handles GET /api/v1/jobs/:id/trace
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	reader, err := store.NewTraceReader(s.dataDir, jobID)
	if err != nil {
		http.Error(w, "No trace yet", http.StatusNotFound)
		return
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read trace: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(entries)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
