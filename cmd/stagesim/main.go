// cmd/stagesim/main.go
//
// stagesim is a standalone stage service simulator. It implements the stage
// contract (submit, status, artifact, healthz) with an in-memory job table so
// the orchestrator can be exercised end to end without real media services.
package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxUploadBytes = 64 << 20

type simJob struct {
	ID        string
	Params    map[string]string
	Artifact  []byte
	CreatedAt time.Time
}

type simulator struct {
	mu   sync.Mutex
	jobs map[string]*simJob

	name         string
	workDuration time.Duration
	failureRate  int // percent of submissions that end in failure
	logger       *slog.Logger
}

func newSimulator(name string, workDuration time.Duration, failureRate int, logger *slog.Logger) *simulator {
	return &simulator{
		jobs:         make(map[string]*simJob),
		name:         name,
		workDuration: workDuration,
		failureRate:  failureRate,
		logger:       logger.With("component", "stagesim", "stage", name),
	}
}

// handleSubmit handles POST /stage/jobs. Accepts multipart form data with
// string params plus an optional "artifact" file part.
func (s *simulator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid multipart body: %v", err), http.StatusBadRequest)
		return
	}

	job := &simJob{
		ID:        uuid.New().String(),
		Params:    make(map[string]string),
		CreatedAt: time.Now(),
	}
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			job.Params[key] = values[0]
		}
	}
	if files := r.MultipartForm.File["artifact"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			http.Error(w, "failed to open artifact part", http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		if err != nil {
			http.Error(w, "failed to read artifact part", http.StatusBadRequest)
			return
		}
		job.Artifact = data
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("stage job accepted", "stage_job_id", job.ID, "params", len(job.Params), "artifact_bytes", len(job.Artifact))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"stage_job_id": job.ID})
}

// handleJob dispatches GET /stage/jobs/{id} and GET /stage/jobs/{id}/artifact.
func (s *simulator) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/stage/jobs/")
	wantArtifact := false
	if id, ok := strings.CutSuffix(rest, "/artifact"); ok {
		rest = id
		wantArtifact = true
	}
	if rest == "" || strings.Contains(rest, "/") {
		http.Error(w, "stage job id is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	job, ok := s.jobs[rest]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "stage job not found", http.StatusNotFound)
		return
	}

	if wantArtifact {
		s.writeArtifact(w, job)
		return
	}
	s.writeStatus(w, job)
}

// writeStatus reports progress as a function of elapsed time since submission,
// so repeated polls see the job move through running into a terminal state.
func (s *simulator) writeStatus(w http.ResponseWriter, job *simJob) {
	elapsed := time.Since(job.CreatedAt)
	status := "running"
	progress := float64(elapsed) / float64(s.workDuration)
	if progress >= 1 {
		progress = 1
		if s.failed(job.ID) {
			status = "failed"
		} else {
			status = "succeeded"
		}
	}

	resp := map[string]interface{}{
		"status":   status,
		"progress": progress,
	}
	if status == "failed" {
		resp["error"] = fmt.Sprintf("%s processing failed", s.name)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *simulator) writeArtifact(w http.ResponseWriter, job *simJob) {
	if time.Since(job.CreatedAt) < s.workDuration {
		http.Error(w, "stage job still running", http.StatusConflict)
		return
	}
	out := s.produceArtifact(job)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(out)
}

// produceArtifact fabricates output: the input artifact when one was uploaded,
// otherwise a small random payload standing in for fetched media.
func (s *simulator) produceArtifact(job *simJob) []byte {
	if len(job.Artifact) > 0 {
		out := make([]byte, len(job.Artifact))
		copy(out, job.Artifact)
		return out
	}
	out := make([]byte, 4096)
	rand.Read(out)
	return out
}

// failed decides deterministically per job id whether this job fails, using
// the configured failure rate.
func (s *simulator) failed(id string) bool {
	if s.failureRate <= 0 {
		return false
	}
	var sum int
	for _, c := range id {
		sum += int(c)
	}
	return sum%100 < s.failureRate
}

func main() {
	var (
		addr         = flag.String("addr", ":9001", "listen address")
		name         = flag.String("name", "fetch", "stage name reported in errors")
		workDuration = flag.Duration("work", 3*time.Second, "simulated processing duration")
		failureRate  = flag.Int("failure-rate", 0, "percent of jobs that fail terminally")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	sim := newSimulator(*name, *workDuration, *failureRate, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/stage/jobs", sim.handleSubmit)
	mux.HandleFunc("/stage/jobs/", sim.handleJob)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	logger.Info("stage simulator listening", "addr", *addr, "stage", *name, "work", workDuration.String())
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("stage simulator failed: %v", err)
	}
}
