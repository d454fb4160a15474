// internal/api/http/job_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/metrics"
	"media-pipeline/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobHandler serves the client-facing pipeline API.
type JobHandler struct {
	service  *usecase.PipelineService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewJobHandler creates the handler and registers the custom validators.
func NewJobHandler(service *usecase.PipelineService, logger *slog.Logger) *JobHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("mediaurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})

	return &JobHandler{
		service:  service,
		logger:   logger.With("component", "job-handler"),
		validate: validate,
		tracer:   otel.Tracer("pipeline-api"),
	}
}

// instrumentedResponseWriter captures the status code for metrics and spans.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers job-related routes to the http.ServeMux.
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux) {
	baseHandler := http.HandlerFunc(h.handleJobs)

	instrumentedHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := "/jobs"
		if jobID := strings.TrimPrefix(r.URL.Path, "/jobs/"); jobID != "" && jobID != r.URL.Path {
			path = "/jobs/{id}"
		}

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		baseHandler.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})

	mux.Handle("/jobs", instrumentedHandler)
	mux.Handle("/jobs/", instrumentedHandler)
}

// handleJobs dispatches requests under /jobs.
func (h *JobHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs"), "/")

	switch {
	case r.Method == http.MethodPost && jobID == "":
		h.handleSubmit(w, r)
	case r.Method == http.MethodGet && jobID != "":
		h.handleStatus(w, r, jobID)
	case r.Method == http.MethodGet:
		http.Error(w, "Job id is required", http.StatusBadRequest)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSubmit handles POST /jobs. Submission is idempotent: resubmitting an
// active or completed job returns it unchanged.
func (h *JobHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Submit")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors,
				"Field '"+err.Field()+"' failed on the '"+err.Tag()+"' tag.",
			)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}

	job, err := h.service.Submit(ctx, req.ToDomainRequest())
	if err != nil {
		span.SetStatus(codes.Error, "Failed to submit job")
		span.RecordError(err)
		h.writeError(w, err)
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
}

// handleStatus handles GET /jobs/{id}.
func (h *JobHandler) handleStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Status")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := h.service.Status(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		span.SetStatus(codes.Error, "Failed to get job from service")
		h.logger.Error("error getting job", "job_id", jobID, "error", err)
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// writeError maps tagged domain errors onto HTTP statuses. Clients never see
// a stack trace, only the structured kind/message pair.
func (h *JobHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	tagged := domain.AsError(err)
	switch tagged.Kind {
	case domain.ErrorKindValidation:
		status = http.StatusBadRequest
	case domain.ErrorKindStore, domain.ErrorKindUnavailable:
		status = http.StatusServiceUnavailable
	case domain.ErrorKindTransient:
		status = http.StatusBadGateway
	case domain.ErrorKindTimeout:
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": tagged,
	})
}
