package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/jobs"
	"github.com/dunamismax/styleforge/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

const (
	fieldContentFile = "content_file"
	fieldStyleFile   = "style_file"

	defaultOwnerHeader    = "X-Owner-ID"
	defaultMaxUploadBytes = 20 << 20
)

type JobService interface {
	Create(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error)
	GetStatus(ctx context.Context, jobID, caller string) (domain.JobView, error)
	ListLibrary(ctx context.Context, owner string) ([]domain.JobView, error)
	Delete(ctx context.Context, jobID, caller string) error
}

type Options struct {
	OwnerHeader    string
	MaxUploadBytes int64
	RateLimiter    RateLimiter
	Tracer         trace.Tracer
}

type Server struct {
	logger         *log.Logger
	jobs           JobService
	ownerHeader    string
	maxUploadBytes int64
	rateLimiter    RateLimiter
	tracer         trace.Tracer
	metrics        *metrics
	router         chi.Router
}

func NewServer(logger *log.Logger, jobService JobService, opts Options) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[api] ", log.LstdFlags|log.Lmsgprefix)
	}
	ownerHeader := strings.TrimSpace(opts.OwnerHeader)
	if ownerHeader == "" {
		ownerHeader = defaultOwnerHeader
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	s := &Server{
		logger:         logger,
		jobs:           jobService,
		ownerHeader:    ownerHeader,
		maxUploadBytes: maxUpload,
		rateLimiter:    opts.RateLimiter,
		tracer:         opts.Tracer,
		metrics:        newMetrics(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withTracing)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(s.requireOwner)
		r.Use(s.withRateLimit)
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDeleteJob)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	// Two files plus multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	content, err := s.readFormFile(r, fieldContentFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	style, err := s.readFormFile(r, fieldStyleFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.jobs.Create(r.Context(), domain.CreateJobRequest{
		OwnerID: owner,
		Content: content,
		Style:   style,
	})
	if err != nil {
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			s.metrics.jobsSubmitted.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.metrics.jobsSubmitted.WithLabelValues("error").Inc()
		s.logger.Printf("create job failed owner=%s err=%v", owner, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.metrics.jobsSubmitted.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	views, err := s.jobs.ListLibrary(r.Context(), owner)
	if err != nil {
		s.logger.Printf("list jobs failed owner=%s err=%v", owner, err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	view, err := s.jobs.GetStatus(r.Context(), jobID, ownerFromContext(r.Context()))
	if err != nil {
		s.writeLookupError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.jobs.Delete(r.Context(), jobID, ownerFromContext(r.Context())); err != nil {
		s.writeLookupError(w, jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeLookupError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrForbidden):
		writeError(w, http.StatusForbidden, "job belongs to another owner")
	default:
		s.logger.Printf("job lookup failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
	}
}

func (s *Server) readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, fmt.Errorf("%s is required", field)
		}
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	defer func(f multipart.File) { _ = f.Close() }(file)

	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	if int64(len(data)) > s.maxUploadBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", field, s.maxUploadBytes)
	}
	return data, nil
}

type ownerKey struct{}

// requireOwner rejects requests without the owner identity header. Identity
// is established upstream; the value is trusted as-is.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(s.ownerHeader))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("missing %s header", s.ownerHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
