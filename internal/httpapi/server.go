// Package httpapi exposes the forms service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-forms/internal/forms"
	"github.com/a3tai/mcp-pdf-forms/internal/jobs"
	"github.com/a3tai/mcp-pdf-forms/internal/lock"
	pdferrors "github.com/a3tai/mcp-pdf-forms/internal/pdf/errors"
	"github.com/a3tai/mcp-pdf-forms/internal/pipeline"
	"github.com/a3tai/mcp-pdf-forms/internal/store"
)

// multipart overhead allowed on top of the maximum document size
const uploadSlack = 1 << 20

// Server serves the forms HTTP API
type Server struct {
	svc *forms.Service
	log *zap.Logger
}

// New creates an HTTP API server
func New(svc *forms.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, log: log.Named("http")}
}

// Routes returns the router of the API
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/users", func(r chi.Router) {
		r.Post("/", s.handleCreateUser)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Put("/", s.handleUpdateUser)
			r.Get("/subjects", s.handleListSubjects)
			r.Post("/subjects", s.handleCreateSubject)
			r.Get("/documents", s.handleListDocuments)
		})
	})

	r.Route("/api/subjects/{subjectID}", func(r chi.Router) {
		r.Get("/", s.handleGetSubject)
		r.Delete("/", s.handleDeleteSubject)
	})

	r.Route("/api/documents", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Route("/{documentID}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Delete("/", s.handleDeleteDocument)
			r.Put("/subject", s.handleAssignSubject)
			r.Get("/regions", s.handleRegions)
			r.Post("/transform", s.handleTransform)
			r.Get("/status", s.handleStatus)
			r.Get("/artifact", s.handleArtifact)
			r.Post("/regenerate", s.handleRegenerate)
			r.Post("/submit", s.handleSubmit)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning),
		errors.Is(err, lock.ErrBusy),
		errors.Is(err, forms.ErrStaleIndex),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, pipeline.ErrNothingToRegenerate):
		return http.StatusNotFound
	case errors.Is(err, pdferrors.ErrMalformedDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pdferrors.ErrUnreadableDocument),
		errors.Is(err, forms.ErrEmptyUpload):
		return http.StatusBadRequest
	case errors.Is(err, forms.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrStageFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
