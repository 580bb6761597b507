// Package api serves the bugtrack REST API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/joescharf/bugtrack/internal/auth"
	"github.com/joescharf/bugtrack/internal/dashboard"
	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/storage"
	"github.com/joescharf/bugtrack/internal/store"
	"github.com/joescharf/bugtrack/internal/tracker"
)

// DefaultMaxUpload bounds multipart request bodies.
const DefaultMaxUpload = 10 << 20

// timeNow is replaceable in tests.
var timeNow = time.Now

// Server provides the REST API handlers.
type Server struct {
	svc       *tracker.Service
	issuer    *auth.Issuer
	bus       *events.Bus
	scorer    *dashboard.Scorer
	origins   []string
	maxUpload int64
	heartbeat time.Duration
	logger    *slog.Logger
}

// Options tunes a Server. Zero values select defaults.
type Options struct {
	AllowedOrigins []string
	MaxUpload      int64
	Heartbeat      time.Duration // SSE keep-alive interval
	Logger         *slog.Logger
}

// NewServer creates a new API server. bus may be nil, which disables the
// event stream.
func NewServer(svc *tracker.Service, issuer *auth.Issuer, bus *events.Bus, opts Options) *Server {
	s := &Server{
		svc:       svc,
		issuer:    issuer,
		bus:       bus,
		scorer:    dashboard.NewScorer(svc.Policy()),
		origins:   opts.AllowedOrigins,
		maxUpload: opts.MaxUpload,
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger,
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUpload
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 15 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(requestLogger(s.logger))

		r.Get("/healthz", s.healthz)
		r.Post("/auth/login", s.login)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/me", s.me)
			r.Get("/events", s.streamEvents)
			r.With(requireRole(models.RoleAdmin)).Get("/dashboard", s.dashboard)

			r.Route("/users", func(r chi.Router) {
				r.Use(requireRole(models.RoleAdmin))
				r.Get("/", s.listUsers)
				r.Post("/", s.createUser)
			})

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.listProjects)
				r.With(requireRole(models.RoleAdmin)).Post("/", s.createProject)
				r.Get("/{id}", s.getProject)
				r.With(requireRole(models.RoleAdmin)).Post("/{id}/members", s.addProjectMember)
				r.Get("/{id}/developers", s.projectMembers(models.RoleDeveloper))
				r.Get("/{id}/testers", s.projectMembers(models.RoleTester))
				r.Get("/{id}/summary", s.projectSummary)
			})

			r.Route("/bugs", func(r chi.Router) {
				r.Get("/", s.listBugs)
				r.Post("/", s.createBug)
				r.Get("/assigned", s.assignedBugs)
				r.Get("/filter", s.filterBugs)
				r.Get("/logs/{logId}/image", s.bugLogImage)
				r.Get("/{id}", s.getBug)
				r.Put("/{id}/assign/{devId}", s.assignBug)
				r.Put("/{id}/status", s.updateBugStatus)
				r.Post("/{id}/close-by-tester", s.closeBug)
				r.Post("/{id}/reassign-by-tester", s.reassignBug)
				r.Post("/{id}/reopen", s.reopenBug)
				r.Post("/{id}/request-reassignment", s.requestReassignment)
				r.Get("/{id}/logs", s.bugLogs)
				r.Post("/{id}/log", s.addBugNote)
				r.Get("/{id}/image", s.bugImage(false))
				r.Get("/{id}/original-image", s.bugImage(true))
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.listTasks(models.RoleAdmin))
				r.Post("/", s.createTask)
				r.Get("/created", s.listTasks(models.RoleDeveloper))
				r.Get("/assigned", s.listTasks(models.RoleTester))
				r.Get("/project/{projectId}/testers", s.projectTesters)
				r.Get("/logs/{logId}/image", s.taskLogImage)
				r.Get("/{id}", s.getTask)
				r.Put("/{id}/assign/{testerId}", s.assignTask)
				r.Post("/{id}/close-by-tester", s.closeTask)
				r.Get("/{id}/logs", s.taskLogs)
				r.Get("/{id}/image", s.taskImage)
			})
		})

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrTerminal),
		errors.Is(err, tracker.ErrAlreadyAssigned),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status statusFor picks. Validation errors
// carry their user-facing message unchanged.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		msg = verr.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, msg)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
