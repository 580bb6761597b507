package api

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/joescharf/bugtrack/internal/auth"
	"github.com/joescharf/bugtrack/internal/models"
)

// requestLogger logs one line per request at a level picked from the
// response status.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes_written", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			}
			msg := http.StatusText(status)
			switch {
			case status >= 500:
				logger.ErrorContext(r.Context(), msg, attrs...)
			case status >= 400:
				logger.WarnContext(r.Context(), msg, attrs...)
			default:
				logger.DebugContext(r.Context(), msg, attrs...)
			}
		})
	}
}

// authenticate requires a valid bearer token. EventSource clients cannot set
// headers, so the token may also arrive as the access_token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, auth.ErrMissingToken.Error())
			return
		}
		p, err := s.issuer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func requireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.FromContext(r.Context())
			if p == nil || !slices.Contains(roles, p.Role) {
				writeError(w, http.StatusForbidden, "not allowed for this role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actor returns the caller as a user reference.
func actor(r *http.Request) *models.UserRef {
	p := auth.FromContext(r.Context())
	if p == nil {
		return nil
	}
	return p.Ref()
}
