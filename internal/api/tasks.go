package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/tracker"
)

// listTasks serves the task list of one role: all tasks for admins, created
// tasks for developers, assigned tasks for testers.
func (s *Server) listTasks(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := actor(r)
		if a.Role != role {
			writeError(w, http.StatusForbidden, "not allowed for this role")
			return
		}
		tasks, err := s.svc.ListTasks(r.Context(), a)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, taskViews(tasks))
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.writeErr(w, r, err)
		return
	}
	img, err := formImage(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	t, err := s.svc.CreateTask(r.Context(), actor(r), tracker.CreateTaskInput{
		ProjectID:   r.FormValue("projectId"),
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Priority:    models.Priority(strings.ToUpper(strings.TrimSpace(r.FormValue("priority")))),
		Image:       img,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskView(t))
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.AssignTask(r.Context(), actor(r), chi.URLParam(r, "id"), chi.URLParam(r, "testerId"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t))
}

func (s *Server) closeTask(w http.ResponseWriter, r *http.Request) {
	in, err := s.testerInput(w, r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	t, err := s.svc.CloseTask(r.Context(), actor(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t))
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.svc.TaskLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logViews(logs))
}

func (s *Server) taskImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.TaskImage(r.Context(), chi.URLParam(r, "id"))
	writeImage(w, r, s, data, err)
}

func (s *Server) taskLogImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.TaskLogImage(r.Context(), chi.URLParam(r, "logId"))
	writeImage(w, r, s, data, err)
}
