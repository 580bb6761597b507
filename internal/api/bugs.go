package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/tracker"
)

func (s *Server) listBugs(w http.ResponseWriter, r *http.Request) {
	q := tracker.BugQuery{Breached: r.URL.Query().Get("breached") == "true"}
	if v := r.URL.Query().Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		q.Days = days
	}
	bugs, err := s.svc.ListBugs(r.Context(), actor(r), q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugViews(bugs, actor(r).Role))
}

func (s *Server) assignedBugs(w http.ResponseWriter, r *http.Request) {
	bugs, err := s.svc.AssignedBugs(r.Context(), actor(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugViews(bugs, actor(r).Role))
}

func (s *Server) filterBugs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f tracker.BugFilter
	if v := q.Get("status"); v != "" {
		st, err := models.ParseBugStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	if v := q.Get("priority"); v != "" {
		p, err := models.ParsePriority(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Priority = p
	}
	f.ProjectID = q.Get("projectId")

	bugs, err := s.svc.FilterBugs(r.Context(), actor(r), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugViews(bugs, actor(r).Role))
}

func (s *Server) getBug(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.GetBug(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugView(b, actor(r).Role))
}

func (s *Server) createBug(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.writeErr(w, r, err)
		return
	}
	img, err := formImage(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var priority models.Priority
	if v := r.FormValue("priority"); v != "" {
		priority = models.Priority(strings.ToUpper(strings.TrimSpace(v)))
	}
	b, err := s.svc.CreateBug(r.Context(), actor(r), tracker.CreateBugInput{
		ProjectID:   r.FormValue("projectId"),
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Priority:    priority,
		Image:       img,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.bugView(b, actor(r).Role))
}

func (s *Server) assignBug(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.AssignBug(r.Context(), actor(r), chi.URLParam(r, "id"), chi.URLParam(r, "devId"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugView(b, actor(r).Role))
}

func (s *Server) updateBugStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.writeErr(w, r, err)
		return
	}
	img, err := formImage(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status, err := models.ParseBugStatus(r.FormValue("status"))
	if err != nil {
		s.writeErr(w, r, &lifecycle.ValidationError{Message: "Please select a status."})
		return
	}
	b, err := s.svc.UpdateStatus(r.Context(), actor(r), chi.URLParam(r, "id"), tracker.UpdateStatusInput{
		Status:     status,
		Resolution: r.FormValue("resolution"),
		Image:      img,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugView(b, actor(r).Role))
}

// testerInput parses the shared text and image fields of tester actions.
func (s *Server) testerInput(w http.ResponseWriter, r *http.Request) (tracker.TesterInput, error) {
	if err := s.parseForm(w, r); err != nil {
		return tracker.TesterInput{}, err
	}
	img, err := formImage(r)
	if err != nil {
		return tracker.TesterInput{}, err
	}
	return tracker.TesterInput{Text: r.FormValue("text"), Image: img}, nil
}

func (s *Server) closeBug(w http.ResponseWriter, r *http.Request) {
	in, err := s.testerInput(w, r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	b, err := s.svc.CloseByTester(r.Context(), actor(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugView(b, actor(r).Role))
}

func (s *Server) reassignBug(w http.ResponseWriter, r *http.Request) {
	in, err := s.testerInput(w, r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	b, err := s.svc.ReassignByTester(r.Context(), actor(r), chi.URLParam(r, "id"), r.FormValue("developerId"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugView(b, actor(r).Role))
}

func (s *Server) reopenBug(w http.ResponseWriter, r *http.Request) {
	in, err := s.testerInput(w, r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	b, err := s.svc.Reopen(r.Context(), actor(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugView(b, actor(r).Role))
}

func (s *Server) requestReassignment(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.RequestReassignment(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bugView(b, actor(r).Role))
}

func (s *Server) bugLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.svc.BugLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logViews(logs))
}

func (s *Server) addBugNote(w http.ResponseWriter, r *http.Request) {
	in, err := s.testerInput(w, r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	entry, err := s.svc.AddNote(r.Context(), actor(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, LogResponse{LogEntry: entry, HasImage: entry.HasImage()})
}

func (s *Server) bugImage(original bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := s.svc.BugImage(r.Context(), chi.URLParam(r, "id"), original)
		writeImage(w, r, s, data, err)
	}
}

func (s *Server) bugLogImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.BugLogImage(r.Context(), chi.URLParam(r, "logId"))
	writeImage(w, r, s, data, err)
}

// writeImage sends image bytes with a sniffed content type.
func writeImage(w http.ResponseWriter, r *http.Request, s *Server, data []byte, err error) {
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
