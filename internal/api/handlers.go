package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/tracker"
)

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &lifecycle.ValidationError{Message: "invalid JSON body"}
	}
	return nil
}

// parseForm reads a multipart or urlencoded body bounded by maxUpload.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	err := r.ParseMultipartForm(s.maxUpload)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	if err != nil {
		return &lifecycle.ValidationError{Message: "invalid form body"}
	}
	return nil
}

// formImage returns the uploaded "image" file, or nil when none was sent.
func formImage(r *http.Request) ([]byte, error) {
	f, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, &lifecycle.ValidationError{Message: "invalid image upload"}
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	u, err := s.svc.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	token, err := s.issuer.Issue(u)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		UserID:    u.ID,
		Username:  u.Username,
		Role:      u.Role,
		ExpiresAt: timeNow().Add(s.issuer.TTL()).UTC(),
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Store().GetUser(r.Context(), actor(r).ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Users ---

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	role, _ := models.ParseRole(req.Role)
	u, err := s.svc.CreateUser(r.Context(), tracker.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     role,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	var role models.Role
	if v := r.URL.Query().Get("role"); v != "" {
		parsed, err := models.ParseRole(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role = parsed
	}
	users, err := s.svc.Store().ListUsers(r.Context(), role)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// --- Projects ---

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	p, err := s.svc.CreateProject(r.Context(), actor(r), req.Name, req.Description)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.Store().ListProjects(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Store().GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) addProjectMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	u, err := s.svc.AddMember(r.Context(), actor(r), chi.URLParam(r, "id"), strings.TrimSpace(req.UserID))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) projectMembers(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeMembers(w, r, chi.URLParam(r, "id"), role)
	}
}

func (s *Server) projectTesters(w http.ResponseWriter, r *http.Request) {
	s.writeMembers(w, r, chi.URLParam(r, "projectId"), models.RoleTester)
}

func (s *Server) writeMembers(w http.ResponseWriter, r *http.Request, projectID string, role models.Role) {
	users, err := s.svc.ProjectMembers(r.Context(), projectID, role)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	refs := make([]*models.UserRef, 0, len(users))
	for _, u := range users {
		refs = append(refs, u.Ref())
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Server) projectSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.scorer.Summarize(r.Context(), s.svc.Store(), chi.URLParam(r, "id"), timeNow())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	all, err := s.scorer.SummarizeAll(r.Context(), s.svc.Store(), timeNow())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}
