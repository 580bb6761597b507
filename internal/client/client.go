// Package client is the REST client used by the bugtrack CLI. Every
// lifecycle request is checked against the same transition tables the
// server uses before it is sent, so a request the server would reject for
// state, role or payload reasons never leaves the machine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
)

const defaultTimeout = 30 * time.Second

// Bug is a bug as returned by the API.
type Bug struct {
	models.Bug
	HasImage         bool               `json:"hasImage"`
	HasOriginalImage bool               `json:"hasOriginalImage"`
	Stage            breach.Stage       `json:"stage"`
	Remaining        string             `json:"remaining"`
	RemainingSeconds int64              `json:"remainingSeconds"`
	Actions          []lifecycle.Action `json:"actions"`
}

// Task is a task as returned by the API.
type Task struct {
	models.Task
	HasImage bool `json:"hasImage"`
}

// LogEntry is a timeline entry as returned by the API.
type LogEntry struct {
	models.LogEntry
	HasImage bool `json:"hasImage"`
}

// Login is the result of a successful login.
type Login struct {
	Token     string      `json:"token"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Role      models.Role `json:"role"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Client talks to one bugtrack server on behalf of one session.
type Client struct {
	baseURL    string
	session    *Session
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// New creates a client for baseURL. session may be nil until Login.
func New(baseURL string, session *Session, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the current session, or nil.
func (c *Client) Session() *Session { return c.session }

// Login exchanges credentials for a token and returns the new session.
// The caller persists it.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, &ValidationError{Message: "Please provide a username and password."}
	}
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var resp Login
	if err := c.send(ctx, http.MethodPost, "/api/auth/login", bytes.NewReader(body), "application/json", false, &resp); err != nil {
		return nil, err
	}
	c.session = &Session{
		ServerURL: c.baseURL,
		Token:     resp.Token,
		UserID:    resp.UserID,
		Username:  resp.Username,
		Role:      resp.Role,
		ExpiresAt: resp.ExpiresAt,
	}
	return c.session, nil
}

// Me returns the logged-in user.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var u models.User
	if err := c.get(ctx, "/api/me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) requireSession() error {
	if !c.session.Valid(time.Now()) {
		return ErrNoSession
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodGet, path, nil, "", true, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.send(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", true, out)
}

// Form is a multipart body: text fields plus an optional image.
type Form struct {
	Fields map[string]string
	Image  *Attachment
}

func (f Form) encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range f.Fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if f.Image != nil {
		fw, err := mw.CreateFormFile("image", f.Image.Name)
		if err != nil {
			return nil, "", fmt.Errorf("attach image: %w", err)
		}
		if _, err := fw.Write(f.Image.Data); err != nil {
			return nil, "", fmt.Errorf("attach image: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) sendForm(ctx context.Context, method, path string, f Form, out any) error {
	body, contentType, err := f.encode()
	if err != nil {
		return err
	}
	return c.send(ctx, method, path, body, contentType, true, out)
}

// send performs one request. Non-2xx responses become RejectionErrors and
// network failures TransportErrors. There are no retries.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, authed bool, out any) error {
	if authed {
		if err := c.requireSession(); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rejection(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func rejection(status int, body []byte) *RejectionError {
	var e struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(status)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &RejectionError{StatusCode: status, Message: msg}
}

func escape(s string) string { return url.PathEscape(s) }
