package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/eugenenazirov/dashconf/internal/config"
	"github.com/eugenenazirov/dashconf/internal/oauth"
	"github.com/eugenenazirov/dashconf/internal/taskqueue"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const (
	stateCookieName = "oauth_state"
	stateCookieTTL  = 10 * time.Minute
)

// CacheChecker reports the reachability of every configured cache.
type CacheChecker interface {
	Names() []string
	Ping(ctx context.Context) map[string]error
}

// Scheduler exposes the periodic task schedule.
type Scheduler interface {
	Entries() []taskqueue.ScheduledEntry
	Trigger(ctx context.Context, name string) (string, error)
}

// ResultFetcher looks up stored task results.
type ResultFetcher interface {
	Fetch(ctx context.Context, taskID string) (taskqueue.Result, bool, error)
}

// LoginProvider performs the OAuth authorization code flow.
type LoginProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, tok *oauth2.Token) (oauth.UserInfo, error)
	Allowed(email string) bool
}

// Handler serves the admin API on top of the loaded configuration.
type Handler struct {
	cfg       config.Config
	redacted  config.Config
	caches    CacheChecker
	scheduler Scheduler
	results   ResultFetcher
	providers map[string]LoginProvider

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

func WithCaches(c CacheChecker) HandlerOption {
	return func(h *Handler) {
		h.caches = c
	}
}

func WithScheduler(s Scheduler) HandlerOption {
	return func(h *Handler) {
		h.scheduler = s
	}
}

func WithResults(r ResultFetcher) HandlerOption {
	return func(h *Handler) {
		h.results = r
	}
}

// WithLoginProvider registers an OAuth provider under name.
func WithLoginProvider(name string, p LoginProvider) HandlerOption {
	return func(h *Handler) {
		h.providers[name] = p
	}
}

// NewHandler constructs a Handler for cfg. Components that are not supplied
// make their endpoints respond with 503.
func NewHandler(cfg config.Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		cfg:       cfg,
		redacted:  cfg.Redacted(),
		providers: make(map[string]LoginProvider),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, h.redacted)
}

func (h *Handler) handleCaches(w http.ResponseWriter, r *http.Request) {
	if h.caches == nil {
		writeUnavailable(w, "caches")
		return
	}

	errs := h.caches.Ping(r.Context())
	resp := cachesResponse{Status: "ok", CheckedAt: h.clock()}
	status := http.StatusOK
	for _, name := range h.caches.Names() {
		cs := cacheStatus{Name: name, Status: "ok"}
		if err := errs[name]; err != nil {
			cs.Status = "error"
			cs.Error = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		resp.Caches = append(resp.Caches, cs)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleSchedules(w http.ResponseWriter, r *http.Request) {
	_ = r
	if h.scheduler == nil {
		writeUnavailable(w, "scheduler")
		return
	}
	writeJSON(w, http.StatusOK, schedulesResponse{Schedules: h.scheduler.Entries()})
}

func (h *Handler) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeUnavailable(w, "scheduler")
		return
	}

	name := r.PathValue("name")
	id, err := h.scheduler.Trigger(r.Context(), name)
	if err != nil {
		if errors.Is(err, taskqueue.ErrUnknownSchedule) {
			writeError(w, http.StatusNotFound, "Unknown schedule", err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, runResponse{Schedule: name, TaskID: id})
}

func (h *Handler) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeUnavailable(w, "result backend")
		return
	}

	id := r.PathValue("id")
	result, ok, err := h.results.Fetch(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown task", "no result recorded for "+id)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	state := oauth.NewState()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/api/oauth/",
		Expires:  h.clock().Add(stateCookieTTL),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, provider.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		writeError(w, http.StatusUnauthorized, "Login failed", errCode)
		return
	}

	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != q.Get("state") {
		writeError(w, http.StatusBadRequest, "Invalid state", "state parameter does not match the login request")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Path: "/api/oauth/", MaxAge: -1})

	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Invalid request", "missing authorization code")
		return
	}

	tok, err := provider.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Login failed", err.Error())
		return
	}
	info, err := provider.UserInfo(r.Context(), tok)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Login failed", err.Error())
		return
	}

	if !provider.Allowed(info.Email) {
		writeError(w, http.StatusForbidden, "Access denied", info.Email+" is not allowed to sign in")
		return
	}

	resp := loginResponse{
		Provider:   r.PathValue("provider"),
		Email:      info.Email,
		Name:       info.Name,
		Registered: h.cfg.Auth.UserRegistration,
	}
	if h.cfg.Auth.UserRegistration {
		resp.Role = h.cfg.Auth.UserRegistrationRole
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) provider(w http.ResponseWriter, r *http.Request) (LoginProvider, bool) {
	name := r.PathValue("provider")
	p, ok := h.providers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown provider", "oauth provider "+name+" is not enabled")
		return nil, false
	}
	return p, true
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type cacheStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type cachesResponse struct {
	Status    string        `json:"status"`
	Caches    []cacheStatus `json:"caches"`
	CheckedAt time.Time     `json:"checkedAt"`
}

type schedulesResponse struct {
	Schedules []taskqueue.ScheduledEntry `json:"schedules"`
}

type runResponse struct {
	Schedule string `json:"schedule"`
	TaskID   string `json:"taskId"`
}

type loginResponse struct {
	Provider   string `json:"provider"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	Registered bool   `json:"registered"`
	Role       string `json:"role,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{
		Error:   message,
		Details: details,
	})
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}

func writeUnavailable(w http.ResponseWriter, component string) {
	writeError(w, http.StatusServiceUnavailable, "Unavailable", component+" not configured")
}
