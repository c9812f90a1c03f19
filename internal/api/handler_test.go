package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/eugenenazirov/dashconf/internal/config"
	"github.com/eugenenazirov/dashconf/internal/oauth"
	"github.com/eugenenazirov/dashconf/internal/taskqueue"
)

type controllableClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newControllableClock(initial time.Time) *controllableClock {
	return &controllableClock{now: initial}
}

func (c *controllableClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func testConfig() config.Config {
	return config.Config{
		DatabaseURI: "postgresql://superset:dbpass@db:5432/superset",
		Caches: config.Caches{
			Default: config.CacheConfig{
				Type:      config.CacheTypeRedis,
				Timeout:   24 * time.Hour,
				KeyPrefix: "superset_results",
				RedisURL:  "redis://:cachepass@cache:6379/0",
			},
		},
		Email: config.EmailConfig{
			Host:     "smtp.example.org",
			Port:     587,
			User:     "mailer",
			Password: "smtppass",
			MailFrom: "reports@example.org",
		},
		Auth: config.AuthConfig{
			Type:                 config.AuthOAuth,
			UserRegistration:     true,
			UserRegistrationRole: "Public",
		},
	}
}

type fakeCaches struct {
	errs map[string]error
}

func (f fakeCaches) Names() []string {
	return []string{"default", "data"}
}

func (f fakeCaches) Ping(context.Context) map[string]error {
	return f.errs
}

type fakeScheduler struct {
	entries   []taskqueue.ScheduledEntry
	triggered []string
	err       error
}

func (f *fakeScheduler) Entries() []taskqueue.ScheduledEntry {
	return f.entries
}

func (f *fakeScheduler) Trigger(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for _, e := range f.entries {
		if e.Name == name {
			f.triggered = append(f.triggered, name)
			return "task-" + name, nil
		}
	}
	return "", errors.New("unknown schedule: " + name)
}

type fakeResults map[string]taskqueue.Result

func (f fakeResults) Fetch(_ context.Context, id string) (taskqueue.Result, bool, error) {
	r, ok := f[id]
	return r, ok, nil
}

type fakeProvider struct {
	email string
	allow bool
}

func (f fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + url.QueryEscape(state)
}

func (f fakeProvider) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code != "good-code" {
		return nil, errors.New("invalid_grant")
	}
	return &oauth2.Token{AccessToken: "tok"}, nil
}

func (f fakeProvider) UserInfo(context.Context, *oauth2.Token) (oauth.UserInfo, error) {
	return oauth.UserInfo{Email: f.email, Name: "Dev"}, nil
}

func (f fakeProvider) Allowed(string) bool {
	return f.allow
}

func setupTestRouter(t *testing.T, opts ...HandlerOption) (http.Handler, *controllableClock) {
	t.Helper()

	clock := newControllableClock(time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC))
	handler := NewHandler(testConfig(), append([]HandlerOption{WithClock(clock.Now)}, opts...)...)
	logger := zaptest.NewLogger(t)
	router := NewRouter(handler, logger, WithLogging(false))

	return router, clock
}

func serve(router http.Handler, method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestIDHelpers(t *testing.T) {
	ctx := contextWithRequestID(context.Background(), "abc")
	if got := requestIDFromContext(ctx); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
	resp := httptest.NewRecorder()
	writeInternalError(resp, assertError("boom"))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.Code)
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }

func TestHealthEndpoint(t *testing.T) {
	router, clock := setupTestRouter(t)

	rec := serve(router, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
	if !body.Timestamp.Equal(clock.Now()) {
		t.Fatalf("expected timestamp %s, got %s", clock.Now(), body.Timestamp)
	}
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := serve(router, http.MethodGet, "/api/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, secret := range []string{"dbpass", "cachepass", "smtppass"} {
		if strings.Contains(body, secret) {
			t.Fatalf("response leaks %q: %s", secret, body)
		}
	}

	var cfg config.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("failed to decode config: %v", err)
	}
	if cfg.Caches.Default.KeyPrefix != "superset_results" || cfg.Email.Host != "smtp.example.org" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestCachesEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t, WithCaches(fakeCaches{errs: map[string]error{}}))

	rec := serve(router, http.MethodGet, "/api/caches")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body cachesResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "ok" || len(body.Caches) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestCachesEndpointReportsFailures(t *testing.T) {
	router, _ := setupTestRouter(t, WithCaches(fakeCaches{errs: map[string]error{"data": errors.New("connection refused")}}))

	rec := serve(router, http.MethodGet, "/api/caches")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var body cachesResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", body.Status)
	}
	if body.Caches[0].Status != "ok" || body.Caches[1].Status != "error" || body.Caches[1].Error != "connection refused" {
		t.Fatalf("unexpected cache statuses %+v", body.Caches)
	}
}

func TestEndpointsUnavailableWithoutComponents(t *testing.T) {
	router, _ := setupTestRouter(t)

	for _, target := range []string{"/api/caches", "/api/schedules", "/api/tasks/abc"} {
		if rec := serve(router, http.MethodGet, target); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected status 503, got %d", target, rec.Code)
		}
	}
}

func TestSchedulesEndpoints(t *testing.T) {
	scheduler := &fakeScheduler{entries: []taskqueue.ScheduledEntry{
		{Name: "reports.scheduler", Task: "reports.scheduler", Schedule: "* * * * *"},
	}}
	router, _ := setupTestRouter(t, WithScheduler(scheduler))

	rec := serve(router, http.MethodGet, "/api/schedules")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var list schedulesResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(list.Schedules) != 1 || list.Schedules[0].Schedule != "* * * * *" {
		t.Fatalf("unexpected schedules %+v", list.Schedules)
	}

	rec = serve(router, http.MethodPost, "/api/schedules/reports.scheduler/run")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	var run runResponse
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if run.TaskID != "task-reports.scheduler" || len(scheduler.triggered) != 1 {
		t.Fatalf("unexpected run response %+v", run)
	}
}

func TestRunScheduleUnknownName(t *testing.T) {
	scheduler := &fakeScheduler{err: taskqueue.ErrUnknownSchedule}
	router, _ := setupTestRouter(t, WithScheduler(scheduler))

	if rec := serve(router, http.MethodPost, "/api/schedules/nope/run"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestTaskResultEndpoint(t *testing.T) {
	results := fakeResults{
		"abc": {TaskID: "abc", Task: "reports.scheduler", Status: taskqueue.StatusSuccess},
	}
	router, _ := setupTestRouter(t, WithResults(results))

	rec := serve(router, http.MethodGet, "/api/tasks/abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var r taskqueue.Result
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if r.Status != taskqueue.StatusSuccess {
		t.Fatalf("unexpected result %+v", r)
	}

	if rec := serve(router, http.MethodGet, "/api/tasks/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestOAuthLoginSetsStateAndRedirects(t *testing.T) {
	router, _ := setupTestRouter(t, WithLoginProvider("google", fakeProvider{}))

	rec := serve(router, http.MethodGet, "/api/oauth/google/login")
	if rec.Code != http.StatusFound {
		t.Fatalf("expected status 302, got %d", rec.Code)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != stateCookieName || !cookies[0].HttpOnly {
		t.Fatalf("expected http-only state cookie, got %+v", cookies)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect: %v", err)
	}
	if loc.Query().Get("state") != cookies[0].Value {
		t.Fatalf("redirect state %q does not match cookie %q", loc.Query().Get("state"), cookies[0].Value)
	}
}

func TestOAuthUnknownProvider(t *testing.T) {
	router, _ := setupTestRouter(t)

	if rec := serve(router, http.MethodGet, "/api/oauth/github/login"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestOAuthCallback(t *testing.T) {
	state := &http.Cookie{Name: stateCookieName, Value: "s1"}

	tests := map[string]struct {
		provider fakeProvider
		target   string
		cookies  []*http.Cookie
		want     int
	}{
		"allowed": {
			provider: fakeProvider{email: "dev@projecttech4dev.org", allow: true},
			target:   "/api/oauth/google/callback?state=s1&code=good-code",
			cookies:  []*http.Cookie{state},
			want:     http.StatusOK,
		},
		"outside whitelist": {
			provider: fakeProvider{email: "someone@example.org", allow: false},
			target:   "/api/oauth/google/callback?state=s1&code=good-code",
			cookies:  []*http.Cookie{state},
			want:     http.StatusForbidden,
		},
		"state mismatch": {
			provider: fakeProvider{allow: true},
			target:   "/api/oauth/google/callback?state=other&code=good-code",
			cookies:  []*http.Cookie{state},
			want:     http.StatusBadRequest,
		},
		"missing cookie": {
			provider: fakeProvider{allow: true},
			target:   "/api/oauth/google/callback?state=s1&code=good-code",
			want:     http.StatusBadRequest,
		},
		"missing code": {
			provider: fakeProvider{allow: true},
			target:   "/api/oauth/google/callback?state=s1",
			cookies:  []*http.Cookie{state},
			want:     http.StatusBadRequest,
		},
		"exchange failure": {
			provider: fakeProvider{allow: true},
			target:   "/api/oauth/google/callback?state=s1&code=bad-code",
			cookies:  []*http.Cookie{state},
			want:     http.StatusBadGateway,
		},
		"provider error": {
			provider: fakeProvider{allow: true},
			target:   "/api/oauth/google/callback?error=access_denied",
			want:     http.StatusUnauthorized,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			router, _ := setupTestRouter(t, WithLoginProvider("google", tc.provider))

			rec := serve(router, http.MethodGet, tc.target, tc.cookies...)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOAuthCallbackReturnsRegistrationRole(t *testing.T) {
	router, _ := setupTestRouter(t, WithLoginProvider("google", fakeProvider{email: "dev@projecttech4dev.org", allow: true}))

	rec := serve(router, http.MethodGet, "/api/oauth/google/callback?state=s1&code=good-code",
		&http.Cookie{Name: stateCookieName, Value: "s1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Email != "dev@projecttech4dev.org" || body.Role != "Public" || !body.Registered || body.Provider != "google" {
		t.Fatalf("unexpected login response %+v", body)
	}
}

func TestCorsPreflight(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/schedules/reports.scheduler/run", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be set")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "test-request-id")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "test-request-id" {
		t.Fatalf("expected X-Request-ID header to be echoed, got %s", got)
	}
}
