package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/procmine/internal/api/middleware"
	"github.com/kiranshivaraju/procmine/internal/apikey"
	"github.com/kiranshivaraju/procmine/internal/cache"
	"github.com/kiranshivaraju/procmine/internal/store/storetest"
	"github.com/kiranshivaraju/procmine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock Cache ---

type mockCache struct {
	counter int64
	err     error
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) Delete(_ context.Context, _ string) error                          { return nil }
func (m *mockCache) Ping(_ context.Context) error                                      { return nil }
func (m *mockCache) SetJobStatus(_ context.Context, _ int64, _ cache.JobSnapshot, _ time.Duration) error {
	return nil
}
func (m *mockCache) GetJobStatus(_ context.Context, _ int64) (*cache.JobSnapshot, bool, error) {
	return nil, false, nil
}
func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counter++
	return m.counter, nil
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// issuedKey creates a user and an API key for it in a fresh MemStore.
func issuedKey(t *testing.T) (*storetest.MemStore, *models.User, string, *models.APIKey) {
	t.Helper()
	st := storetest.New()
	user := &models.User{ID: uuid.New(), Username: "ana", LicenseType: models.LicenseFree, MaxLogRows: 1000, MaxProjects: 3}
	require.NoError(t, st.CreateUser(context.Background(), user))
	raw, key, err := apikey.Issue(context.Background(), st, user.ID, "ci")
	require.NoError(t, err)
	return st, user, raw, key
}

func authed(raw string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	return req
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	handler := mw.NewAuth(storetest.New()).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	handler := mw.NewAuth(storetest.New()).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	handler := mw.NewAuth(storetest.New()).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed("short"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key format", errBody(t, w)["message"])
}

func TestAuth_KeyNotFound(t *testing.T) {
	handler := mw.NewAuth(storetest.New()).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed("pmk_test1234567890abcdef"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongSecret(t *testing.T) {
	st, _, raw, _ := issuedKey(t)
	handler := mw.NewAuth(st).Authenticate(okHandler())

	// Same prefix, different secret.
	forged := raw[:apikey.PrefixLen] + "0000000000000000000000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(forged))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", errBody(t, w)["message"])
}

func TestAuth_ValidKey(t *testing.T) {
	st, user, raw, key := issuedKey(t)

	var got *models.User
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, gotOK = mw.GetUser(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := mw.NewAuth(st).Authenticate(inner)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(raw))

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, gotOK)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, models.LicenseFree, got.LicenseType)

	assert.Eventually(t, func() bool {
		keys, err := st.ListAPIKeys(context.Background(), user.ID)
		if err != nil || len(keys) != 1 {
			return false
		}
		return keys[0].ID == key.ID && keys[0].LastUsedAt != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAuth_RevokedKey(t *testing.T) {
	st, user, raw, key := issuedKey(t)
	require.NoError(t, st.RevokeAPIKey(context.Background(), key.ID, user.ID))
	handler := mw.NewAuth(st).Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(raw))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetUser_Unset(t *testing.T) {
	_, ok := mw.GetUser(httptest.NewRequest("GET", "/test", nil))
	assert.False(t, ok)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func withPrefix(req *http.Request, prefix string) *http.Request {
	return req.WithContext(mw.SetKeyPrefix(req.Context(), prefix))
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	handler := mw.NewRateLimit(&mockCache{}, 60).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrefix(httptest.NewRequest("GET", "/test", nil), "pmk_test"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{counter: 60} // next IncrWithExpiry will return 61
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrefix(httptest.NewRequest("GET", "/test", nil), "pmk_over"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	handler := mw.NewRateLimit(&mockCache{}, 0).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrefix(httptest.NewRequest("GET", "/test", nil), "pmk_dflt"))

	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_CacheDownFailsOpen(t *testing.T) {
	handler := mw.NewRateLimit(&mockCache{err: errors.New("redis down")}, 1).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrefix(httptest.NewRequest("GET", "/test", nil), "pmk_down"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	handler := mw.NewRateLimit(&mockCache{}, 60).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := errBody(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body["code"])
	assert.Equal(t, map[string]any{"type": "panic"}, body["details"])
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestLogger_RecordsStatus(t *testing.T) {
	logs := captureLogs(t)
	teapot := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	mw.Logger(teapot).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/projects", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, logs.String(), `"status":418`)
	assert.Contains(t, logs.String(), `"path":"/api/v1/projects"`)
}

func TestLogger_StatusPollsAtDebug(t *testing.T) {
	logs := captureLogs(t)

	w := httptest.NewRecorder()
	mw.Logger(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/jobs/status/4/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, logs.String())
}
