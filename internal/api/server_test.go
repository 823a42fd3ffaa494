package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/router-for-me/StudioProxyAPI/internal/config"
	"github.com/router-for-me/StudioProxyAPI/internal/coordinator"
	"github.com/router-for-me/StudioProxyAPI/internal/credential"
	"github.com/router-for-me/StudioProxyAPI/internal/link"
	"github.com/router-for-me/StudioProxyAPI/internal/rotation"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	for _, name := range []string{"auth-1.json", "auth-2.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{"email":"`+name+`"}`), 0o600))
	}
	store := credential.NewStore(dir)

	binder := rotation.BindFunc(func(context.Context, int, []byte) error { return nil })
	controller, err := rotation.NewController(store, binder, rotation.Settings{})
	require.NoError(t, err)

	agentLink := link.NewAgentLink(100 * time.Millisecond)
	co := coordinator.New(cfg, agentLink, controller)
	return NewServer(cfg, co, agentLink, controller, store, nil)
}

func baseConfig() *config.Config {
	return &config.Config{
		APIKeys:       []string{"test-key"},
		StreamingMode: "real",
		MaxRetries:    3,
		RetryDelay:    10 * time.Millisecond,
		ResumeLimit:   3,
	}
}

func doRequest(server *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	server.Engine().ServeHTTP(recorder, req)
	return recorder
}

func TestAuthMiddlewareMissingKey(t *testing.T) {
	server := newTestServer(t, baseConfig())
	recorder := doRequest(server, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Contains(t, recorder.Body.String(), "Missing API key")
}

func TestAuthMiddlewareInvalidKey(t *testing.T) {
	server := newTestServer(t, baseConfig())
	recorder := doRequest(server, http.MethodGet, "/v1/models", "", map[string]string{
		"Authorization": "Bearer wrong",
	})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Contains(t, recorder.Body.String(), "Invalid API key")
}

func TestAuthMiddlewareAcceptedForms(t *testing.T) {
	server := newTestServer(t, baseConfig())

	// All four accepted credential forms pass; the request then reaches the
	// coordinator, which reports the missing agent rather than a 401.
	cases := []struct {
		name    string
		target  string
		headers map[string]string
	}{
		{"bearer", "/v1/models", map[string]string{"Authorization": "Bearer test-key"}},
		{"raw authorization", "/v1/models", map[string]string{"Authorization": "test-key"}},
		{"google header", "/v1/models", map[string]string{"X-Goog-Api-Key": "test-key"}},
		{"generic header", "/v1/models", map[string]string{"X-Api-Key": "test-key"}},
		{"query", "/v1/models?key=test-key", nil},
	}
	for _, tc := range cases {
		recorder := doRequest(server, http.MethodGet, tc.target, "", tc.headers)
		require.NotEqual(t, http.StatusUnauthorized, recorder.Code, tc.name)
	}
}

func TestAuthMiddlewareDisabledWithoutKeys(t *testing.T) {
	cfg := baseConfig()
	cfg.APIKeys = nil
	server := newTestServer(t, cfg)
	recorder := doRequest(server, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestOperatorEndpointsHiddenWithoutKey(t *testing.T) {
	server := newTestServer(t, baseConfig())
	recorder := doRequest(server, http.MethodGet, "/api/status", "", nil)
	// Without an operator key the route falls through to the passthrough,
	// which requires client auth.
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Contains(t, recorder.Body.String(), "API key")
}

func TestOperatorMiddlewareRejectsBadKey(t *testing.T) {
	cfg := baseConfig()
	cfg.OperatorKey = "op-secret"
	server := newTestServer(t, cfg)

	recorder := doRequest(server, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = doRequest(server, http.MethodGet, "/api/status", "", map[string]string{
		"X-Operator-Key": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestOperatorStatusPlaintextKey(t *testing.T) {
	cfg := baseConfig()
	cfg.OperatorKey = "op-secret"
	server := newTestServer(t, cfg)

	recorder := doRequest(server, http.MethodGet, "/api/status", "", map[string]string{
		"X-Operator-Key": "op-secret",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	root := gjson.Parse(recorder.Body.String())
	require.False(t, root.Get("agentConnected").Bool())
	require.Equal(t, "real", root.Get("streamingMode").String())
	require.Equal(t, int64(2), root.Get("credentialCount").Int())
	require.True(t, root.Get("rotation.currentIndex").Exists())
}

func TestOperatorStatusBcryptKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("op-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.OperatorKey = string(hash)
	server := newTestServer(t, cfg)

	recorder := doRequest(server, http.MethodGet, "/api/status", "", map[string]string{
		"Authorization": "Bearer op-secret",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doRequest(server, http.MethodGet, "/api/status", "", map[string]string{
		"Authorization": "Bearer not-it",
	})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestOperatorSetMode(t *testing.T) {
	cfg := baseConfig()
	cfg.OperatorKey = "op-secret"
	server := newTestServer(t, cfg)
	auth := map[string]string{"X-Operator-Key": "op-secret"}

	recorder := doRequest(server, http.MethodPost, "/api/set-mode", `{"mode":"fake"}`, auth)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "fake", gjson.Get(recorder.Body.String(), "streamingMode").String())

	recorder = doRequest(server, http.MethodPost, "/api/set-mode", `{"mode":"bogus"}`, auth)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestOperatorToggles(t *testing.T) {
	cfg := baseConfig()
	cfg.OperatorKey = "op-secret"
	server := newTestServer(t, cfg)
	auth := map[string]string{"X-Operator-Key": "op-secret"}

	recorder := doRequest(server, http.MethodPost, "/api/toggle-reasoning", "", auth)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.True(t, gjson.Get(recorder.Body.String(), "reasoning").Bool())

	recorder = doRequest(server, http.MethodPost, "/api/toggle-native-reasoning", "", auth)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.True(t, gjson.Get(recorder.Body.String(), "nativeReasoning").Bool())

	recorder = doRequest(server, http.MethodPost, "/api/set-resume-config", `{"limit":5}`, auth)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, int64(5), gjson.Get(recorder.Body.String(), "resumeLimit").Int())

	recorder = doRequest(server, http.MethodPost, "/api/set-resume-config", `{"limit":-1}`, auth)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestOperatorSwitchAccount(t *testing.T) {
	cfg := baseConfig()
	cfg.OperatorKey = "op-secret"
	server := newTestServer(t, cfg)
	auth := map[string]string{"X-Operator-Key": "op-secret"}

	recorder := doRequest(server, http.MethodPost, "/api/switch-account", `{"index":2}`, auth)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, int64(2), gjson.Get(recorder.Body.String(), "currentIndex").Int())

	recorder = doRequest(server, http.MethodPost, "/api/switch-account", `{"index":9}`, auth)
	require.Equal(t, http.StatusConflict, recorder.Code)
}

func TestRootEndpoint(t *testing.T) {
	cfg := baseConfig()
	cfg.APIKeys = nil
	server := newTestServer(t, cfg)
	recorder := doRequest(server, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "/v1/chat/completions")
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(t, baseConfig())
	recorder := doRequest(server, http.MethodOptions, "/v1/chat/completions", "", nil)
	require.Equal(t, http.StatusNoContent, recorder.Code)
	require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
}
