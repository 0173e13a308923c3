package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-security/internal/config"
	"app-security/internal/factory"
	"app-security/internal/service"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Outcome string          `json:"outcome"`
	Reason  string          `json:"reason"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type staticHealth bool

func (h staticHealth) IsHealthy(context.Context) bool { return bool(h) }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.SettingsBackend = config.BackendMemory
	cfg.Storage.SecretStorePath = ""
	cfg.Device.ID = "device-http"

	f, err := factory.NewFactory(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return NewRouter(NewSecurityHandler(f.SecurityCore(), nil), f, nil)
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec.Code, resp
}

func TestLoopbackOnly(t *testing.T) {
	h := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "[::1]:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestHealth_Degraded(t *testing.T) {
	h := NewRouter(NewSecurityHandler(nil, nil), staticHealth(false), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPinLifecycleOverHTTP(t *testing.T) {
	h := newTestRouter(t)

	code, resp := call(t, h, http.MethodPost, "/api/v1/security/pin/setup", `{"pin":"1234"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_pin_format", resp.Reason)

	code, resp = call(t, h, http.MethodPost, "/api/v1/security/pin/setup", `{"pin":"13579","biometricEnabled":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "degraded", resp.Outcome)

	code, resp = call(t, h, http.MethodPost, "/api/v1/security/pin/validate", `{"pin":"00000"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_pin", resp.Reason)

	code, resp = call(t, h, http.MethodPost, "/api/v1/security/pin/validate", `{"pin":"13579"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "local", resp.Outcome)

	code, _ = call(t, h, http.MethodPut, "/api/v1/security/pin", `{"currentPin":"13579","newPin":"24680"}`)
	assert.Equal(t, http.StatusOK, code)

	code, resp = call(t, h, http.MethodPut, "/api/v1/security/pin", `{"currentPin":"13579","newPin":"11111"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "current_pin_incorrect", resp.Reason)

	code, resp = call(t, h, http.MethodGet, "/api/v1/security/status", "")
	require.Equal(t, http.StatusOK, code)
	var status struct {
		SecurityEnabled  bool     `json:"securityEnabled"`
		BiometricEnabled bool     `json:"biometricEnabled"`
		HasPin           bool     `json:"hasPin"`
		PendingSync      []string `json:"pendingSync"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.True(t, status.SecurityEnabled)
	assert.True(t, status.BiometricEnabled)
	assert.True(t, status.HasPin)
	assert.Equal(t, []string{"pin"}, status.PendingSync)

	code, _ = call(t, h, http.MethodPost, "/api/v1/security/lock", "")
	assert.Equal(t, http.StatusOK, code)
	_, resp = call(t, h, http.MethodGet, "/api/v1/security/session", "")
	assert.JSONEq(t, `{"valid":false}`, string(resp.Data))

	code, resp = call(t, h, http.MethodDelete, "/api/v1/security/pin", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", resp.Outcome)

	code, resp = call(t, h, http.MethodPost, "/api/v1/security/pin/validate", `{"pin":"24680"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "security_not_enabled", resp.Reason)
}

func TestPreferencesAndSettings(t *testing.T) {
	h := newTestRouter(t)

	code, _ := call(t, h, http.MethodPatch, "/api/v1/security/preferences", `{"sessionTimeoutMs":120000,"maxAttempts":3}`)
	assert.Equal(t, http.StatusOK, code)

	code, resp := call(t, h, http.MethodPatch, "/api/v1/security/preferences", `{"maxAttempts":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_preferences", resp.Reason)

	code, resp = call(t, h, http.MethodGet, "/api/v1/security/settings", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", resp.Outcome)
	var view struct {
		Local struct {
			SessionTimeout int64 `json:"sessionTimeout"`
			MaxAttempts    int   `json:"maxAttempts"`
		} `json:"local"`
		RemoteReachable bool `json:"remoteReachable"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Equal(t, int64(120000), view.Local.SessionTimeout)
	assert.Equal(t, 3, view.Local.MaxAttempts)
	assert.False(t, view.RemoteReachable)

	code, _ = call(t, h, http.MethodPatch, "/api/v1/security/biometric", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestBadRequests(t *testing.T) {
	h := newTestRouter(t)

	code, _ := call(t, h, http.MethodPost, "/api/v1/security/pin/setup", `{"pin":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, h, http.MethodPost, "/api/v1/security/pin/setup", `{"pin":"13579","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := call(t, h, http.MethodPost, "/api/v1/security/pin/validate", `{"pin":"13579","deviceId":"<script>"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid device id", resp.Message)

	code, _ = call(t, h, http.MethodDelete, "/api/v1/security/pin?deviceId=%24%7Bjndi%7D", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, h, http.MethodGet, "/api/v1/security/nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, h, http.MethodGet, "/api/v1/security/pin/setup", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestWipeOverHTTP(t *testing.T) {
	h := newTestRouter(t)
	code, _ := call(t, h, http.MethodPost, "/api/v1/security/pin/setup", `{"pin":"13579"}`)
	require.Equal(t, http.StatusOK, code)

	code, resp := call(t, h, http.MethodPost, "/api/v1/security/wipe", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "local", resp.Outcome)

	code, resp = call(t, h, http.MethodPost, "/api/v1/security/reconcile", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "local", resp.Outcome)
}

func TestStatusCodeMapping(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, statusCode(resultWith("too_many_attempts")))
	assert.Equal(t, http.StatusServiceUnavailable, statusCode(resultWith("storage_error")))
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(resultWith("remote_rejected")))
	assert.Equal(t, http.StatusConflict, statusCode(resultWith("no_pin_setup")))
}

func resultWith(reason string) service.Result {
	return service.Result{Outcome: service.OutcomeFailed, Reason: service.Reason(reason)}
}
