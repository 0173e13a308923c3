package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"app-security/internal/service"
	"app-security/internal/util"
)

var (
	errInvalidBody     = errors.New("invalid request body")
	errInvalidDeviceID = errors.New("invalid device id")
)

// HealthChecker reports per-dependency health for /health.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// SecurityHandler exposes the security core to the app shell over HTTP.
type SecurityHandler struct {
	core   *service.SecurityCore
	logger *zap.Logger
}

func NewSecurityHandler(core *service.SecurityCore, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		core:   core,
		logger: util.OrNop(logger),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool            `json:"success"`
	Outcome service.Outcome `json:"outcome"`
	Reason  service.Reason  `json:"reason,omitempty"`
	Data    interface{}     `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type setupRequest struct {
	Pin              string `json:"pin"`
	DeviceID         string `json:"deviceId"`
	BiometricEnabled bool   `json:"biometricEnabled"`
}

type validateRequest struct {
	Pin      string `json:"pin"`
	DeviceID string `json:"deviceId"`
}

type changeRequest struct {
	DeviceID   string `json:"deviceId"`
	CurrentPin string `json:"currentPin"`
	NewPin     string `json:"newPin"`
}

type biometricRequest struct {
	DeviceID string `json:"deviceId"`
	Enabled  bool   `json:"enabled"`
}

type preferencesRequest struct {
	// SessionTimeoutMs matches the persisted settings unit.
	SessionTimeoutMs *int64 `json:"sessionTimeoutMs,omitempty"`
	MaxAttempts      *int   `json:"maxAttempts,omitempty"`
}

// RegisterRoutes registers all security routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		r.Post("/pin/setup", h.SetupPin)
		r.Post("/pin/validate", h.ValidatePin)
		r.Put("/pin", h.ChangePin)
		r.Delete("/pin", h.RemovePin)

		r.Patch("/biometric", h.UpdateBiometric)
		r.Patch("/preferences", h.UpdatePreferences)
		r.Get("/settings", h.GetSettings)

		r.Get("/session", h.Session)
		r.Post("/lock", h.Lock)
		r.Get("/status", h.Status)
		r.Post("/reconcile", h.Reconcile)
		r.Post("/wipe", h.Wipe)
	})
}

func (h *SecurityHandler) SetupPin(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !h.decode(w, r, &req) || !h.checkDeviceID(w, req.DeviceID) {
		return
	}
	h.respondWithResult(w, "SetupPin", h.core.SetupPin(r.Context(), req.Pin, req.DeviceID, req.BiometricEnabled), nil)
}

func (h *SecurityHandler) ValidatePin(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !h.decode(w, r, &req) || !h.checkDeviceID(w, req.DeviceID) {
		return
	}
	h.respondWithResult(w, "ValidatePin", h.core.ValidatePin(r.Context(), req.Pin, req.DeviceID), nil)
}

func (h *SecurityHandler) ChangePin(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if !h.decode(w, r, &req) || !h.checkDeviceID(w, req.DeviceID) {
		return
	}
	h.respondWithResult(w, "ChangePin", h.core.ChangePin(r.Context(), req.DeviceID, req.CurrentPin, req.NewPin), nil)
}

func (h *SecurityHandler) RemovePin(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if !h.checkDeviceID(w, deviceID) {
		return
	}
	h.respondWithResult(w, "RemovePin", h.core.RemovePin(r.Context(), deviceID), nil)
}

func (h *SecurityHandler) UpdateBiometric(w http.ResponseWriter, r *http.Request) {
	var req biometricRequest
	if !h.decode(w, r, &req) || !h.checkDeviceID(w, req.DeviceID) {
		return
	}
	h.respondWithResult(w, "UpdateBiometric", h.core.UpdateBiometricSettings(r.Context(), req.DeviceID, req.Enabled), nil)
}

func (h *SecurityHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !h.decode(w, r, &req) {
		return
	}
	var timeout *time.Duration
	if req.SessionTimeoutMs != nil {
		d := time.Duration(*req.SessionTimeoutMs) * time.Millisecond
		timeout = &d
	}
	h.respondWithResult(w, "UpdatePreferences", h.core.UpdatePreferences(r.Context(), timeout, req.MaxAttempts), nil)
}

func (h *SecurityHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if !h.checkDeviceID(w, deviceID) {
		return
	}
	view, res := h.core.GetSettings(r.Context(), deviceID)
	h.respondWithResult(w, "GetSettings", res, view)
}

func (h *SecurityHandler) Session(w http.ResponseWriter, r *http.Request) {
	valid := h.core.IsSessionValid(r.Context())
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Outcome: service.OutcomeLocal,
		Data:    map[string]bool{"valid": valid},
	})
}

func (h *SecurityHandler) Lock(w http.ResponseWriter, r *http.Request) {
	h.respondWithResult(w, "Lock", h.core.Lock(r.Context()), nil)
}

func (h *SecurityHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, res := h.core.Status(r.Context())
	h.respondWithResult(w, "Status", res, status)
}

func (h *SecurityHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if !h.checkDeviceID(w, deviceID) {
		return
	}
	h.respondWithResult(w, "Reconcile", h.core.Reconcile(r.Context(), deviceID), nil)
}

func (h *SecurityHandler) Wipe(w http.ResponseWriter, r *http.Request) {
	h.respondWithResult(w, "Wipe", h.core.Wipe(r.Context()), nil)
}

func (h *SecurityHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errInvalidBody, "Invalid request body")
		return false
	}
	return true
}

// checkDeviceID rejects ids carrying markup; they end up in logs and remote
// request paths. Empty means the device's own id.
func (h *SecurityHandler) checkDeviceID(w http.ResponseWriter, deviceID string) bool {
	if util.ContainsSuspicious(deviceID) || len(deviceID) > 128 {
		h.respondWithError(w, http.StatusBadRequest, errInvalidDeviceID, "Invalid device id")
		return false
	}
	return true
}

// respondWithResult maps a core Result onto a status code. Degraded
// outcomes are successes: the app shell decides whether to tell the user.
func (h *SecurityHandler) respondWithResult(w http.ResponseWriter, method string, res service.Result, data interface{}) {
	if !res.Success {
		h.logger.Info("Security operation failed",
			zap.String("method", method),
			zap.String("reason", string(res.Reason)),
			zap.Error(res.Err),
		)
	}
	resp := Response{
		Success: res.Success,
		Outcome: res.Outcome,
		Reason:  res.Reason,
		Message: res.Message,
		Data:    data,
	}
	if !res.Success {
		resp.Error = string(res.Reason)
	}
	h.respondWithJSON(w, statusCode(res), resp)
}

// respondWithJSON sends a JSON response
func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, Response{
		Success: false,
		Outcome: service.OutcomeFailed,
		Error:   err.Error(),
		Message: message,
	})
}

// statusCode determines the appropriate HTTP status code for a result
func statusCode(res service.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Reason {
	case service.ReasonInvalidPinFormat, service.ReasonInvalidPreferences:
		return http.StatusBadRequest
	case service.ReasonInvalidPin, service.ReasonCurrentPinIncorrect:
		return http.StatusUnauthorized
	case service.ReasonSecurityNotEnabled, service.ReasonNoPinSetup:
		return http.StatusConflict
	case service.ReasonTooManyAttempts:
		return http.StatusTooManyRequests
	case service.ReasonRemoteRejected:
		return http.StatusUnprocessableEntity
	case service.ReasonStorageError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
