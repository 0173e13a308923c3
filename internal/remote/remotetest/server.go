// Package remotetest provides an in-process security authority for tests.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

type Mode int

const (
	ModeOnline Mode = iota
	// ModeUnavailable answers every call with 503.
	ModeUnavailable
	// ModeRejecting answers every call with 400.
	ModeRejecting
)

type record struct {
	digest    string
	biometric bool
	created   time.Time
	updated   time.Time
}

// Server stores PIN digests per device like the real authority.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	mode    Mode
	token   string
	records map[string]*record
	calls   map[string]int
}

// NewServer starts an authority requiring token as bearer credentials
// when token is non-empty.
func NewServer(token string) *Server {
	s := &Server{token: token, records: map[string]*record{}, calls: map[string]int{}}

	r := chi.NewRouter()
	r.Use(s.gate)
	r.Route("/security", func(r chi.Router) {
		r.Post("/setup-pin", s.setup)
		r.Post("/validate-pin", s.validate)
		r.Get("/settings/{deviceID}", s.settings)
		r.Patch("/biometric", s.biometric)
		r.Patch("/change-pin", s.change)
		r.Delete("/pin/{deviceID}", s.remove)
	})
	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// Calls reports how many requests hit a route pattern, e.g. "POST /security/setup-pin".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Digest returns the stored digest for a device.
func (s *Server) Digest(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return "", false
	}
	return rec.digest, true
}

// SetDigest seeds a record, as a server-side reset would.
func (s *Server) SetDigest(deviceID, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.records[deviceID] = &record{digest: digest, created: now, updated: now}
}

func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		mode := s.mode
		s.mu.Unlock()

		switch mode {
		case ModeUnavailable:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
			return
		case ModeRejecting:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "rejected by policy"})
			return
		}
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)

		s.mu.Lock()
		s.calls[r.Method+" "+chi.RouteContext(r.Context()).RoutePattern()]++
		s.mu.Unlock()
	})
}

type body struct {
	PinDigest        string `json:"pinDigest"`
	OldPinDigest     string `json:"oldPinDigest"`
	NewPinDigest     string `json:"newPinDigest"`
	DeviceID         string `json:"deviceId"`
	BiometricEnabled bool   `json:"biometricEnabled"`
}

func decode(w http.ResponseWriter, r *http.Request) (body, bool) {
	var b body
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return b, false
	}
	return b, true
}

func (s *Server) setup(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	if len(b.PinDigest) != 64 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_digest"})
		return
	}
	s.mu.Lock()
	now := time.Now().UTC()
	rec, exists := s.records[b.DeviceID]
	if !exists {
		rec = &record{created: now}
		s.records[b.DeviceID] = rec
	}
	rec.digest, rec.biometric, rec.updated = b.PinDigest, b.BiometricEnabled, now
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	rec, exists := s.records[b.DeviceID]
	valid := exists && rec.digest == b.PinDigest
	s.mu.Unlock()
	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_pin"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) settings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	s.mu.Lock()
	rec, exists := s.records[id]
	var out map[string]interface{}
	if exists {
		out = map[string]interface{}{
			"userId":           "user-" + id,
			"biometricEnabled": rec.biometric,
			"deviceId":         id,
			"lastUpdated":      rec.updated,
			"createdAt":        rec.created,
		}
	}
	s.mu.Unlock()
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) biometric(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	rec, exists := s.records[b.DeviceID]
	if exists {
		rec.biometric, rec.updated = b.BiometricEnabled, time.Now().UTC()
	}
	s.mu.Unlock()
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) change(w http.ResponseWriter, r *http.Request) {
	b, ok := decode(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	rec, exists := s.records[b.DeviceID]
	matches := exists && rec.digest == b.OldPinDigest
	if matches {
		rec.digest, rec.updated = b.NewPinDigest, time.Now().UTC()
	}
	s.mu.Unlock()
	if !matches {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_pin"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
