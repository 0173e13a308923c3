// Package remote talks to the backend security authority. Every call is
// optional from the device's point of view; see ConnectivityError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"app-security/internal/config"
	"app-security/internal/util"
)

// Authority is the contract the security core expects from the backend.
// Implementations receive the raw PIN and must transform it before sending.
type Authority interface {
	SetupPin(ctx context.Context, deviceID, pin string, biometricEnabled bool) error
	// ValidatePin returns nil when the authority accepts the PIN.
	ValidatePin(ctx context.Context, deviceID, pin string) error
	GetSettings(ctx context.Context, deviceID string) (*Record, error)
	UpdateBiometric(ctx context.Context, deviceID string, enabled bool) error
	ChangePin(ctx context.Context, deviceID, oldPin, newPin string) error
	RemovePin(ctx context.Context, deviceID string) error
}

// Record is the server-side security record.
type Record struct {
	UserID           string    `json:"userId"`
	BiometricEnabled bool      `json:"biometricEnabled"`
	DeviceID         string    `json:"deviceId"`
	LastUpdated      time.Time `json:"lastUpdated"`
	CreatedAt        time.Time `json:"createdAt"`
}

type setupRequest struct {
	PinDigest        string `json:"pinDigest"`
	DeviceID         string `json:"deviceId"`
	BiometricEnabled bool   `json:"biometricEnabled"`
}

type validateRequest struct {
	PinDigest string `json:"pinDigest"`
	DeviceID  string `json:"deviceId"`
}

type biometricRequest struct {
	DeviceID         string `json:"deviceId"`
	BiometricEnabled bool   `json:"biometricEnabled"`
}

type changeRequest struct {
	DeviceID     string `json:"deviceId"`
	OldPinDigest string `json:"oldPinDigest"`
	NewPinDigest string `json:"newPinDigest"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg config.RemoteConfig, logger *zap.Logger) *Client {
	return NewClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout}, logger)
}

func NewClientWithHTTP(cfg config.RemoteConfig, hc *http.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authToken:  cfg.AuthToken,
		httpClient: hc,
		logger:     util.OrNop(logger),
	}
}

func (c *Client) SetupPin(ctx context.Context, deviceID, pin string, biometricEnabled bool) error {
	return c.do(ctx, "setup-pin", http.MethodPost, "/security/setup-pin", setupRequest{
		PinDigest:        PinDigest(pin, deviceID),
		DeviceID:         deviceID,
		BiometricEnabled: biometricEnabled,
	}, nil)
}

func (c *Client) ValidatePin(ctx context.Context, deviceID, pin string) error {
	return c.do(ctx, "validate-pin", http.MethodPost, "/security/validate-pin", validateRequest{
		PinDigest: PinDigest(pin, deviceID),
		DeviceID:  deviceID,
	}, nil)
}

func (c *Client) GetSettings(ctx context.Context, deviceID string) (*Record, error) {
	var rec Record
	err := c.do(ctx, "settings", http.MethodGet, "/security/settings/"+url.PathEscape(deviceID), nil, &rec)
	var re *RejectionError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) UpdateBiometric(ctx context.Context, deviceID string, enabled bool) error {
	return c.do(ctx, "biometric", http.MethodPatch, "/security/biometric", biometricRequest{
		DeviceID:         deviceID,
		BiometricEnabled: enabled,
	}, nil)
}

func (c *Client) ChangePin(ctx context.Context, deviceID, oldPin, newPin string) error {
	return c.do(ctx, "change-pin", http.MethodPatch, "/security/change-pin", changeRequest{
		DeviceID:     deviceID,
		OldPinDigest: PinDigest(oldPin, deviceID),
		NewPinDigest: PinDigest(newPin, deviceID),
	}, nil)
}

func (c *Client) RemovePin(ctx context.Context, deviceID string) error {
	return c.do(ctx, "remove-pin", http.MethodDelete, "/security/pin/"+url.PathEscape(deviceID), nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if c.baseURL == "" {
		return &ConnectivityError{Op: op, Err: ErrNotConfigured}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Remote call failed",
			zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return &ConnectivityError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		c.logger.Debug("Remote call returned error status",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode))
		return classify(op, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ConnectivityError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
