// Package wppconnect bridges a device-session WhatsApp running behind an
// external WPPConnect server. The bridge owns the browser session; this
// client only drives it over HTTP.
package wppconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
)

// Session states reported by the bridge.
const (
	StatusStarting     = "STARTING"
	StatusQRCode       = "CAPTURAR QR-CODE"
	StatusWaitingLogin = "WAITING_LOGIN"
	StatusLoggedInWait = "LOGGEDINWAIT"
	StatusLoggedIn     = "LOGGEDIN"
)

// Channel is the device-session WhatsApp surface.
type Channel struct {
	cfg    config.WPPConnectConfig
	client *http.Client
}

// New builds the bridge client.
func New(cfg config.WPPConnectConfig) *Channel {
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return "wppconnect" }

// SessionStatus is the bridge's view of the device session.
type SessionStatus struct {
	Connected  bool   `json:"connected"`
	Status     string `json:"status"`
	QRCode     string `json:"qr,omitempty"` // base64 PNG while pairing
	LastUpdate string `json:"lastUpdate,omitempty"`
}

// Description renders the user-facing pairing hint for a status.
func (s SessionStatus) Description() string {
	switch s.Status {
	case StatusLoggedIn:
		return "WhatsApp conectado com sucesso! ✓"
	case StatusQRCode:
		return "Capture o QR-Code abaixo para conectar seu aparelho."
	case StatusStarting, StatusWaitingLogin, StatusLoggedInWait:
		return "Carregando... Por favor aguarde."
	default:
		return "QR Code não disponível. Por favor, tente novamente."
	}
}

// Status fetches the session state from the bridge.
func (c *Channel) Status(ctx context.Context) (SessionStatus, error) {
	var raw struct {
		Status     string `json:"status"`
		QRCode     string `json:"qr_code"`
		LastUpdate string `json:"last_update"`
	}
	path := fmt.Sprintf("/api/%s/status-session", url.PathEscape(c.cfg.Session))
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return SessionStatus{}, err
	}
	if raw.Status == "" {
		raw.Status = StatusStarting
	}
	return SessionStatus{
		Connected:  raw.Status == StatusLoggedIn,
		Status:     raw.Status,
		QRCode:     raw.QRCode,
		LastUpdate: raw.LastUpdate,
	}, nil
}

// QR returns the current pairing QR code. Empty once logged in.
func (c *Channel) QR(ctx context.Context) (SessionStatus, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return SessionStatus{}, err
	}
	if status.Status != StatusQRCode {
		status.QRCode = ""
	}
	return status, nil
}

// Restart clears the bridge session and forces a new pairing.
func (c *Channel) Restart(ctx context.Context) error {
	path := fmt.Sprintf("/api/%s/restart-session", url.PathEscape(c.cfg.Session))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Send delivers a text message through the paired device. The bridge does
// not report message ids, so the returned id is empty.
func (c *Channel) Send(ctx context.Context, recipient, text string) (string, error) {
	body := map[string]any{
		"phone":   recipient,
		"message": text,
	}
	path := fmt.Sprintf("/api/%s/send-message", url.PathEscape(c.cfg.Session))
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return "", err
	}
	return "", nil
}

func (c *Channel) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wppconnect: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("wppconnect: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.Unavailable, "whatsapp bridge unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errdefs.Wrap(errdefs.Unavailable, "whatsapp bridge unavailable",
			fmt.Errorf("wppconnect: status %d: %s", resp.StatusCode, respBody))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
