package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"
)

const (
	sessionPath   = "/provider/session"
	heartbeatPath = "/provider/heartbeat"

	maxErrorBodyBytes = 512
)

// Status is the lock state of a session as reported by the control plane.
type Status string

const (
	StatusReady  Status = "READY"
	StatusLocked Status = "LOCKED"
)

// Ack classifies a heartbeat response.
type Ack int

const (
	AckOther Ack = iota
	AckOK
	AckNotFound
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "ok"
	case AckNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Registration is the control plane's answer to a session registration.
type Registration struct {
	SessionID   string `json:"sessionId"`
	AccessToken string `json:"accessToken"`
}

type heartbeatRequest struct {
	SessionID string `json:"sessionId"`
}

type statusResponse struct {
	Status Status `json:"status"`
}

// Client talks to the marketplace control plane. Every call is bounded by the
// http.Client timeout regardless of the caller's context.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   strings.TrimSpace(token),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Register posts a pre-encoded registration payload. The body is sent as-is so
// re-registration can resend identical bytes.
func (c *Client) Register(ctx context.Context, payload []byte) (Registration, error) {
	resp, err := c.do(ctx, http.MethodPost, sessionPath, payload)
	if err != nil {
		return Registration{}, err
	}
	defer resp.Body.Close()

	if err := MapHTTPStatus(resp.StatusCode); err != nil {
		return Registration{}, fmt.Errorf("register session: %s: %w", readErrorBody(resp.Body), err)
	}

	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return Registration{}, runitErrors.Unreachable(fmt.Sprintf("decode registration: %v", err))
	}
	if strings.TrimSpace(reg.SessionID) == "" {
		return Registration{}, runitErrors.RemoteRejected("registration response has no sessionId")
	}
	return reg, nil
}

// Heartbeat pings the control plane for sessionID. Transport failures return
// AckOther along with the error.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) (Ack, error) {
	body, err := json.Marshal(heartbeatRequest{SessionID: sessionID})
	if err != nil {
		return AckOther, runitErrors.Internal(fmt.Sprintf("encode heartbeat: %v", err))
	}

	resp, err := c.do(ctx, http.MethodPost, heartbeatPath, body)
	if err != nil {
		return AckOther, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	switch resp.StatusCode {
	case http.StatusOK:
		return AckOK, nil
	case http.StatusNotFound:
		return AckNotFound, nil
	default:
		return AckOther, nil
	}
}

// SessionStatus returns the lock status of sessionID.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, sessionPath+"/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session status: %s: %w", readErrorBody(resp.Body), statusError(resp.StatusCode))
	}

	var payload statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", runitErrors.Unreachable(fmt.Sprintf("decode session status: %v", err))
	}
	switch payload.Status {
	case StatusReady, StatusLocked:
		return payload.Status, nil
	default:
		return "", runitErrors.RemoteRejected(fmt.Sprintf("unknown session status %q", payload.Status))
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, runitErrors.InvalidInput(fmt.Sprintf("build request %s %s: %v", method, path, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, runitErrors.Unreachable(fmt.Sprintf("%s %s: %v", method, path, err))
	}
	return resp, nil
}

// MapHTTPStatus classifies a registration response code. 2xx is success;
// 404 and 5xx are treated as the control plane being unavailable.
func MapHTTPStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code >= 500:
		return runitErrors.Unreachable(fmt.Sprintf("status %d", code))
	default:
		return runitErrors.RemoteRejected(fmt.Sprintf("status %d", code))
	}
}

func statusError(code int) error {
	if code == http.StatusNotFound {
		return runitErrors.NotFound(fmt.Sprintf("status %d", code))
	}
	if err := MapHTTPStatus(code); err != nil {
		return err
	}
	return runitErrors.RemoteRejected(fmt.Sprintf("status %d", code))
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "empty body"
	}
	return text
}
