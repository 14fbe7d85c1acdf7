package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSendsPayloadVerbatim(t *testing.T) {
	payload := []byte(`{"providerId":"p-1","publicUrl":"https://a.trycloudflare.com"}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/provider/session", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, payload, body)

		_, _ = io.WriteString(w, `{"sessionId":"s-1","accessToken":"tok"}`)
	}))
	defer server.Close()

	client := New(server.URL+"/", "secret", time.Second)
	reg, err := client.Register(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "s-1", reg.SessionID)
	assert.Equal(t, "tok", reg.AccessToken)
}

func TestRegisterOmitsAuthorizationWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"sessionId":"s-1","accessToken":"tok"}`)
	}))
	defer server.Close()

	_, err := New(server.URL, "", time.Second).Register(context.Background(), []byte(`{}`))
	require.NoError(t, err)
}

func TestRegisterErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"server error", http.StatusBadGateway, runitErrors.ErrUnreachable},
		{"not found", http.StatusNotFound, runitErrors.ErrUnreachable},
		{"bad request", http.StatusBadRequest, runitErrors.ErrRemoteRejected},
		{"unauthorized", http.StatusUnauthorized, runitErrors.ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer server.Close()

			_, err := New(server.URL, "", time.Second).Register(context.Background(), []byte(`{}`))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegisterTransportErrorIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(url, "", time.Second).Register(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, runitErrors.ErrUnreachable)
	assert.True(t, runitErrors.IsRetryable(err))
}

func TestRegisterRejectsEmptySessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"accessToken":"tok"}`)
	}))
	defer server.Close()

	_, err := New(server.URL, "", time.Second).Register(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, runitErrors.ErrRemoteRejected)
}

func TestHeartbeatAcks(t *testing.T) {
	tests := []struct {
		code int
		want Ack
	}{
		{http.StatusOK, AckOK},
		{http.StatusNotFound, AckNotFound},
		{http.StatusInternalServerError, AckOther},
		{http.StatusForbidden, AckOther},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/provider/heartbeat", r.URL.Path)
				var body map[string]string
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "s-9", body["sessionId"])
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			ack, err := New(server.URL, "", time.Second).Heartbeat(context.Background(), "s-9")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ack)
		})
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ack, err := New(server.URL, "", 50*time.Millisecond).Heartbeat(context.Background(), "s-1")
	require.Error(t, err)
	assert.Equal(t, AckOther, ack)
	assert.ErrorIs(t, err, runitErrors.ErrUnreachable)
}

func TestSessionStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/provider/session/locked":
			_, _ = io.WriteString(w, `{"status":"LOCKED"}`)
		case "/provider/session/ready":
			_, _ = io.WriteString(w, `{"status":"READY"}`)
		case "/provider/session/weird":
			_, _ = io.WriteString(w, `{"status":"SLEEPING"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "", time.Second)

	status, err := client.SessionStatus(context.Background(), "locked")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, status)

	status, err = client.SessionStatus(context.Background(), "ready")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)

	_, err = client.SessionStatus(context.Background(), "weird")
	assert.ErrorIs(t, err, runitErrors.ErrRemoteRejected)

	_, err = client.SessionStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, runitErrors.ErrNotFound)
}

func TestMapHTTPStatus(t *testing.T) {
	assert.NoError(t, MapHTTPStatus(http.StatusCreated))
	assert.ErrorIs(t, MapHTTPStatus(http.StatusServiceUnavailable), runitErrors.ErrUnreachable)
	assert.ErrorIs(t, MapHTTPStatus(http.StatusNotFound), runitErrors.ErrUnreachable)
	assert.ErrorIs(t, MapHTTPStatus(http.StatusConflict), runitErrors.ErrRemoteRejected)
}
