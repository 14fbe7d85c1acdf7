package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/runit/internal/controlplane"
)

// Record is one completed registration.
type Record struct {
	SessionID   string
	AccessToken string
}

// Client is the slice of the control plane the registrar needs.
type Client interface {
	Register(ctx context.Context, payload []byte) (controlplane.Registration, error)
}

// Registrar creates session records. The payload is built once and every
// call to Register sends the same bytes.
type Registrar struct {
	client  Client
	payload []byte
}

func NewRegistrar(client Client, snapshot Snapshot) (*Registrar, error) {
	payload, err := BuildPayload(snapshot)
	if err != nil {
		return nil, err
	}
	return &Registrar{
		client:  client,
		payload: payload,
	}, nil
}

// Register performs a single registration attempt. Failures wrap
// ErrUnreachable or ErrRemoteRejected; retry policy belongs to the caller.
func (r *Registrar) Register(ctx context.Context) (Record, error) {
	reg, err := r.client.Register(ctx, r.payload)
	if err != nil {
		return Record{}, err
	}
	return Record{SessionID: reg.SessionID, AccessToken: reg.AccessToken}, nil
}

// Payload returns a copy of the registration body.
func (r *Registrar) Payload() []byte {
	out := make([]byte, len(r.payload))
	copy(out, r.payload)
	return out
}

// Registerer is satisfied by *Registrar.
type Registerer interface {
	Register(ctx context.Context) (Record, error)
}

// RegisterUntilSuccess retries Register at a fixed interval until it succeeds
// or ctx is done. Attempts already in flight are not cancelled by ctx; they
// end on the client's own timeout.
func RegisterUntilSuccess(ctx context.Context, r Registerer, backoff time.Duration, onAttempt func(error)) (Record, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		attempt++
		rec, err := r.Register(context.WithoutCancel(ctx))
		if onAttempt != nil {
			onAttempt(err)
		}
		if err == nil {
			slog.Info("Session registered", "component", "registrar", "session_id", rec.SessionID, "attempt", attempt)
			return rec, nil
		}

		slog.Warn("Session registration failed, retrying", "component", "registrar", "attempt", attempt, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Record{}, ctx.Err()
		case <-timer.C:
		}
	}
}
