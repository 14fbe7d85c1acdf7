package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnreachableIsTransient(t *testing.T) {
	err := Unreachable("register session")
	assert.True(t, IsCategory(err, ErrUnreachable))
	assert.True(t, IsCategory(err, ErrTransient))
	assert.True(t, IsRetryable(err))
}

func TestRemoteRejectedNotRetryable(t *testing.T) {
	err := RemoteRejected("status 400")
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "ErrRemoteRejected", NewDefaultErrorMapper().Category(err))
}

func TestWrapWithCategoryKeepsCause(t *testing.T) {
	cause := errors.New("image pull failed")
	err := FatalStartup(cause, "provision resource")

	assert.ErrorIs(t, err, ErrFatalStartup)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "provision resource")
}

func TestMapError(t *testing.T) {
	m := NewDefaultErrorMapper()

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrUnreachable},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrUnreachable},
		{"no such container", errors.New("No such container: abc"), ErrNotFound},
		{"already exists", errors.New("volume already exists"), ErrConflict},
		{"other", errors.New("boom"), ErrInternal},
		{"already classified", RemoteRejected("status 400"), ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, m.MapError(tt.in), tt.want)
		})
	}

	assert.Nil(t, m.MapError(nil))
	assert.ErrorIs(t, m.MapError(context.Canceled), context.Canceled)
}

func TestCategory(t *testing.T) {
	m := NewDefaultErrorMapper()
	assert.Equal(t, "ErrUnreachable", m.Category(fmt.Errorf("x: %w", ErrUnreachable)))
	assert.Equal(t, "ErrTransient", m.Category(Transient("retry")))
	assert.Equal(t, "ErrSessionLost", m.Category(SessionLost("session S1")))
	assert.Equal(t, "ErrResourceCrash", m.Category(ResourceCrash("container c-1")))
	assert.Equal(t, "Unknown", m.Category(errors.New("plain")))
	assert.Equal(t, "", m.Category(nil))
	assert.False(t, IsRetryable(context.Canceled))
}
