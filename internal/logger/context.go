package logger

import "context"

type contextKey string

const ProviderIDKey contextKey = "provider_id"
const SessionIDKey contextKey = "session_id"

func WithProviderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ProviderIDKey, id)
}

func GetProviderID(ctx context.Context) string {
	if id, ok := ctx.Value(ProviderIDKey).(string); ok {
		return id
	}
	return ""
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// Attrs returns the identifiers carried by ctx as slog key/value pairs.
func Attrs(ctx context.Context) []any {
	var attrs []any
	if id := GetProviderID(ctx); id != "" {
		attrs = append(attrs, "provider_id", id)
	}
	if id := GetSessionID(ctx); id != "" {
		attrs = append(attrs, "session_id", id)
	}
	return attrs
}
