package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"socoto.app/internal/auth"
	"socoto.app/internal/obs"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier for audit entries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestID returns the identifier set by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes an audit entry enriched with the request id and the
// authenticated account, if any. Sensitive values must not be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	data := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestID(ctx); rid != "" {
		data["request_id"] = rid
	}
	if id := auth.AccountIDFromContext(ctx); id != "" {
		data["account_id"] = id
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	data["fields"] = copied

	obs.Logger().WithFields(data).Info("audit")
	return nil
}
