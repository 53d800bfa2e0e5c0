// Package notify is the engine-facing notification boundary. Template
// rendering and transport live behind the Notifier interface; the engines
// only pick a template and supply its arguments.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"signet.org/internal/obs"
)

// Template names the engines send with.
const (
	TemplateAuthorizationRequest   = "authorization_request"
	TemplateAuthorizationForwarded = "authorization_forwarded"
	TemplateAuthorizationApproved  = "authorization_approved"
	TemplateAuthorizationDenied    = "authorization_denied"
	TemplateAuthorizationRevoked   = "authorization_revoked"
	TemplateOfficerAssigned        = "officer_assigned"
	TemplateOfficerReleased        = "officer_released"
)

var ErrSendFailed = errors.New("notify: send failed")

// Notifier delivers one templated notification. A non-nil error must roll
// back the workflow transition that triggered it.
type Notifier interface {
	Send(ctx context.Context, template, to string, args map[string]any) error
}

// LogNotifier emits notifications as JSON log lines. It stands in for the
// mail transport in development and tests, and throttles sends so a
// recalculation storm cannot flood the sink.
type LogNotifier struct {
	limiter *rate.Limiter
}

// NewLogNotifier builds a throttled log-backed notifier.
func NewLogNotifier(perSecond rate.Limit, burst int) *LogNotifier {
	if burst < 1 {
		burst = 1
	}
	return &LogNotifier{limiter: rate.NewLimiter(perSecond, burst)}
}

func (n *LogNotifier) Send(ctx context.Context, template, to string, args map[string]any) error {
	template = strings.TrimSpace(template)
	to = strings.TrimSpace(to)
	if template == "" || to == "" {
		return errors.New("notify: template and recipient are required")
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	obs.LogEvent(map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"type":       "notification",
		"message_id": uuid.NewString(),
		"template":   template,
		"to":         to,
		"args":       args,
	})
	return nil
}
