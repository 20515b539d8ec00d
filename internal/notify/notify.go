package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"golang.org/x/time/rate"
)

// ErrThrottled is returned when an alert is dropped by the rate limiter.
var ErrThrottled = errors.New("alert throttled")

// LogNotifier writes alerts to slog.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, alert core.Alert) error {
	level := slog.LevelInfo
	switch alert.Severity {
	case core.SeverityWarning:
		level = slog.LevelWarn
	case core.SeverityCritical:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "Alert: "+alert.Title, "message", alert.Message, "schedule_id", alert.ScheduleID, "severity", alert.Severity)
	return nil
}

// WebhookNotifier posts alerts as JSON to a fixed URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert core.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []core.Notifier

func (m Multi) Notify(ctx context.Context, alert core.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled drops alerts above perMinute. Critical alerts always pass.
type Throttled struct {
	next    core.Notifier
	limiter *rate.Limiter
	dropped atomic.Int64
}

func NewThrottled(next core.Notifier, perMinute int) *Throttled {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (t *Throttled) Notify(ctx context.Context, alert core.Alert) error {
	if alert.Severity != core.SeverityCritical && !t.limiter.Allow() {
		t.dropped.Add(1)
		slog.DebugContext(ctx, "Alert throttled", "title", alert.Title, "schedule_id", alert.ScheduleID)
		return ErrThrottled
	}
	return t.next.Notify(ctx, alert)
}

func (t *Throttled) Dropped() int64 {
	return t.dropped.Load()
}

// New builds the notifier chain from settings: always log, optionally post to webhookURL.
func New(webhookURL string, perMinute int) core.Notifier {
	chain := Multi{LogNotifier{}}
	if webhookURL != "" {
		chain = append(chain, NewWebhookNotifier(webhookURL))
	}
	return NewThrottled(chain, perMinute)
}
