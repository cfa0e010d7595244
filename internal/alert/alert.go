// Package alert delivers user-visible alerts raised by the health monitor and
// recovery coordinator.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ShayCichocki/steward/internal/metrics"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single notification.
type Alert struct {
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation,omitempty"`
	Source         string    `json:"source,omitempty"`
	At             time.Time `json:"at"`
}

// Sink receives alerts.
type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Alert) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogSink writes alerts to a zap logger at a level matching the severity.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alert")}
}

// Notify logs the alert.
func (s *LogSink) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("title", a.Title),
		zap.String("description", a.Description),
		zap.String("recommendation", a.Recommendation),
		zap.String("source", a.Source),
	}
	switch a.Severity {
	case SeverityCritical:
		s.logger.Error("alert", fields...)
	case SeverityWarning:
		s.logger.Warn("alert", fields...)
	default:
		s.logger.Info("alert", fields...)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink publishes alerts as JSON to a subject, suffixed with the severity
// (e.g. steward.alerts.critical) so subscribers can filter with wildcards.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a NATSSink.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// Notify publishes the alert.
func (s *NATSSink) Notify(_ context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.pub.Publish(s.subject+"."+string(a.Severity), data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// ErrRateLimited is returned when an alert is dropped by the limiter.
var ErrRateLimited = errors.New("alert rate limited")

// Limited wraps a sink with a token bucket. Critical alerts are never dropped.
type Limited struct {
	name    string
	next    Sink
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// NewLimited allows perMinute non-critical alerts per minute with a burst of the same size.
func NewLimited(name string, next Sink, perMinute int, m *metrics.Metrics) *Limited {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Limited{
		name:    name,
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		metrics: m,
	}
}

// Notify forwards the alert unless the limiter rejects it.
func (l *Limited) Notify(ctx context.Context, a Alert) error {
	if a.Severity != SeverityCritical && !l.limiter.Allow() {
		l.metrics.AlertDelivered(l.name, "dropped")
		return ErrRateLimited
	}
	if err := l.next.Notify(ctx, a); err != nil {
		l.metrics.AlertDelivered(l.name, "error")
		return err
	}
	l.metrics.AlertDelivered(l.name, "sent")
	return nil
}

// Fanout delivers to every sink and joins the errors.
type Fanout []Sink

// Notify calls every sink.
func (f Fanout) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
