// Package notify delivers exit lifecycle alerts to operator channels.
// Delivery is best effort and always off the trading path: a dead channel
// can never delay or fail an exit.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Event types published by the risk engine.
const (
	EventPositionExited = "position_exited"
	EventExitFailed     = "exit_failed"
	EventBreakerOpen    = "breaker_open"
	EventReconcile      = "reconcile_repair"
)

// titles maps event types to the channel message title.
var titles = map[string]string{
	EventPositionExited: "Position Exited",
	EventExitFailed:     "Exit Failed",
	EventBreakerOpen:    "Broker Circuit Open",
	EventReconcile:      "State Repaired",
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every configured sender, filtered by event
// type. An empty event list allows everything.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only events named in
// events pass the filter; an empty list disables filtering.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Publish delivers an event asynchronously. It returns immediately; failures
// surface only in logs. This is the hook handed to the exit executor.
func (n *Notifier) Publish(event, text string) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.allowed) > 0 && !n.allowed[event] {
		return
	}

	title, ok := titles[event]
	if !ok {
		title = event
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		n.deliver(ctx, title, text)
	}()
}

// Notify delivers synchronously, honouring the event filter. Used where the
// caller wants the combined delivery error, e.g. the startup smoke message.
func (n *Notifier) Notify(ctx context.Context, event, text string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		return nil
	}
	title, ok := titles[event]
	if !ok {
		title = event
	}
	return n.deliver(ctx, title, text)
}

// deliver sends to every channel; one failing sender never blocks the rest.
func (n *Notifier) deliver(ctx context.Context, title, text string) error {
	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, text); err != nil {
			n.logger.Warn("notification delivery failed",
				slog.String("sender", s.Name()),
				slog.String("title", title),
				slog.String("error", err.Error()),
			)
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(failed, "; "))
	}
	return nil
}
