// Package notification delivers strategy alerts (signal fires, square-offs,
// session failures) to external channels.
package notification

import (
	"context"
	"log"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	Level    Level  `json:"level"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Strategy string `json:"strategy,omitempty"`
	Session  string `json:"session,omitempty"`
}

// Notifier is the delivery backend interface.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts; the development default.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Fanout delivers each alert to every backend; failures are logged and do
// not block the others.
type Fanout struct {
	backends []Notifier
}

func NewFanout(backends ...Notifier) *Fanout {
	return &Fanout{backends: backends}
}

func (f *Fanout) Send(ctx context.Context, alert Alert) error {
	for _, b := range f.backends {
		if err := b.Send(ctx, alert); err != nil {
			log.Printf("[notify] backend delivery failed: %v", err)
		}
	}
	return nil
}

// SessionNotifier adapts a Notifier to the graph engine's alert hook,
// stamping the session identity onto every alert. Delivery is
// asynchronous: the session loop never blocks on a webhook.
type SessionNotifier struct {
	backend  Notifier
	strategy string
	session  string
}

func ForSession(backend Notifier, strategy, session string) *SessionNotifier {
	return &SessionNotifier{backend: backend, strategy: strategy, session: session}
}

// Notify implements graph.Notifier.
func (s *SessionNotifier) Notify(ctx context.Context, subject, body string) {
	alert := Alert{
		Level:    LevelInfo,
		Title:    subject,
		Message:  body,
		Strategy: s.strategy,
		Session:  s.session,
	}
	go func() {
		if err := s.backend.Send(context.WithoutCancel(ctx), alert); err != nil {
			log.Printf("[notify] alert delivery failed session=%s: %v", s.session, err)
		}
	}()
}
