package notification

import (
	"context"
	"log/slog"
	"sync"

	"github.com/liamcoop/programrules/metadata"
)

// Publisher delivers notifications. Delivery transport lives behind it.
type Publisher interface {
	// SendProgramRuleTriggeredNotifications notifies about an enrollment
	// after enrollment-level evaluation.
	SendProgramRuleTriggeredNotifications(ctx context.Context, template *metadata.NotificationTemplate, enrollment *metadata.Enrollment) error

	// SendProgramRuleTriggeredEventNotifications notifies about an event
	// after event-level evaluation, whether or not it is enrolled.
	SendProgramRuleTriggeredEventNotifications(ctx context.Context, template *metadata.NotificationTemplate, event *metadata.Event) error
}

// Delivery is one notification handed to a LogPublisher.
type Delivery struct {
	TemplateUID string `json:"templateUid"`
	TargetUID   string `json:"targetUid"`
	Subject     string `json:"subject,omitempty"`
	Message     string `json:"message,omitempty"`
}

// LogPublisher writes every delivery to the log and remembers it.
type LogPublisher struct {
	logger     *slog.Logger
	mu         sync.Mutex
	deliveries []Delivery
}

// NewLogPublisher creates a publisher that only logs. A nil logger falls back to slog.Default().
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) SendProgramRuleTriggeredNotifications(ctx context.Context, template *metadata.NotificationTemplate, enrollment *metadata.Enrollment) error {
	p.record(ctx, template, enrollment.UID)
	return nil
}

func (p *LogPublisher) SendProgramRuleTriggeredEventNotifications(ctx context.Context, template *metadata.NotificationTemplate, event *metadata.Event) error {
	p.record(ctx, template, event.UID)
	return nil
}

func (p *LogPublisher) record(ctx context.Context, template *metadata.NotificationTemplate, targetUID string) {
	d := Delivery{
		TemplateUID: template.UID,
		TargetUID:   targetUID,
		Subject:     template.Subject,
		Message:     template.Message,
	}

	p.mu.Lock()
	p.deliveries = append(p.deliveries, d)
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "notification delivered",
		"template", d.TemplateUID,
		"target", d.TargetUID,
		"subject", d.Subject)
}

// Deliveries returns a copy of everything published so far.
func (p *LogPublisher) Deliveries() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.deliveries...)
}
