package effect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/programrules/internal/metrics"
	"github.com/liamcoop/programrules/metadata"
	"github.com/liamcoop/programrules/notification"
	"github.com/liamcoop/programrules/rules"
)

// ErrAlreadyScheduled is returned by ScheduleMessage.Validate when a
// non-repeatable template was already scheduled for the target.
var ErrAlreadyScheduled = errors.New("notification already scheduled")

// notifier holds what both message implementers share: template lookup and
// the deduplication gate.
type notifier struct {
	templates notification.TemplateService
	logging   *notification.LoggingService
	logger    *slog.Logger
}

// template returns nil without error when the template does not exist.
func (n notifier) template(ctx context.Context, eff rules.RuleEffect, action string) (*metadata.NotificationTemplate, error) {
	tmpl, err := n.templates.NotificationTemplate(ctx, eff.Action.TemplateUID)
	if errors.Is(err, metadata.ErrNotFound) {
		n.logger.DebugContext(ctx, "notification template not found",
			"rule", eff.RuleUID, "template", eff.Action.TemplateUID)
		metrics.Notifications.WithLabelValues(action, metrics.ResultMissingTemplate).Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notification template %s: %w", eff.Action.TemplateUID, err)
	}
	return tmpl, nil
}

// claim decides whether a notification for tmpl may go out to target. The
// grant is nil when it may not.
func (n notifier) claim(ctx context.Context, eff rules.RuleEffect, tmpl *metadata.NotificationTemplate, target *Target) (bool, *grant, error) {
	entry := notification.LogEntry{
		TemplateUID:   tmpl.UID,
		TargetUID:     target.UID(),
		AllowMultiple: tmpl.SendRepeatable,
		TriggeredBy:   string(target.Trigger()),
	}
	claimed, existing, err := n.logging.Claim(ctx, entry)
	if err != nil {
		return false, nil, err
	}
	if claimed {
		return true, &grant{logging: n.logging, key: notification.Key(entry.TemplateUID, entry.TargetUID)}, nil
	}
	if existing.AllowMultiple {
		return true, &grant{logging: n.logging, key: existing.Key, repeat: existing}, nil
	}
	n.logger.DebugContext(ctx, "notification already sent",
		"rule", eff.RuleUID, "template", tmpl.UID, "target", entry.TargetUID)
	return false, nil, nil
}

// grant is a permitted send. repeat is set when the log already held a
// repeatable entry for the key. Callers commit after the notification went
// out and undo when it did not.
type grant struct {
	logging *notification.LoggingService
	key     string
	repeat  *notification.LogEntry
}

// commit refreshes the last-sent time of a repeatable entry. A fresh
// claim already carries it.
func (g *grant) commit(ctx context.Context) error {
	if g.repeat == nil {
		return nil
	}
	entry := *g.repeat
	entry.LastSentAt = time.Time{}
	return g.logging.Save(ctx, entry)
}

// undo releases a fresh claim after a failed send and joins any release
// failure onto cause.
func (g *grant) undo(ctx context.Context, cause error) error {
	if g.repeat != nil {
		return cause
	}
	if err := g.logging.Release(ctx, g.key); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// SendMessage publishes a template right away, at most once per target
// unless the template is repeatable.
type SendMessage struct {
	notifier
	publisher notification.Publisher
}

func NewSendMessage(templates notification.TemplateService, logging *notification.LoggingService, publisher notification.Publisher, logger *slog.Logger) *SendMessage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendMessage{
		notifier:  notifier{templates: templates, logging: logging, logger: logger},
		publisher: publisher,
	}
}

func (s *SendMessage) Accept(kind rules.ActionKind) bool {
	return kind == rules.ActionSendMessage
}

func (s *SendMessage) Implement(ctx context.Context, eff rules.RuleEffect, target *Target) error {
	const action = "send"

	tmpl, err := s.template(ctx, eff, action)
	if err != nil || tmpl == nil {
		return err
	}

	ok, granted, err := s.claim(ctx, eff, tmpl, target)
	if err != nil {
		metrics.Notifications.WithLabelValues(action, metrics.ResultFailed).Inc()
		return err
	}
	if !ok {
		metrics.Notifications.WithLabelValues(action, metrics.ResultDuplicate).Inc()
		return nil
	}

	if err := s.publish(ctx, tmpl, target); err != nil {
		metrics.Notifications.WithLabelValues(action, metrics.ResultFailed).Inc()
		return granted.undo(ctx, err)
	}
	if err := granted.commit(ctx); err != nil {
		return err
	}

	metrics.Notifications.WithLabelValues(action, metrics.ResultSent).Inc()
	s.logger.InfoContext(ctx, "program rule notification sent",
		"rule", eff.RuleUID, "template", tmpl.UID, "target", target.UID(), "trigger", target.Trigger())
	return nil
}

// publish uses the event notification for every event-level target, with
// or without an enrollment.
func (s *SendMessage) publish(ctx context.Context, tmpl *metadata.NotificationTemplate, target *Target) error {
	var err error
	if target.Event != nil {
		err = s.publisher.SendProgramRuleTriggeredEventNotifications(ctx, tmpl, target.Event)
	} else {
		err = s.publisher.SendProgramRuleTriggeredNotifications(ctx, tmpl, target.Enrollment)
	}
	if err != nil {
		return fmt.Errorf("failed to publish notification %s: %w", tmpl.UID, err)
	}
	return nil
}

// ScheduleMessage creates a notification instance for the date carried in
// the effect data instead of sending right away.
type ScheduleMessage struct {
	notifier
	instances notification.InstanceStore
	now       func() time.Time
}

func NewScheduleMessage(templates notification.TemplateService, logging *notification.LoggingService, instances notification.InstanceStore, logger *slog.Logger) *ScheduleMessage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleMessage{
		notifier:  notifier{templates: templates, logging: logging, logger: logger},
		instances: instances,
		now:       time.Now,
	}
}

func (s *ScheduleMessage) Accept(kind rules.ActionKind) bool {
	return kind == rules.ActionScheduleMessage
}

// Validate reports ErrAlreadyScheduled when the log already holds a
// non-repeatable entry for the effect's template and target. Implement
// checks it first; the claim still decides concurrent schedules.
func (s *ScheduleMessage) Validate(ctx context.Context, eff rules.RuleEffect, target *Target) error {
	entry, err := s.logging.Get(ctx, notification.Key(eff.Action.TemplateUID, target.UID()))
	if errors.Is(err, notification.ErrLogEntryNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !entry.AllowMultiple {
		return fmt.Errorf("template %s for %s: %w", eff.Action.TemplateUID, target.UID(), ErrAlreadyScheduled)
	}
	return nil
}

func (s *ScheduleMessage) Implement(ctx context.Context, eff rules.RuleEffect, target *Target) error {
	const action = "schedule"

	tmpl, err := s.template(ctx, eff, action)
	if err != nil || tmpl == nil {
		return err
	}

	scheduledAt, err := rules.ParseDate(eff.Data)
	if err != nil {
		s.logger.WarnContext(ctx, "skipping notification with invalid schedule date",
			"rule", eff.RuleUID, "template", tmpl.UID, "data", eff.Data)
		metrics.Notifications.WithLabelValues(action, metrics.ResultFailed).Inc()
		return nil
	}

	if err := s.Validate(ctx, eff, target); err != nil {
		if errors.Is(err, ErrAlreadyScheduled) {
			s.logger.DebugContext(ctx, "notification already scheduled",
				"rule", eff.RuleUID, "template", tmpl.UID, "target", target.UID())
			metrics.Notifications.WithLabelValues(action, metrics.ResultDuplicate).Inc()
			return nil
		}
		metrics.Notifications.WithLabelValues(action, metrics.ResultFailed).Inc()
		return err
	}

	ok, granted, err := s.claim(ctx, eff, tmpl, target)
	if err != nil {
		metrics.Notifications.WithLabelValues(action, metrics.ResultFailed).Inc()
		return err
	}
	if !ok {
		metrics.Notifications.WithLabelValues(action, metrics.ResultDuplicate).Inc()
		return nil
	}

	instance := notification.Instance{
		UID:         uuid.NewString(),
		TemplateUID: tmpl.UID,
		ScheduledAt: scheduledAt,
		CreatedAt:   s.now().UTC(),
	}
	if target.Enrollment != nil {
		instance.EnrollmentUID = target.Enrollment.UID
	}
	if target.Event != nil {
		instance.EventUID = target.Event.UID
	}

	if err := s.instances.Create(ctx, instance); err != nil {
		metrics.Notifications.WithLabelValues(action, metrics.ResultFailed).Inc()
		return granted.undo(ctx, fmt.Errorf("failed to schedule notification %s: %w", tmpl.UID, err))
	}
	if err := granted.commit(ctx); err != nil {
		return err
	}

	metrics.Notifications.WithLabelValues(action, metrics.ResultScheduled).Inc()
	s.logger.InfoContext(ctx, "program rule notification scheduled",
		"rule", eff.RuleUID, "template", tmpl.UID, "target", target.UID(),
		"scheduled_at", scheduledAt.Format(time.DateOnly))
	return nil
}
