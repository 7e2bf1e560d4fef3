// Package effect applies rule effects to the enrollment or event they were
// evaluated against.
package effect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/liamcoop/programrules/internal/metrics"
	"github.com/liamcoop/programrules/metadata"
	"github.com/liamcoop/programrules/rules"
)

// Implementer applies effects of the action kinds it accepts.
type Implementer interface {
	Accept(kind rules.ActionKind) bool
	Implement(ctx context.Context, effect rules.RuleEffect, target *Target) error
}

// Trigger describes what an evaluation ran against.
type Trigger string

const (
	TriggerEnrollment   Trigger = "ENROLLMENT"
	TriggerProgramStage Trigger = "PROGRAM_STAGE"
	TriggerProgramEvent Trigger = "PROGRAM_EVENT"
)

// Annotation is a field state or message produced by a non-I/O action.
type Annotation struct {
	RuleUID string           `json:"rule"`
	Kind    rules.ActionKind `json:"-"`
	Action  string           `json:"action"`
	Field   string           `json:"field,omitempty"`
	Content string           `json:"content,omitempty"`
	Data    string           `json:"data,omitempty"`
}

// Target is the enrollment and/or event effects are applied to. Event is
// nil for enrollment-level evaluation; Enrollment is nil for events of
// programs without registration.
type Target struct {
	Enrollment  *metadata.Enrollment
	Event       *metadata.Event
	annotations []Annotation
}

// Trigger reports the evaluation level of t.
func (t *Target) Trigger() Trigger {
	switch {
	case t.Event == nil:
		return TriggerEnrollment
	case t.Enrollment == nil:
		return TriggerProgramEvent
	default:
		return TriggerProgramStage
	}
}

// UID is the UID notification keys are built from: the enrollment when
// there is one, otherwise the event.
func (t *Target) UID() string {
	if t.Enrollment != nil {
		return t.Enrollment.UID
	}
	if t.Event != nil {
		return t.Event.UID
	}
	return ""
}

// Annotate records an annotation on the target.
func (t *Target) Annotate(a Annotation) {
	a.Action = a.Kind.String()
	t.annotations = append(t.annotations, a)
}

// Annotations returns the recorded annotations in application order.
func (t *Target) Annotations() []Annotation {
	return append([]Annotation(nil), t.annotations...)
}

// Fields returns the fields annotated with one of kinds, without duplicates.
func (t *Target) Fields(kinds ...rules.ActionKind) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range t.annotations {
		if a.Field == "" || seen[a.Field] {
			continue
		}
		for _, k := range kinds {
			if a.Kind == k {
				seen[a.Field] = true
				out = append(out, a.Field)
				break
			}
		}
	}
	return out
}

// Dispatcher routes each effect to the first implementer accepting its kind.
type Dispatcher struct {
	table  map[rules.ActionKind]Implementer
	logger *slog.Logger
}

// NewDispatcher builds the dispatch table from implementers in order.
func NewDispatcher(logger *slog.Logger, implementers ...Implementer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[rules.ActionKind]Implementer)
	for _, kind := range rules.AllActionKinds() {
		for _, impl := range implementers {
			if impl.Accept(kind) {
				table[kind] = impl
				break
			}
		}
	}
	return &Dispatcher{table: table, logger: logger}
}

// Handles reports whether some implementer accepts kind.
func (d *Dispatcher) Handles(kind rules.ActionKind) bool {
	_, ok := d.table[kind]
	return ok
}

// Dispatch applies effects in order. Effects nobody accepts are dropped.
// Failures do not stop later effects; all of them are returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []rules.RuleEffect, target *Target) error {
	var errs []error
	for _, eff := range effects {
		action := eff.Action.Kind.String()
		impl, ok := d.table[eff.Action.Kind]
		if !ok {
			d.logger.DebugContext(ctx, "dropping effect without implementer",
				"rule", eff.RuleUID, "action_type", string(eff.Action.Type))
			metrics.Effects.WithLabelValues(action, "dropped").Inc()
			continue
		}

		if err := impl.Implement(ctx, eff, target); err != nil {
			metrics.Effects.WithLabelValues(action, "failed").Inc()
			errs = append(errs, fmt.Errorf("rule %s action %s: %w", eff.RuleUID, eff.Action.UID, err))
			continue
		}
		metrics.Effects.WithLabelValues(action, "applied").Inc()
	}
	return errors.Join(errs...)
}
