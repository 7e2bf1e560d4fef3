package effect

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/liamcoop/programrules/rules"
)

// ValueWriter persists assigned values. The metadata stores implement it.
type ValueWriter interface {
	SaveEventDataValue(ctx context.Context, eventUID, dataElementUID, value string) error
	SaveAttributeValue(ctx context.Context, enrollmentUID, attributeUID, value string) error
}

// Assign writes effect data into the action's data element or attribute.
// Last writer wins; the notification log is never consulted.
type Assign struct {
	writer ValueWriter
	logger *slog.Logger
}

// NewAssign creates the implementer. A nil writer only updates the target in memory.
func NewAssign(writer ValueWriter, logger *slog.Logger) *Assign {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assign{writer: writer, logger: logger}
}

func (a *Assign) Accept(kind rules.ActionKind) bool {
	return kind == rules.ActionAssign
}

func (a *Assign) Implement(ctx context.Context, eff rules.RuleEffect, target *Target) error {
	action := eff.Action
	switch {
	case action.DataElementUID != "" && target.Event != nil:
		if target.Event.DataValues == nil {
			target.Event.DataValues = make(map[string]string)
		}
		target.Event.DataValues[action.DataElementUID] = eff.Data
		if a.writer != nil {
			if err := a.writer.SaveEventDataValue(ctx, target.Event.UID, action.DataElementUID, eff.Data); err != nil {
				return fmt.Errorf("failed to assign data element %s: %w", action.DataElementUID, err)
			}
		}
		target.Annotate(Annotation{RuleUID: eff.RuleUID, Kind: action.Kind, Field: action.DataElementUID, Data: eff.Data})

	case action.AttributeUID != "" && target.Enrollment != nil:
		if target.Enrollment.Attributes == nil {
			target.Enrollment.Attributes = make(map[string]string)
		}
		target.Enrollment.Attributes[action.AttributeUID] = eff.Data
		if a.writer != nil {
			if err := a.writer.SaveAttributeValue(ctx, target.Enrollment.UID, action.AttributeUID, eff.Data); err != nil {
				return fmt.Errorf("failed to assign attribute %s: %w", action.AttributeUID, err)
			}
		}
		target.Annotate(Annotation{RuleUID: eff.RuleUID, Kind: action.Kind, Field: action.AttributeUID, Data: eff.Data})

	default:
		// Calculated-value assignments only live for the evaluation pass.
		a.logger.DebugContext(ctx, "assign without a writable field",
			"rule", eff.RuleUID, "content", action.Content,
			"data_element", action.DataElementUID, "attribute", action.AttributeUID)
	}
	return nil
}

// FieldState records annotations for display-only action kinds:
// mandatory and hidden fields, warnings, errors and display texts.
type FieldState struct {
	kinds []rules.ActionKind
}

// NewFieldState accepts the given kinds.
func NewFieldState(kinds ...rules.ActionKind) *FieldState {
	return &FieldState{kinds: kinds}
}

// NewSetMandatoryField marks fields as mandatory.
func NewSetMandatoryField() *FieldState { return NewFieldState(rules.ActionSetMandatoryField) }

// NewHideField marks fields as hidden.
func NewHideField() *FieldState { return NewFieldState(rules.ActionHideField) }

// NewWarning records warnings, including warnings on completion.
func NewWarning() *FieldState {
	return NewFieldState(rules.ActionShowWarning, rules.ActionWarningOnComplete)
}

// NewError records errors, including errors on completion.
func NewError() *FieldState {
	return NewFieldState(rules.ActionShowError, rules.ActionErrorOnComplete)
}

// NewDisplay records texts and key/value pairs for display widgets.
func NewDisplay() *FieldState {
	return NewFieldState(rules.ActionDisplayText, rules.ActionDisplayKeyValuePair)
}

func (f *FieldState) Accept(kind rules.ActionKind) bool {
	return slices.Contains(f.kinds, kind)
}

func (f *FieldState) Implement(_ context.Context, eff rules.RuleEffect, target *Target) error {
	field := eff.Action.DataElementUID
	if field == "" {
		field = eff.Action.AttributeUID
	}
	target.Annotate(Annotation{
		RuleUID: eff.RuleUID,
		Kind:    eff.Action.Kind,
		Field:   field,
		Content: eff.Action.Content,
		Data:    eff.Data,
	})
	return nil
}
