package effect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/programrules/metadata"
	"github.com/liamcoop/programrules/rules"
)

type recordingImplementer struct {
	kinds []rules.ActionKind
	seen  []string
	err   error
}

func (r *recordingImplementer) Accept(kind rules.ActionKind) bool {
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *recordingImplementer) Implement(_ context.Context, eff rules.RuleEffect, _ *Target) error {
	r.seen = append(r.seen, eff.RuleUID)
	return r.err
}

func effectOf(ruleUID string, kind rules.ActionKind) rules.RuleEffect {
	return rules.RuleEffect{RuleUID: ruleUID, Action: rules.RuleAction{UID: "A-" + ruleUID, Kind: kind}}
}

func TestTarget_Trigger(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		trigger Trigger
		uid     string
	}{
		{"enrollment", Target{Enrollment: &metadata.Enrollment{UID: "EN1"}}, TriggerEnrollment, "EN1"},
		{"tracker event", Target{Enrollment: &metadata.Enrollment{UID: "EN1"}, Event: &metadata.Event{UID: "EV1"}}, TriggerProgramStage, "EN1"},
		{"program event", Target{Event: &metadata.Event{UID: "EV1"}}, TriggerProgramEvent, "EV1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.trigger, tt.target.Trigger())
			assert.Equal(t, tt.uid, tt.target.UID())
		})
	}
}

func TestDispatcher(t *testing.T) {
	t.Run("first accepting implementer wins", func(t *testing.T) {
		first := &recordingImplementer{kinds: []rules.ActionKind{rules.ActionShowWarning}}
		second := &recordingImplementer{kinds: []rules.ActionKind{rules.ActionShowWarning, rules.ActionShowError}}
		d := NewDispatcher(nil, first, second)

		err := d.Dispatch(context.Background(), []rules.RuleEffect{
			effectOf("R1", rules.ActionShowWarning),
			effectOf("R2", rules.ActionShowError),
		}, &Target{})

		require.NoError(t, err)
		assert.Equal(t, []string{"R1"}, first.seen)
		assert.Equal(t, []string{"R2"}, second.seen)
	})

	t.Run("unhandled and unknown kinds are dropped", func(t *testing.T) {
		impl := &recordingImplementer{kinds: []rules.ActionKind{rules.ActionShowWarning}}
		d := NewDispatcher(nil, impl)

		err := d.Dispatch(context.Background(), []rules.RuleEffect{
			effectOf("R1", rules.ActionUnknown),
			effectOf("R2", rules.ActionHideField),
			effectOf("R3", rules.ActionShowWarning),
		}, &Target{})

		require.NoError(t, err)
		assert.Equal(t, []string{"R3"}, impl.seen)
		assert.False(t, d.Handles(rules.ActionUnknown))
		assert.False(t, d.Handles(rules.ActionHideField))
	})

	t.Run("failures are joined and do not stop later effects", func(t *testing.T) {
		boom := errors.New("boom")
		failing := &recordingImplementer{kinds: []rules.ActionKind{rules.ActionSendMessage}, err: boom}
		ok := &recordingImplementer{kinds: []rules.ActionKind{rules.ActionShowError}}
		d := NewDispatcher(nil, failing, ok)

		err := d.Dispatch(context.Background(), []rules.RuleEffect{
			effectOf("R1", rules.ActionSendMessage),
			effectOf("R2", rules.ActionShowError),
		}, &Target{})

		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "rule R1")
		assert.Equal(t, []string{"R2"}, ok.seen)
	})

	t.Run("standard implementers cover every kind", func(t *testing.T) {
		d := NewDispatcher(nil, Standard(Dependencies{})...)
		for _, kind := range rules.AllActionKinds() {
			assert.True(t, d.Handles(kind), kind.String())
		}
	})
}

func TestAssign(t *testing.T) {
	ctx := context.Background()

	t.Run("writes event data values through the writer", func(t *testing.T) {
		// Arrange
		store := metadata.NewInMemoryStore()
		store.AddEvent(metadata.Event{UID: "EV1", ProgramUID: "P1"})
		target := &Target{Event: &metadata.Event{UID: "EV1", ProgramUID: "P1"}}
		eff := rules.RuleEffect{RuleUID: "R1", Data: "42",
			Action: rules.RuleAction{Kind: rules.ActionAssign, DataElementUID: "DE1"}}

		// Act
		err := NewAssign(store, nil).Implement(ctx, eff, target)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "42", target.Event.DataValues["DE1"])
		stored, err := store.Event(ctx, "EV1")
		require.NoError(t, err)
		assert.Equal(t, "42", stored.DataValues["DE1"])
	})

	t.Run("writes enrollment attributes and last writer wins", func(t *testing.T) {
		target := enrollmentTarget()
		assign := NewAssign(nil, nil)
		for _, v := range []string{"a", "b"} {
			eff := rules.RuleEffect{RuleUID: "R1", Data: v,
				Action: rules.RuleAction{Kind: rules.ActionAssign, AttributeUID: "AT1"}}
			require.NoError(t, assign.Implement(ctx, eff, target))
		}

		assert.Equal(t, "b", target.Enrollment.Attributes["AT1"])
	})

	t.Run("writer failures propagate", func(t *testing.T) {
		store := metadata.NewInMemoryStore()
		target := &Target{Event: &metadata.Event{UID: "MISSING"}}
		eff := rules.RuleEffect{Data: "1", Action: rules.RuleAction{Kind: rules.ActionAssign, DataElementUID: "DE1"}}

		err := NewAssign(store, nil).Implement(ctx, eff, target)

		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("calculated value assignment touches nothing", func(t *testing.T) {
		target := enrollmentTarget()
		eff := rules.RuleEffect{Data: "1", Action: rules.RuleAction{Kind: rules.ActionAssign, Content: "#{calc}"}}

		require.NoError(t, NewAssign(nil, nil).Implement(ctx, eff, target))

		assert.Empty(t, target.Enrollment.Attributes)
		assert.Empty(t, target.Annotations())
	})
}

func TestFieldState(t *testing.T) {
	target := &Target{Event: &metadata.Event{UID: "EV1"}}
	d := NewDispatcher(nil, NewSetMandatoryField(), NewHideField(), NewWarning(), NewError(), NewDisplay())

	err := d.Dispatch(context.Background(), []rules.RuleEffect{
		{RuleUID: "R1", Action: rules.RuleAction{Kind: rules.ActionSetMandatoryField, DataElementUID: "DE1"}},
		{RuleUID: "R2", Action: rules.RuleAction{Kind: rules.ActionHideField, AttributeUID: "AT1"}},
		{RuleUID: "R3", Action: rules.RuleAction{Kind: rules.ActionWarningOnComplete, Content: "check weight"}, Data: "12"},
		{RuleUID: "R4", Action: rules.RuleAction{Kind: rules.ActionSetMandatoryField, DataElementUID: "DE1"}},
	}, target)

	require.NoError(t, err)
	assert.Equal(t, []string{"DE1"}, target.Fields(rules.ActionSetMandatoryField))
	assert.Equal(t, []string{"AT1"}, target.Fields(rules.ActionHideField))

	annotations := target.Annotations()
	require.Len(t, annotations, 4)
	assert.Equal(t, "WARNINGONCOMPLETE", annotations[2].Action)
	assert.Equal(t, "check weight", annotations[2].Content)
	assert.Equal(t, "12", annotations[2].Data)
}
