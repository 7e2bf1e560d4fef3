package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/programrules/metadata"
)

func TestMapper_ToRules(t *testing.T) {
	// Arrange
	mapper := NewMapper(nil)
	priority := 3
	programRules := []metadata.ProgramRule{
		{
			UID:             "R1",
			Name:            "Complete",
			Condition:       "#{a} > 1",
			Priority:        &priority,
			ProgramUID:      "P1",
			ProgramStageUID: "S1",
			Actions: []metadata.ProgramRuleAction{
				{UID: "A1", Type: metadata.ActionSendMessage, TemplateUID: "T1"},
				{UID: "A2", Type: "FUTURE_ACTION"},
			},
		},
		{UID: "empty-condition", Condition: "  ", ProgramUID: "P1", Actions: []metadata.ProgramRuleAction{{UID: "A3", Type: metadata.ActionShowWarning}}},
		{UID: "no-actions", Condition: "true", ProgramUID: "P1"},
		{UID: "R2", Condition: "true", ProgramUID: "P2", Actions: []metadata.ProgramRuleAction{{UID: "A4", Type: metadata.ActionAssign, Content: "#{x}", Data: "1"}}},
	}

	// Act
	mapped := mapper.ToRules(programRules)

	// Assert
	require.Len(t, mapped, 2)
	assert.Equal(t, "R1", mapped[0].UID)
	assert.Equal(t, "S1", mapped[0].ProgramStageUID)
	require.NotNil(t, mapped[0].Priority)
	assert.Equal(t, 3, *mapped[0].Priority)
	assert.Equal(t, ActionSendMessage, mapped[0].Actions[0].Kind)
	assert.Equal(t, "T1", mapped[0].Actions[0].TemplateUID)
	assert.Equal(t, ActionUnknown, mapped[0].Actions[1].Kind)
	assert.Equal(t, "R2", mapped[1].UID)
	assert.Nil(t, mapped[1].Priority)
	assert.Equal(t, ActionAssign, mapped[1].Actions[0].Kind)

	priority = 99
	assert.Equal(t, 3, *mapped[0].Priority, "mapped rules do not share the persisted priority")
}

func TestMapper_ToRules_KeepsRuleWithUntypedAction(t *testing.T) {
	mapped := NewMapper(nil).ToRules([]metadata.ProgramRule{{
		UID: "R1", Condition: "true", ProgramUID: "P1",
		Actions: []metadata.ProgramRuleAction{
			{UID: "A1", Type: metadata.ActionSendMessage, TemplateUID: "T1"},
			{UID: "A2"},
		},
	}})

	require.Len(t, mapped, 1)
	require.Len(t, mapped[0].Actions, 2)
	assert.Equal(t, ActionSendMessage, mapped[0].Actions[0].Kind)
	assert.Equal(t, ActionUnknown, mapped[0].Actions[1].Kind)
}

func TestMapper_ToRuleVariables(t *testing.T) {
	mapper := NewMapper(nil)
	variables := []metadata.ProgramRuleVariable{
		{
			UID:         "V1",
			Name:        "weight",
			ProgramUID:  "P1",
			SourceType:  metadata.SourceDataElementCurrentEvent,
			DataElement: &metadata.DataElement{UID: "DE1", Name: "Weight (kg)", ValueType: metadata.ValueTypeNumber},
		},
		{
			UID:        "V2",
			Name:       "Var",
			ProgramUID: "P1",
			SourceType: metadata.SourceTrackedEntityAttribute,
			Attribute:  &metadata.TrackedEntityAttribute{UID: "ATTR1", Name: "Height", ValueType: metadata.ValueTypeInteger},
		},
		{UID: "V3", Name: "score", ProgramUID: "P1", SourceType: metadata.SourceCalculatedValue, ValueType: metadata.ValueTypeNumber},
		{UID: "V4", Name: "note", ProgramUID: "P1", SourceType: metadata.SourceCalculatedValue},
		{UID: "V5", Name: "and", ProgramUID: "P1", SourceType: metadata.SourceCalculatedValue},
		{UID: "V6", Name: "bad{name}", ProgramUID: "P1", SourceType: metadata.SourceCalculatedValue},
		{UID: "V7", Name: "other", ProgramUID: "P2", SourceType: metadata.SourceCalculatedValue},
	}

	t.Run("filters by program and name", func(t *testing.T) {
		mapped := mapper.ToRuleVariables(variables, "P1")

		require.Len(t, mapped, 4)
		assert.Equal(t, RuleVariable{
			Name:           "weight",
			DisplayName:    "Weight (kg)",
			ProgramUID:     "P1",
			SourceType:     metadata.SourceDataElementCurrentEvent,
			DataElementUID: "DE1",
			ValueType:      metadata.ValueTypeNumber,
		}, mapped[0])
		assert.Equal(t, "Height", mapped[1].DisplayName)
		assert.Equal(t, "ATTR1", mapped[1].AttributeUID)
		assert.Equal(t, metadata.ValueTypeInteger, mapped[1].ValueType)
		assert.Equal(t, "score", mapped[2].DisplayName)
		assert.Equal(t, metadata.ValueTypeText, mapped[3].ValueType)
	})

	t.Run("unnamed fields keep the variable name", func(t *testing.T) {
		unnamed := []metadata.ProgramRuleVariable{
			{UID: "V8", Name: "age", ProgramUID: "P3", SourceType: metadata.SourceTrackedEntityAttribute,
				Attribute: &metadata.TrackedEntityAttribute{UID: "ATTR2", ValueType: metadata.ValueTypeNumber}},
			{UID: "V9", Name: "diagnosis", ProgramUID: "P3", SourceType: metadata.SourceDataElementCurrentEvent,
				DataElement: &metadata.DataElement{UID: "DE2"}},
		}

		mapped := mapper.ToRuleVariables(unnamed, "P3")

		require.Len(t, mapped, 2)
		assert.Equal(t, "age", mapped[0].DisplayName)
		assert.Equal(t, "ATTR2", mapped[0].AttributeUID)
		assert.Equal(t, "diagnosis", mapped[1].DisplayName)

		engine, err := NewEngine(nil)
		require.NoError(t, err)
		result := NewDescriber(engine).Describe("A{age} > 5 and #{diagnosis} == 'x'", mapped, nil)
		require.True(t, result.Valid, "%v", result.Err)
		assert.Equal(t, "age > 5 and diagnosis == 'x'", result.Description)
	})

	t.Run("empty program keeps all programs", func(t *testing.T) {
		mapped := mapper.ToRuleVariables(variables, "")

		assert.Len(t, mapped, 5)
	})
}

func TestMapper_BuildSnapshot(t *testing.T) {
	store := metadata.NewInMemoryStore()
	require.NoError(t, store.AddProgramRule(metadata.ProgramRule{
		UID: "R1", Condition: "true", ProgramUID: "P1",
		Actions: []metadata.ProgramRuleAction{{UID: "A1", Type: metadata.ActionDisplayText}},
	}))
	require.NoError(t, store.AddProgramRule(metadata.ProgramRule{UID: "R2", Condition: "", ProgramUID: "P2",
		Actions: []metadata.ProgramRuleAction{{UID: "A2", Type: metadata.ActionDisplayText}}}))
	require.NoError(t, store.AddProgramRuleVariable(metadata.ProgramRuleVariable{UID: "V1", Name: "x", ProgramUID: "P1", SourceType: metadata.SourceCalculatedValue}))
	require.NoError(t, store.AddProgramRuleVariable(metadata.ProgramRuleVariable{UID: "V2", Name: "y", ProgramUID: "P2", SourceType: metadata.SourceCalculatedValue}))
	store.AddConstant(metadata.Constant{UID: "C1", Name: "Pi", Value: 3.14})

	snapshot, err := NewMapper(nil).BuildSnapshot(context.Background(), store)

	require.NoError(t, err)
	require.Len(t, snapshot.Rules, 1)
	assert.Equal(t, "R1", snapshot.Rules[0].UID)
	assert.Len(t, snapshot.Variables["P1"], 1)
	assert.NotContains(t, snapshot.Variables, "P2", "programs without usable rules are not loaded")
	assert.Equal(t, []metadata.Constant{{UID: "C1", Name: "Pi", Value: 3.14}}, snapshot.Constants)
}

func TestParseActionKind(t *testing.T) {
	for _, kind := range AllActionKinds() {
		assert.Equal(t, kind, ParseActionKind(metadata.ActionType(kind.String())))
	}
	assert.Equal(t, ActionUnknown, ParseActionKind("NOT_A_TYPE"))
	assert.Equal(t, "UNKNOWN", ActionUnknown.String())
}
