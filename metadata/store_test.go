package metadata

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFixtureFile(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, LoadFixtureFile("testdata/fixture.yaml", store))
	ctx := context.Background()

	rules, err := store.ProgramRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "R1", rules[0].UID)

	vars, err := store.ProgramRuleVariables(ctx, "eBAyeGv0exc")
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "Diagnosis", vars[0].DataElement.Name)

	enrollment, err := store.Enrollment(ctx, "EN1")
	require.NoError(t, err)
	assert.Equal(t, "170", enrollment.Attributes["cejWyOfXge6"])
	assert.Equal(t, 2024, enrollment.EnrolledAt.Year())

	members, err := store.OrgUnitGroupMembers(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, []string{"DiszpKrYNg8"}, members)
}

func TestDecodeFixture_RejectsUnknownFields(t *testing.T) {
	_, err := DecodeFixture(strings.NewReader("programs: []\nprogramRules: []\n"))
	assert.Error(t, err)
}

func TestInMemoryStore_RulesAndSubscribers(t *testing.T) {
	store := NewInMemoryStore()
	notified := 0
	store.Subscribe(func() { notified++ })

	rule := ProgramRule{
		UID: "R1", Name: "r", Condition: "true", ProgramUID: "P1",
		Actions: []ProgramRuleAction{{UID: "A1", Type: ActionShowWarning}},
	}
	require.NoError(t, store.AddProgramRule(rule))
	assert.Error(t, store.AddProgramRule(rule), "duplicate UID")

	rule.Condition = "false"
	require.NoError(t, store.UpdateProgramRule(rule))
	require.NoError(t, store.DeleteProgramRule("R1"))
	assert.ErrorIs(t, store.DeleteProgramRule("R1"), ErrNotFound)

	assert.Equal(t, 3, notified)
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	store.AddEnrollment(Enrollment{UID: "EN1", Attributes: map[string]string{"A": "1"}})
	ctx := context.Background()

	first, err := store.Enrollment(ctx, "EN1")
	require.NoError(t, err)
	first.Attributes["A"] = "changed"

	second, err := store.Enrollment(ctx, "EN1")
	require.NoError(t, err)
	assert.Equal(t, "1", second.Attributes["A"])
}

func TestInMemoryStore_CurrentUser(t *testing.T) {
	store := NewInMemoryStore()
	store.AddUser(User{UID: "U1", Username: "admin", Roles: []string{"ROLE1"}})

	user, err := store.CurrentUser(WithUser(context.Background(), "U1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ROLE1"}, user.Roles)

	_, err = store.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateVariableName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"height", false},
		{"Weight at birth", false},
		{"apgar-score.1", false},
		{"", true},
		{" padded", true},
		{"true", true},
		{"D2", true},
		{"a{b}", true},
		{strings.Repeat("x", 231), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVariableName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateProgramRule(t *testing.T) {
	valid := ProgramRule{UID: "R1", Condition: "true", ProgramUID: "P1",
		Actions: []ProgramRuleAction{{Type: ActionShowWarning}}}
	require.NoError(t, ValidateProgramRule(valid))

	noCondition := valid
	noCondition.Condition = "  "
	assert.Error(t, ValidateProgramRule(noCondition))

	noActions := valid
	noActions.Actions = nil
	assert.Error(t, ValidateProgramRule(noActions))

	noProgram := valid
	noProgram.ProgramUID = ""
	assert.Error(t, ValidateProgramRule(noProgram))

	untyped := valid
	untyped.Actions = []ProgramRuleAction{{UID: "A1", Type: ActionSendMessage}, {UID: "A2"}}
	assert.NoError(t, ValidateProgramRule(untyped), "untyped actions are dropped at dispatch, not here")
}
