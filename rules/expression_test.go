package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "data element placeholder", input: "#{age} >= 18", want: `vars["age"] >= 18.0`},
		{name: "attribute placeholder", input: "A{Attr}=='x'", want: `vars["Attr"] == "x"`},
		{name: "environment variable", input: "V{event_count} > 0", want: `sysvars["event_count"] > 0.0`},
		{name: "constant", input: "C{c1} * 2.5", want: `constants["c1"] * 2.5`},
		{name: "word operators", input: "true and not false or false", want: `true && ! false || false`},
		{name: "symbol operators", input: "true&&!false||false", want: `true && ! false || false`},
		{name: "double quoted string", input: `#{a} == "it's"`, want: `vars["a"] == "it's"`},
		{name: "escaped quote", input: `#{a} == 'it\'s'`, want: `vars["a"] == "it's"`},
		{name: "leading dot number", input: ".5 < 1.", want: `0.5 < 1.0`},
		{name: "date literal", input: "2018-04-17", want: `"2018-04-17"`},
		{name: "has value", input: "d2:hasValue(#{a})", want: `("a" in present)`},
		{name: "has value by name", input: "d2:hasValue('a')", want: `("a" in present)`},
		{name: "org unit group", input: "d2:inOrgUnitGroup('G1')", want: `("G1" in supplementary && orgunit in supplementary["G1"])`},
		{name: "user role", input: "d2:hasUserRole('R1')", want: `("USER" in supplementary && "R1" in supplementary["USER"])`},
		{name: "library function", input: "d2:floor(#{a})", want: `d2_floor ( vars["a"] )`},
		{name: "spaced variable name", input: "#{first name} != ''", want: `vars["first name"] != ""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := lex(tt.input)
			require.NoError(t, err)

			got, err := translate(tokens)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLex_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		pos   int
	}{
		{name: "unterminated placeholder", input: "1 == #{a", pos: 5},
		{name: "empty placeholder", input: "#{ }", pos: 0},
		{name: "unterminated string", input: "'abc", pos: 0},
		{name: "single equals", input: "#{a} = 1", pos: 5},
		{name: "unknown identifier", input: "foo", pos: 0},
		{name: "unknown function", input: "d2:unknown(1)", pos: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lex(tt.input)

			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "expected *ParseError, got %v", err)
			assert.Equal(t, tt.pos, parseErr.Pos)
		})
	}
}

func TestTranslate_SpecialFunctionArity(t *testing.T) {
	tests := []string{
		"d2:hasValue()",
		"d2:hasValue(#{a}, #{b})",
		"d2:inOrgUnitGroup(#{a})",
		"d2:hasUserRole(1)",
	}

	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			tokens, err := lex(input)
			require.NoError(t, err)

			_, err = translate(tokens)

			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr))
		})
	}
}

func TestAssignTarget(t *testing.T) {
	name, ok := assignTarget("#{bmi}")
	assert.True(t, ok)
	assert.Equal(t, "bmi", name)

	name, ok = assignTarget(" A{weight} ")
	assert.True(t, ok)
	assert.Equal(t, "weight", name)

	_, ok = assignTarget("DE_UID")
	assert.False(t, ok)

	_, ok = assignTarget("#{a} + 1")
	assert.False(t, ok)
}
