package rules

import (
	"fmt"
	"strings"

	"github.com/liamcoop/programrules/metadata"
)

// Describer renders conditions with display names in place of placeholders
// and reports whether they compile. It never evaluates against data.
type Describer struct {
	engine *Engine
}

// NewDescriber creates a describer that validates through engine's CEL environment.
func NewDescriber(engine *Engine) *Describer {
	return &Describer{engine: engine}
}

// Describe returns the human-readable form of condition. Lexical problems
// produce a *ParseError in Err; unknown placeholders and CEL errors produce
// a plain error. Valid is true only when the condition compiles.
func (d *Describer) Describe(condition string, variables []RuleVariable, constants []metadata.Constant) ValidationResult {
	tokens, err := lex(condition)
	if err != nil {
		return ValidationResult{Valid: false, Err: err}
	}
	if len(tokens) == 0 {
		return ValidationResult{Valid: false, Err: &ParseError{Pos: 0, Msg: "empty expression"}}
	}

	names := make(map[string]string, len(variables))
	for _, v := range variables {
		names[v.Name] = v.DisplayName
	}
	constantNames := make(map[string]string, len(constants))
	for _, c := range constants {
		constantNames[c.UID] = c.Name
	}

	description, err := render(tokens, names, constantNames)
	if err != nil {
		return ValidationResult{Description: description, Valid: false, Err: err}
	}

	if _, err := d.engine.Compile(condition); err != nil {
		return ValidationResult{Description: description, Valid: false, Err: err}
	}
	return ValidationResult{Description: description, Valid: true}
}

// render joins tokens with single spaces around binary operators and after
// commas. The first unknown placeholder is reported after rendering finishes.
func render(tokens []token, variables, constants map[string]string) (string, error) {
	var b strings.Builder
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for i, t := range tokens {
		switch t.kind {
		case tokVariable:
			name, ok := variables[t.value]
			if !ok {
				fail(fmt.Errorf("unknown variable %q", t.value))
				name = t.text
			}
			b.WriteString(name)
		case tokConstant:
			name, ok := constants[t.value]
			if !ok {
				fail(fmt.Errorf("unknown constant %q", t.value))
				name = t.text
			}
			b.WriteString(name)
		case tokEnvVariable:
			if !envVariables[t.value] {
				fail(fmt.Errorf("unknown environment variable %q", t.value))
			}
			b.WriteString(t.value)
		case tokAnd, tokOr:
			b.WriteString(" " + t.text + " ")
		case tokOperator:
			if t.value == "-" && isUnaryPosition(tokens, i) {
				b.WriteString("-")
				continue
			}
			b.WriteString(" " + t.text + " ")
		case tokNot:
			if t.text == "not" {
				b.WriteString("not ")
				continue
			}
			b.WriteString("!")
		case tokComma:
			b.WriteString(", ")
		default:
			b.WriteString(t.text)
		}
	}
	return strings.TrimSpace(b.String()), firstErr
}

// isUnaryPosition reports whether the token at i starts an operand rather
// than following one.
func isUnaryPosition(tokens []token, i int) bool {
	if i == 0 {
		return true
	}
	switch tokens[i-1].kind {
	case tokOperator, tokAnd, tokOr, tokNot, tokLParen, tokComma:
		return true
	}
	return false
}
