package rules

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokVariable    tokenKind = iota // #{name} or A{name}
	tokEnvVariable                  // V{name}
	tokConstant                     // C{uid}
	tokString
	tokDate
	tokNumber
	tokBool
	tokFunction // d2:name
	tokAnd
	tokOr
	tokNot
	tokOperator
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind  tokenKind
	text  string // source text
	value string // placeholder name, unquoted string, function name or operator
	pos   int
}

// ParseError reports a lexical problem in a condition or data expression.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Msg)
}

// envVariables are the names accepted inside V{...}.
var envVariables = map[string]bool{
	"current_date":     true,
	"event_date":       true,
	"enrollment_date":  true,
	"incident_date":    true,
	"event_count":      true,
	"enrollment_id":    true,
	"event_id":         true,
	"org_unit":         true,
	"program_stage_id": true,
	"program_id":       true,
}

// d2Functions are the d2: functions accepted by the lexer. The first three
// are rewritten inline; the rest map onto the d2_ CEL library.
var d2Functions = map[string]bool{
	"hasValue":       true,
	"inOrgUnitGroup": true,
	"hasUserRole":    true,
	"daysBetween":    true,
	"yearsBetween":   true,
	"addDays":        true,
	"floor":          true,
	"ceil":           true,
	"round":          true,
	"length":         true,
	"left":           true,
	"right":          true,
	"zing":           true,
	"oizp":           true,
	"concatenate":    true,
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case (c == '#' || c == 'A' || c == 'V' || c == 'C') && i+1 < len(input) && input[i+1] == '{':
			end := strings.IndexByte(input[i+2:], '}')
			if end < 0 {
				return nil, &ParseError{Pos: i, Msg: "unterminated placeholder"}
			}
			name := input[i+2 : i+2+end]
			if strings.TrimSpace(name) == "" {
				return nil, &ParseError{Pos: i, Msg: "empty placeholder"}
			}
			kind := tokVariable
			switch c {
			case 'V':
				kind = tokEnvVariable
			case 'C':
				kind = tokConstant
			}
			next := i + 3 + end
			tokens = append(tokens, token{kind: kind, text: input[i:next], value: name, pos: i})
			i = next

		case c == '\'' || c == '"':
			value, next, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: input[i:next], value: value, pos: i})
			i = next

		case isDigit(c) || (c == '.' && i+1 < len(input) && isDigit(input[i+1])):
			if isDateLiteral(input[i:]) {
				tokens = append(tokens, token{kind: tokDate, text: input[i : i+10], value: input[i : i+10], pos: i})
				i += 10
				continue
			}
			start := i
			for i < len(input) && isDigit(input[i]) {
				i++
			}
			if i < len(input) && input[i] == '.' {
				i++
				for i < len(input) && isDigit(input[i]) {
					i++
				}
			}
			tokens = append(tokens, token{kind: tokNumber, text: input[start:i], value: input[start:i], pos: start})

		case isLetter(c):
			start := i
			for i < len(input) && (isLetter(input[i]) || isDigit(input[i])) {
				i++
			}
			word := input[start:i]
			if word == "d2" && i < len(input) && input[i] == ':' {
				i++
				nameStart := i
				for i < len(input) && (isLetter(input[i]) || isDigit(input[i])) {
					i++
				}
				name := input[nameStart:i]
				if !d2Functions[name] {
					return nil, &ParseError{Pos: start, Msg: fmt.Sprintf("unknown function d2:%s", name)}
				}
				tokens = append(tokens, token{kind: tokFunction, text: input[start:i], value: name, pos: start})
				continue
			}
			tok := token{text: word, value: word, pos: start}
			switch word {
			case "true", "false":
				tok.kind = tokBool
			case "and":
				tok.kind, tok.value = tokAnd, "&&"
			case "or":
				tok.kind, tok.value = tokOr, "||"
			case "not":
				tok.kind, tok.value = tokNot, "!"
			default:
				return nil, &ParseError{Pos: start, Msg: fmt.Sprintf("unexpected identifier %q", word)}
			}
			tokens = append(tokens, tok)

		default:
			tok, err := lexOperator(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i += len(tok.text)
		}
	}
	return tokens, nil
}

func lexOperator(input string, i int) (token, error) {
	if i+1 < len(input) {
		switch two := input[i : i+2]; two {
		case "&&":
			return token{kind: tokAnd, text: two, value: two, pos: i}, nil
		case "||":
			return token{kind: tokOr, text: two, value: two, pos: i}, nil
		case "==", "!=", "<=", ">=":
			return token{kind: tokOperator, text: two, value: two, pos: i}, nil
		}
	}
	one := input[i : i+1]
	switch one {
	case "!":
		return token{kind: tokNot, text: one, value: one, pos: i}, nil
	case "<", ">", "+", "-", "*", "/", "%":
		return token{kind: tokOperator, text: one, value: one, pos: i}, nil
	case "(":
		return token{kind: tokLParen, text: one, value: one, pos: i}, nil
	case ")":
		return token{kind: tokRParen, text: one, value: one, pos: i}, nil
	case ",":
		return token{kind: tokComma, text: one, value: one, pos: i}, nil
	}
	return token{}, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", one)}
}

func lexString(input string, start int) (string, int, error) {
	quote := input[start]
	var b strings.Builder
	for i := start + 1; i < len(input); i++ {
		c := input[i]
		switch {
		case c == '\\' && i+1 < len(input):
			i++
			switch input[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(input[i])
			}
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, &ParseError{Pos: start, Msg: "unterminated string literal"}
}

// isDateLiteral reports whether s starts with an unquoted yyyy-MM-dd date.
func isDateLiteral(s string) bool {
	if len(s) < 10 {
		return false
	}
	for i := 0; i < 10; i++ {
		if i == 4 || i == 7 {
			if s[i] != '-' {
				return false
			}
			continue
		}
		if !isDigit(s[i]) {
			return false
		}
	}
	return len(s) == 10 || !isDigit(s[10])
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

// translate rewrites a token stream into CEL source over the activation
// built by the engine (vars, present, sysvars, constants, orgunit, supplementary).
func translate(tokens []token) (string, error) {
	parts := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		switch t.kind {
		case tokVariable:
			parts = append(parts, "vars["+strconv.Quote(t.value)+"]")
		case tokEnvVariable:
			parts = append(parts, "sysvars["+strconv.Quote(t.value)+"]")
		case tokConstant:
			parts = append(parts, "constants["+strconv.Quote(t.value)+"]")
		case tokString, tokDate:
			parts = append(parts, strconv.Quote(t.value))
		case tokNumber:
			parts = append(parts, celDouble(t.value))
		case tokFunction:
			rewritten, next, err := translateFunction(tokens, i)
			if err != nil {
				return "", err
			}
			parts = append(parts, rewritten)
			i = next
		default:
			parts = append(parts, t.value)
		}
	}
	return strings.Join(parts, " "), nil
}

func translateFunction(tokens []token, i int) (string, int, error) {
	fn := tokens[i]
	switch fn.value {
	case "hasValue":
		arg, next, err := singleArgument(tokens, i, tokVariable, tokString)
		if err != nil {
			return "", 0, err
		}
		return "(" + strconv.Quote(arg.value) + " in present)", next, nil
	case "inOrgUnitGroup":
		arg, next, err := singleArgument(tokens, i, tokString)
		if err != nil {
			return "", 0, err
		}
		group := strconv.Quote(arg.value)
		return "(" + group + " in supplementary && orgunit in supplementary[" + group + "])", next, nil
	case "hasUserRole":
		arg, next, err := singleArgument(tokens, i, tokString)
		if err != nil {
			return "", 0, err
		}
		user := strconv.Quote(SupplementaryDataUserKey)
		return "(" + user + " in supplementary && " + strconv.Quote(arg.value) + " in supplementary[" + user + "])", next, nil
	}
	return "d2_" + fn.value, i, nil
}

// singleArgument matches fn ( arg ) starting at tokens[i] and returns the
// argument and the index of the closing parenthesis.
func singleArgument(tokens []token, i int, kinds ...tokenKind) (token, int, error) {
	fn := tokens[i]
	if i+3 >= len(tokens) || tokens[i+1].kind != tokLParen || tokens[i+3].kind != tokRParen {
		return token{}, 0, &ParseError{Pos: fn.pos, Msg: fmt.Sprintf("%s expects exactly one argument", fn.text)}
	}
	arg := tokens[i+2]
	for _, k := range kinds {
		if arg.kind == k {
			return arg, i + 3, nil
		}
	}
	return token{}, 0, &ParseError{Pos: arg.pos, Msg: fmt.Sprintf("unsupported argument %s for %s", arg.text, fn.text)}
}

func celDouble(number string) string {
	switch {
	case strings.HasPrefix(number, "."):
		number = "0" + number
	case strings.HasSuffix(number, "."):
		return number + "0"
	}
	if !strings.Contains(number, ".") {
		return number + ".0"
	}
	return number
}

// assignTarget returns the variable named by an ASSIGN action's content
// (#{name} or A{name}), if any.
func assignTarget(content string) (string, bool) {
	tokens, err := lex(content)
	if err != nil || len(tokens) != 1 || tokens[0].kind != tokVariable {
		return "", false
	}
	return tokens[0].value, true
}
