package metadata

import (
	"fmt"
	"regexp"
	"strings"
)

// maxVariableNameLength bounds placeholder names used inside conditions.
const maxVariableNameLength = 230

var variableNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_ .\-]*$`)

// ValidateVariableName checks that name can be referenced as #{name} or
// A{name} inside a rule condition.
func ValidateVariableName(name string) error {
	if name == "" {
		return fmt.Errorf("variable name cannot be empty")
	}
	if len(name) > maxVariableNameLength {
		return fmt.Errorf("variable name length %d exceeds maximum of %d characters", len(name), maxVariableNameLength)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("variable name %q has leading or trailing whitespace", name)
	}
	if !variableNamePattern.MatchString(name) {
		return fmt.Errorf("variable name %q may only contain letters, digits, spaces, '_', '-' and '.'", name)
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as variable name", name)
	}
	return nil
}

// ValidateProgramRule reports why a rule cannot be evaluated, or nil.
func ValidateProgramRule(rule ProgramRule) error {
	if strings.TrimSpace(rule.Condition) == "" {
		return fmt.Errorf("program rule %s has an empty condition", rule.UID)
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("program rule %s has no actions", rule.UID)
	}
	if rule.ProgramUID == "" {
		return fmt.Errorf("program rule %s does not belong to a program", rule.UID)
	}
	return nil
}

// isReservedKeyword reports names that collide with condition-language keywords.
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true":  true,
		"false": true,
		"null":  true,
		"and":   true,
		"or":    true,
		"not":   true,
		"d2":    true,
		"in":    true,
	}

	return reservedKeywords[strings.ToLower(name)]
}
