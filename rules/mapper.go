package rules

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/liamcoop/programrules/metadata"
)

// Snapshot is an immutable view of every evaluatable rule, the variables of
// the programs those rules belong to and the constants they may reference.
type Snapshot struct {
	Rules     []Rule
	Variables map[string][]RuleVariable
	Constants []metadata.Constant
}

// ProgramRules returns the rules of one program in declaration order.
func (s *Snapshot) ProgramRules(programUID string) []Rule {
	var out []Rule
	for _, r := range s.Rules {
		if r.ProgramUID == programUID {
			out = append(out, r)
		}
	}
	return out
}

// Mapper converts persisted rule metadata into evaluation-time values.
// Broken rules and variables are dropped rather than failing the whole pass.
type Mapper struct {
	logger *slog.Logger
}

// NewMapper creates a mapper. A nil logger falls back to slog.Default().
func NewMapper(logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{logger: logger}
}

// ToRules maps program rules, skipping those with an empty condition or no actions.
func (m *Mapper) ToRules(programRules []metadata.ProgramRule) []Rule {
	out := make([]Rule, 0, len(programRules))
	for _, pr := range programRules {
		if err := metadata.ValidateProgramRule(pr); err != nil {
			m.logger.Debug("skipping program rule", "rule_id", pr.UID, "reason", err.Error())
			continue
		}
		out = append(out, toRule(pr))
	}
	return out
}

func toRule(pr metadata.ProgramRule) Rule {
	r := Rule{
		UID:             pr.UID,
		Name:            pr.Name,
		Condition:       pr.Condition,
		ProgramUID:      pr.ProgramUID,
		ProgramStageUID: pr.ProgramStageUID,
		Actions:         make([]RuleAction, 0, len(pr.Actions)),
	}
	if pr.Priority != nil {
		p := *pr.Priority
		r.Priority = &p
	}
	for _, a := range pr.Actions {
		r.Actions = append(r.Actions, RuleAction{
			UID:            a.UID,
			Kind:           ParseActionKind(a.Type),
			Type:           a.Type,
			Content:        a.Content,
			Data:           a.Data,
			DataElementUID: a.DataElementUID,
			AttributeUID:   a.AttributeUID,
			TemplateUID:    a.TemplateUID,
		})
	}
	return r
}

// ToRuleVariables maps the variables of programUID (all programs when empty),
// skipping variables whose name cannot be used as a placeholder.
func (m *Mapper) ToRuleVariables(variables []metadata.ProgramRuleVariable, programUID string) []RuleVariable {
	out := make([]RuleVariable, 0, len(variables))
	for _, v := range variables {
		if programUID != "" && v.ProgramUID != programUID {
			continue
		}
		if err := metadata.ValidateVariableName(v.Name); err != nil {
			m.logger.Debug("skipping program rule variable", "variable", v.Name, "reason", err.Error())
			continue
		}
		out = append(out, toRuleVariable(v))
	}
	return out
}

func toRuleVariable(v metadata.ProgramRuleVariable) RuleVariable {
	rv := RuleVariable{
		Name:            v.Name,
		DisplayName:     v.Name,
		ProgramUID:      v.ProgramUID,
		SourceType:      v.SourceType,
		ProgramStageUID: v.ProgramStageUID,
		ValueType:       v.ValueType,
	}
	var fieldName string
	switch {
	case v.DataElement != nil:
		rv.DataElementUID = v.DataElement.UID
		fieldName = v.DataElement.Name
		rv.ValueType = v.DataElement.ValueType
	case v.Attribute != nil:
		rv.AttributeUID = v.Attribute.UID
		fieldName = v.Attribute.Name
		rv.ValueType = v.Attribute.ValueType
	}
	if fieldName != "" {
		rv.DisplayName = fieldName
	}
	if rv.ValueType == "" {
		rv.ValueType = metadata.ValueTypeText
	}
	return rv
}

// BuildSnapshot reads all rule metadata from reader and maps it.
func (m *Mapper) BuildSnapshot(ctx context.Context, reader metadata.RuleReader) (*Snapshot, error) {
	programRules, err := reader.ProgramRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load program rules: %w", err)
	}
	rulesList := m.ToRules(programRules)

	var programs []string
	for _, r := range rulesList {
		if !slices.Contains(programs, r.ProgramUID) {
			programs = append(programs, r.ProgramUID)
		}
	}

	variables := make(map[string][]RuleVariable, len(programs))
	for _, programUID := range programs {
		vars, err := reader.ProgramRuleVariables(ctx, programUID)
		if err != nil {
			return nil, fmt.Errorf("failed to load variables of program %s: %w", programUID, err)
		}
		variables[programUID] = m.ToRuleVariables(vars, programUID)
	}

	constants, err := reader.Constants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load constants: %w", err)
	}

	return &Snapshot{
		Rules:     rulesList,
		Variables: variables,
		Constants: constants,
	}, nil
}
