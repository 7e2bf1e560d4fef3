// Package rules turns persisted program rules into an evaluatable model,
// evaluates it against enrollments and events through cel-go and describes
// conditions for rule authors.
package rules

import "github.com/liamcoop/programrules/metadata"

// ActionKind is the closed set of action kinds the pipeline knows how to apply.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionSendMessage
	ActionScheduleMessage
	ActionAssign
	ActionSetMandatoryField
	ActionHideField
	ActionShowWarning
	ActionWarningOnComplete
	ActionShowError
	ActionErrorOnComplete
	ActionDisplayText
	ActionDisplayKeyValuePair
)

var actionKinds = map[metadata.ActionType]ActionKind{
	metadata.ActionSendMessage:         ActionSendMessage,
	metadata.ActionScheduleMessage:     ActionScheduleMessage,
	metadata.ActionAssign:              ActionAssign,
	metadata.ActionSetMandatoryField:   ActionSetMandatoryField,
	metadata.ActionHideField:           ActionHideField,
	metadata.ActionShowWarning:         ActionShowWarning,
	metadata.ActionWarningOnComplete:   ActionWarningOnComplete,
	metadata.ActionShowError:           ActionShowError,
	metadata.ActionErrorOnComplete:     ActionErrorOnComplete,
	metadata.ActionDisplayText:         ActionDisplayText,
	metadata.ActionDisplayKeyValuePair: ActionDisplayKeyValuePair,
}

// ParseActionKind maps a persisted action type onto its kind. Unrecognised
// types map to ActionUnknown.
func ParseActionKind(t metadata.ActionType) ActionKind {
	return actionKinds[t]
}

// AllActionKinds lists every known kind, excluding ActionUnknown.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionSendMessage, ActionScheduleMessage, ActionAssign, ActionSetMandatoryField,
		ActionHideField, ActionShowWarning, ActionWarningOnComplete, ActionShowError,
		ActionErrorOnComplete, ActionDisplayText, ActionDisplayKeyValuePair,
	}
}

func (k ActionKind) String() string {
	for t, kind := range actionKinds {
		if kind == k {
			return string(t)
		}
	}
	return "UNKNOWN"
}

// RuleAction is the evaluation-time form of a program rule action.
type RuleAction struct {
	UID            string
	Kind           ActionKind
	Type           metadata.ActionType
	Content        string
	Data           string
	DataElementUID string
	AttributeUID   string
	TemplateUID    string
}

// Rule is the evaluation-time form of a program rule.
type Rule struct {
	UID             string
	Name            string
	Condition       string
	Priority        *int
	ProgramUID      string
	ProgramStageUID string
	Actions         []RuleAction
}

// RuleVariable is the evaluation-time form of a program rule variable.
type RuleVariable struct {
	Name            string
	DisplayName     string
	ProgramUID      string
	SourceType      metadata.SourceType
	DataElementUID  string
	AttributeUID    string
	ProgramStageUID string
	ValueType       metadata.ValueType
}

// RuleEffect is one action of a rule whose condition evaluated true, with
// its data expression already evaluated.
type RuleEffect struct {
	RuleUID string
	Action  RuleAction
	Data    string
}

// SupplementaryDataUserKey is the SupplementaryData key holding the current
// user's role UIDs.
const SupplementaryDataUserKey = "USER"

// SupplementaryData maps organisation unit group UIDs to their member
// organisation units, and SupplementaryDataUserKey to the current user's roles.
type SupplementaryData map[string][]string

// ValidationResult is the outcome of describing a condition.
type ValidationResult struct {
	Description string `json:"description"`
	Valid       bool   `json:"valid"`
	Err         error  `json:"-"`
}
