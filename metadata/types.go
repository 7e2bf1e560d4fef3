// Package metadata holds the persisted program model that program rules are
// authored against, together with the readers the rule pipeline consumes.
package metadata

import (
	"errors"
	"time"
)

// ErrNotFound is returned by readers when the requested object does not exist.
var ErrNotFound = errors.New("not found")

// ValueType is the declared type of a data element, attribute or calculated variable.
type ValueType string

const (
	ValueTypeText            ValueType = "TEXT"
	ValueTypeLongText        ValueType = "LONG_TEXT"
	ValueTypeNumber          ValueType = "NUMBER"
	ValueTypeInteger         ValueType = "INTEGER"
	ValueTypeIntegerPositive ValueType = "INTEGER_POSITIVE"
	ValueTypePercentage      ValueType = "PERCENTAGE"
	ValueTypeBoolean         ValueType = "BOOLEAN"
	ValueTypeTrueOnly        ValueType = "TRUE_ONLY"
	ValueTypeDate            ValueType = "DATE"
)

// IsNumeric reports whether values of this type are evaluated as numbers.
func (v ValueType) IsNumeric() bool {
	switch v {
	case ValueTypeNumber, ValueTypeInteger, ValueTypeIntegerPositive, ValueTypePercentage:
		return true
	}
	return false
}

// IsBoolean reports whether values of this type are evaluated as booleans.
func (v ValueType) IsBoolean() bool {
	return v == ValueTypeBoolean || v == ValueTypeTrueOnly
}

// SourceType tells the engine where a program rule variable takes its value from.
type SourceType string

const (
	SourceDataElementCurrentEvent       SourceType = "DATAELEMENT_CURRENT_EVENT"
	SourceDataElementPreviousEvent      SourceType = "DATAELEMENT_PREVIOUS_EVENT"
	SourceDataElementNewestEventProgram SourceType = "DATAELEMENT_NEWEST_EVENT_PROGRAM"
	SourceDataElementNewestEventStage   SourceType = "DATAELEMENT_NEWEST_EVENT_PROGRAM_STAGE"
	SourceTrackedEntityAttribute        SourceType = "TEI_ATTRIBUTE"
	SourceCalculatedValue               SourceType = "CALCULATED_VALUE"
	SourceConstant                      SourceType = "CONSTANT"
)

// ActionType is the persisted discriminator of a program rule action.
type ActionType string

const (
	ActionSendMessage         ActionType = "SENDMESSAGE"
	ActionScheduleMessage     ActionType = "SCHEDULEMESSAGE"
	ActionAssign              ActionType = "ASSIGN"
	ActionSetMandatoryField   ActionType = "SETMANDATORYFIELD"
	ActionHideField           ActionType = "HIDEFIELD"
	ActionShowWarning         ActionType = "SHOWWARNING"
	ActionWarningOnComplete   ActionType = "WARNINGONCOMPLETE"
	ActionShowError           ActionType = "SHOWERROR"
	ActionErrorOnComplete     ActionType = "ERRORONCOMPLETE"
	ActionDisplayText         ActionType = "DISPLAYTEXT"
	ActionDisplayKeyValuePair ActionType = "DISPLAYKEYVALUEPAIR"
)

// DataElement is a field collected on events.
type DataElement struct {
	UID       string    `json:"uid" yaml:"uid"`
	Name      string    `json:"name" yaml:"name"`
	ValueType ValueType `json:"valueType" yaml:"valueType"`
}

// TrackedEntityAttribute is a field collected on the enrolled entity.
type TrackedEntityAttribute struct {
	UID       string    `json:"uid" yaml:"uid"`
	Name      string    `json:"name" yaml:"name"`
	ValueType ValueType `json:"valueType" yaml:"valueType"`
}

// Program is a workflow definition. Programs without registration only have
// standalone events, never enrollments.
type Program struct {
	UID                 string `json:"uid" yaml:"uid"`
	Name                string `json:"name" yaml:"name"`
	WithoutRegistration bool   `json:"withoutRegistration" yaml:"withoutRegistration"`
}

// ProgramRuleAction is one side effect attached to a program rule.
type ProgramRuleAction struct {
	UID            string     `json:"uid" yaml:"uid"`
	Type           ActionType `json:"type" yaml:"type"`
	Content        string     `json:"content,omitempty" yaml:"content,omitempty"`
	Data           string     `json:"data,omitempty" yaml:"data,omitempty"`
	DataElementUID string     `json:"dataElement,omitempty" yaml:"dataElement,omitempty"`
	AttributeUID   string     `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	TemplateUID    string     `json:"template,omitempty" yaml:"template,omitempty"`
}

// ProgramRule is a persisted condition plus the actions it triggers.
// A nil Priority sorts after every prioritized rule.
type ProgramRule struct {
	UID             string              `json:"uid" yaml:"uid"`
	Name            string              `json:"name" yaml:"name"`
	Condition       string              `json:"condition" yaml:"condition"`
	Priority        *int                `json:"priority,omitempty" yaml:"priority,omitempty"`
	ProgramUID      string              `json:"program" yaml:"program"`
	ProgramStageUID string              `json:"programStage,omitempty" yaml:"programStage,omitempty"`
	Actions         []ProgramRuleAction `json:"actions" yaml:"actions"`
}

// ProgramRuleVariable binds a placeholder name to a source of values.
// Exactly one of DataElement and Attribute is set for data element and
// attribute sources; neither is set for calculated values and constants.
type ProgramRuleVariable struct {
	UID             string                  `json:"uid" yaml:"uid"`
	Name            string                  `json:"name" yaml:"name"`
	ProgramUID      string                  `json:"program" yaml:"program"`
	SourceType      SourceType              `json:"sourceType" yaml:"sourceType"`
	DataElement     *DataElement            `json:"dataElement,omitempty" yaml:"dataElement,omitempty"`
	Attribute       *TrackedEntityAttribute `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	ProgramStageUID string                  `json:"programStage,omitempty" yaml:"programStage,omitempty"`
	ValueType       ValueType               `json:"valueType,omitempty" yaml:"valueType,omitempty"`
}

// Constant is a named global numeric value referenced as C{uid}.
type Constant struct {
	UID   string  `json:"uid" yaml:"uid"`
	Name  string  `json:"name" yaml:"name"`
	Value float64 `json:"value" yaml:"value"`
}

// NotificationTemplate describes a message a rule can send or schedule.
type NotificationTemplate struct {
	UID            string `json:"uid" yaml:"uid"`
	Name           string `json:"name" yaml:"name"`
	Subject        string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Message        string `json:"message,omitempty" yaml:"message,omitempty"`
	SendRepeatable bool   `json:"sendRepeatable" yaml:"sendRepeatable"`
}

// Event is one data-collection occurrence. EnrollmentUID is empty for events
// of programs without registration.
type Event struct {
	UID             string            `json:"uid" yaml:"uid"`
	EnrollmentUID   string            `json:"enrollment,omitempty" yaml:"enrollment,omitempty"`
	ProgramUID      string            `json:"program" yaml:"program"`
	ProgramStageUID string            `json:"programStage" yaml:"programStage"`
	OrgUnitUID      string            `json:"orgUnit" yaml:"orgUnit"`
	OccurredAt      time.Time         `json:"occurredAt" yaml:"occurredAt"`
	DataValues      map[string]string `json:"dataValues" yaml:"dataValues"`
}

// Enrollment is a tracked entity's participation in a program. Events holds
// every event of the enrollment in no particular order.
type Enrollment struct {
	UID              string            `json:"uid" yaml:"uid"`
	ProgramUID       string            `json:"program" yaml:"program"`
	TrackedEntityUID string            `json:"trackedEntity" yaml:"trackedEntity"`
	OrgUnitUID       string            `json:"orgUnit" yaml:"orgUnit"`
	EnrolledAt       time.Time         `json:"enrolledAt" yaml:"enrolledAt"`
	OccurredAt       time.Time         `json:"occurredAt" yaml:"occurredAt"`
	Attributes       map[string]string `json:"attributes" yaml:"attributes"`
	Events           []Event           `json:"events,omitempty" yaml:"events,omitempty"`
}

// OrganisationUnitGroup is a named set of organisation units.
type OrganisationUnitGroup struct {
	UID     string   `json:"uid" yaml:"uid"`
	Name    string   `json:"name" yaml:"name"`
	Members []string `json:"members" yaml:"members"`
}

// User is the account on whose behalf rules are evaluated.
type User struct {
	UID      string   `json:"uid" yaml:"uid"`
	Username string   `json:"username" yaml:"username"`
	Roles    []string `json:"roles" yaml:"roles"`
}
