package main

import (
	"github.com/liamcoop/programrules/effect"
	"github.com/liamcoop/programrules/rules"
)

// DescribeRequest is the body of POST /api/v1/describe.
type DescribeRequest struct {
	Condition  string `json:"condition" validate:"required"`
	ProgramUID string `json:"programUid" validate:"required"`
}

// DescribeResponse renders a condition with display names.
type DescribeResponse struct {
	Description string `json:"description"`
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
}

// EffectResponse is one rule effect in an evaluation response.
type EffectResponse struct {
	RuleUID   string `json:"rule"`
	ActionUID string `json:"actionUid,omitempty"`
	Action    string `json:"action"`
	Data      string `json:"data,omitempty"`
	Content   string `json:"content,omitempty"`
}

// EvaluateResponse is returned by the evaluate endpoints. Errors lists the
// effects that failed to apply; the others were applied.
type EvaluateResponse struct {
	Effects         []EffectResponse    `json:"effects"`
	Annotations     []effect.Annotation `json:"annotations"`
	MandatoryFields []string            `json:"mandatoryFields,omitempty"`
	HiddenFields    []string            `json:"hiddenFields,omitempty"`
	Errors          []string            `json:"errors,omitempty"`
	EvaluationTime  string              `json:"evaluationTime"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toEffectResponses(effects []rules.RuleEffect) []EffectResponse {
	out := make([]EffectResponse, 0, len(effects))
	for _, eff := range effects {
		out = append(out, EffectResponse{
			RuleUID:   eff.RuleUID,
			ActionUID: eff.Action.UID,
			Action:    string(eff.Action.Type),
			Data:      eff.Data,
			Content:   eff.Action.Content,
		})
	}
	return out
}
