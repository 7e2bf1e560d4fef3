package rules

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/programrules/internal/metrics"
	"github.com/liamcoop/programrules/metadata"
)

// costLimit bounds the work a single condition may do.
const costLimit = 1000000

// ErrNoTarget is returned when Evaluate is called without an enrollment or event.
var ErrNoTarget = errors.New("evaluation requires an enrollment or an event")

// Engine compiles rule conditions to CEL and evaluates them against an
// enrollment or event. Compiled programs are shared across calls.
type Engine struct {
	env      *cel.Env
	programs map[string]cel.Program // translated expression -> compiled program
	mu       sync.RWMutex
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock behind V{current_date}.
func WithClock(now func() time.Time) Option {
	return func(en *Engine) {
		en.now = now
	}
}

// NewEngine creates an engine with the d2 function library. A nil logger
// falls back to slog.Default().
func NewEngine(logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("present", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("sysvars", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("constants", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("orgunit", cel.StringType),
		cel.Variable("supplementary", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
		cel.Lib(d2Library{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	en := &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(en)
	}
	return en, nil
}

// Compile lexes, translates and compiles expression, reusing a cached
// program when the translated text was compiled before.
func (en *Engine) Compile(expression string) (cel.Program, error) {
	tokens, err := lex(expression)
	if err != nil {
		return nil, err
	}
	translated, err := translate(tokens)
	if err != nil {
		return nil, err
	}

	en.mu.RLock()
	prog, ok := en.programs[translated]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := en.env.Compile(translated)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err = en.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[translated] = prog
	metrics.CompiledPrograms.Set(float64(len(en.programs)))
	en.mu.Unlock()

	return prog, nil
}

// Evaluate runs every rule in scope and returns the effects of the rules
// whose condition is true, in priority order. Without an event the
// evaluation is enrollment-level and only rules without a program stage
// apply; with an event, rules of the event's stage apply too. A rule that
// fails to compile or evaluate counts as false.
func (en *Engine) Evaluate(snapshot *Snapshot, enrollment *metadata.Enrollment, event *metadata.Event, supplementary SupplementaryData) ([]RuleEffect, error) {
	if enrollment == nil && event == nil {
		return nil, ErrNoTarget
	}
	if snapshot == nil {
		return nil, errors.New("evaluation requires a rule snapshot")
	}

	level := "enrollment"
	if event != nil {
		level = "event"
	}
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.WithLabelValues(level).Observe(time.Since(start).Seconds())
	}()

	var programUID string
	if enrollment != nil {
		programUID = enrollment.ProgramUID
	} else {
		programUID = event.ProgramUID
	}

	scoped := scopeRules(snapshot.ProgramRules(programUID), event)
	if len(scoped) == 0 {
		return nil, nil
	}

	ec := en.newEvalContext(snapshot, programUID, enrollment, event, supplementary)

	var effects []RuleEffect
	for _, rule := range scoped {
		if !en.evaluateCondition(rule, ec) {
			continue
		}
		for _, action := range rule.Actions {
			data, err := en.evaluateData(action.Data, ec)
			if err != nil {
				en.logger.Warn("skipping rule action with failing data expression",
					"rule_id", rule.UID, "action_id", action.UID, "error", err)
				continue
			}
			if action.Kind == ActionAssign {
				if name, ok := assignTarget(action.Content); ok {
					ec.assign(name, data)
				}
			}
			effects = append(effects, RuleEffect{RuleUID: rule.UID, Action: action, Data: data})
		}
	}
	return effects, nil
}

func (en *Engine) evaluateCondition(rule Rule, ec *evalContext) bool {
	prog, err := en.Compile(rule.Condition)
	if err != nil {
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeError).Inc()
		en.logger.Warn("rule condition does not compile", "rule_id", rule.UID, "error", err)
		return false
	}

	out, _, err := prog.Eval(ec.activation())
	if err != nil {
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeError).Inc()
		en.logger.Debug("rule condition failed to evaluate", "rule_id", rule.UID, "error", err)
		return false
	}

	matched, ok := out.Value().(bool)
	if !ok {
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeNonBoolean).Inc()
		en.logger.Debug("rule condition is not boolean", "rule_id", rule.UID)
		return false
	}
	if matched {
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeTrue).Inc()
	} else {
		metrics.RuleEvaluations.WithLabelValues(metrics.OutcomeFalse).Inc()
	}
	return matched
}

func (en *Engine) evaluateData(expression string, ec *evalContext) (string, error) {
	if strings.TrimSpace(expression) == "" {
		return "", nil
	}
	prog, err := en.Compile(expression)
	if err != nil {
		return "", err
	}
	out, _, err := prog.Eval(ec.activation())
	if err != nil {
		return "", err
	}
	return FormatValue(out.Value()), nil
}

// scopeRules keeps rules without a stage and, for event-level evaluation,
// rules of the event's stage, then orders them by priority.
func scopeRules(programRules []Rule, event *metadata.Event) []Rule {
	scoped := make([]Rule, 0, len(programRules))
	for _, r := range programRules {
		if r.ProgramStageUID == "" || (event != nil && r.ProgramStageUID == event.ProgramStageUID) {
			scoped = append(scoped, r)
		}
	}
	SortByPriority(scoped)
	return scoped
}

// SortByPriority orders rules by ascending priority. Rules without a
// priority follow all prioritized rules and keep their relative order.
func SortByPriority(rulesList []Rule) {
	slices.SortStableFunc(rulesList, func(a, b Rule) int {
		switch {
		case a.Priority == nil && b.Priority == nil:
			return 0
		case a.Priority == nil:
			return 1
		case b.Priority == nil:
			return -1
		}
		return cmp.Compare(*a.Priority, *b.Priority)
	})
}

// evalContext is the mutable state of one evaluation pass.
type evalContext struct {
	variables     map[string]RuleVariable
	vars          map[string]any
	present       map[string]bool
	sysvars       map[string]any
	constants     map[string]float64
	orgUnit       string
	supplementary map[string][]string
}

func (c *evalContext) activation() map[string]any {
	return map[string]any{
		"vars":          c.vars,
		"present":       c.present,
		"sysvars":       c.sysvars,
		"constants":     c.constants,
		"orgunit":       c.orgUnit,
		"supplementary": c.supplementary,
	}
}

// assign stores an ASSIGN result so later rules in the pass observe it.
func (c *evalContext) assign(name, data string) {
	valueType := metadata.ValueTypeText
	if v, ok := c.variables[name]; ok {
		valueType = v.ValueType
	}
	value, ok := typedValue(data, valueType)
	if !ok {
		c.vars[name] = defaultValue(valueType)
		delete(c.present, name)
		return
	}
	c.vars[name] = value
	c.present[name] = true
}

func (en *Engine) newEvalContext(snapshot *Snapshot, programUID string, enrollment *metadata.Enrollment, event *metadata.Event, supplementary SupplementaryData) *evalContext {
	ec := &evalContext{
		variables:     make(map[string]RuleVariable),
		vars:          make(map[string]any),
		present:       make(map[string]bool),
		constants:     make(map[string]float64, len(snapshot.Constants)),
		supplementary: make(map[string][]string, len(supplementary)),
	}
	for k, v := range supplementary {
		ec.supplementary[k] = v
	}
	for _, c := range snapshot.Constants {
		ec.constants[c.UID] = c.Value
	}

	history := eventHistory(enrollment, event)
	for _, v := range snapshot.Variables[programUID] {
		ec.variables[v.Name] = v
		raw, found := resolveVariable(v, snapshot.Constants, enrollment, event, history)
		value, ok := typedValue(raw, v.ValueType)
		if !found || !ok {
			if found {
				en.logger.Debug("variable value does not match its value type",
					"variable", v.Name, "value_type", v.ValueType)
			}
			ec.vars[v.Name] = defaultValue(v.ValueType)
			continue
		}
		ec.vars[v.Name] = value
		ec.present[v.Name] = true
	}

	ec.sysvars = en.envVariables(programUID, enrollment, event, history)
	ec.orgUnit, _ = ec.sysvars["org_unit"].(string)
	return ec
}

func (en *Engine) envVariables(programUID string, enrollment *metadata.Enrollment, event *metadata.Event, history []metadata.Event) map[string]any {
	sys := map[string]any{
		"current_date":     en.now().Format(dateLayout),
		"event_date":       "",
		"enrollment_date":  "",
		"incident_date":    "",
		"event_count":      float64(len(history)),
		"enrollment_id":    "",
		"event_id":         "",
		"org_unit":         "",
		"program_stage_id": "",
		"program_id":       programUID,
	}
	if enrollment != nil {
		sys["enrollment_id"] = enrollment.UID
		sys["org_unit"] = enrollment.OrgUnitUID
		sys["enrollment_date"] = formatDate(enrollment.EnrolledAt)
		sys["incident_date"] = formatDate(enrollment.OccurredAt)
	}
	if event != nil {
		sys["event_id"] = event.UID
		sys["event_date"] = formatDate(event.OccurredAt)
		sys["program_stage_id"] = event.ProgramStageUID
		if event.OrgUnitUID != "" {
			sys["org_unit"] = event.OrgUnitUID
		}
	}
	return sys
}

// eventHistory returns the enrollment's events plus the current event,
// most recent first. Ties on the occurred date are broken by UID.
func eventHistory(enrollment *metadata.Enrollment, event *metadata.Event) []metadata.Event {
	var history []metadata.Event
	if enrollment != nil {
		history = slices.Clone(enrollment.Events)
	}
	if event != nil && !slices.ContainsFunc(history, func(e metadata.Event) bool { return e.UID == event.UID }) {
		history = append(history, *event)
	}
	slices.SortStableFunc(history, func(a, b metadata.Event) int {
		if c := b.OccurredAt.Compare(a.OccurredAt); c != 0 {
			return c
		}
		return cmp.Compare(b.UID, a.UID)
	})
	return history
}

// resolveVariable returns the raw value of v and whether one was found.
func resolveVariable(v RuleVariable, constants []metadata.Constant, enrollment *metadata.Enrollment, event *metadata.Event, history []metadata.Event) (string, bool) {
	switch v.SourceType {
	case metadata.SourceDataElementCurrentEvent:
		if event == nil {
			return "", false
		}
		return nonEmpty(event.DataValues[v.DataElementUID])

	case metadata.SourceDataElementPreviousEvent:
		for _, e := range history {
			if event != nil && (e.UID == event.UID || !e.OccurredAt.Before(event.OccurredAt)) {
				continue
			}
			if value, ok := nonEmpty(e.DataValues[v.DataElementUID]); ok {
				return value, true
			}
		}
		return "", false

	case metadata.SourceDataElementNewestEventProgram, metadata.SourceDataElementNewestEventStage:
		for _, e := range history {
			if v.SourceType == metadata.SourceDataElementNewestEventStage && e.ProgramStageUID != v.ProgramStageUID {
				continue
			}
			if value, ok := nonEmpty(e.DataValues[v.DataElementUID]); ok {
				return value, true
			}
		}
		return "", false

	case metadata.SourceTrackedEntityAttribute:
		if enrollment == nil {
			return "", false
		}
		return nonEmpty(enrollment.Attributes[v.AttributeUID])

	case metadata.SourceConstant:
		for _, c := range constants {
			if c.Name == v.Name {
				return strconv.FormatFloat(c.Value, 'f', -1, 64), true
			}
		}
		return "", false
	}

	// Calculated values start unset and are filled in by ASSIGN actions.
	return "", false
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}

func typedValue(raw string, valueType metadata.ValueType) (any, bool) {
	if raw == "" {
		return nil, false
	}
	switch {
	case valueType.IsNumeric():
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		return f, err == nil
	case valueType.IsBoolean():
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		return b, err == nil
	}
	return raw, true
}

func defaultValue(valueType metadata.ValueType) any {
	switch {
	case valueType.IsNumeric():
		return 0.0
	case valueType.IsBoolean():
		return false
	}
	return ""
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
