// Package pipeline ties the rule model, the engine and the effect
// implementers together behind the operations callers use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/liamcoop/programrules/effect"
	"github.com/liamcoop/programrules/internal/metrics"
	"github.com/liamcoop/programrules/metadata"
	"github.com/liamcoop/programrules/rules"
)

// Config wires a Service. Every field except Cache and Logger is required.
type Config struct {
	Rules         metadata.RuleReader
	Tracker       metadata.TrackerReader
	Mapper        *rules.Mapper
	Engine        *rules.Engine
	Supplementary *rules.SupplementaryDataProvider
	Dispatcher    *effect.Dispatcher
	Cache         rules.SnapshotCache
	Logger        *slog.Logger
}

// Result is what an evaluate-and-apply call produced.
type Result struct {
	Effects         []rules.RuleEffect  `json:"-"`
	Annotations     []effect.Annotation `json:"annotations"`
	MandatoryFields []string            `json:"mandatoryFields,omitempty"`
	HiddenFields    []string            `json:"hiddenFields,omitempty"`
}

// Service evaluates rules for enrollments and events and applies their effects.
// Calls run synchronously on the caller's goroutine.
type Service struct {
	rules         metadata.RuleReader
	tracker       metadata.TrackerReader
	mapper        *rules.Mapper
	engine        *rules.Engine
	describer     *rules.Describer
	supplementary *rules.SupplementaryDataProvider
	dispatcher    *effect.Dispatcher
	cache         rules.SnapshotCache
	logger        *slog.Logger

	rebuild    sync.Mutex
	generation atomic.Uint64
}

// NewService validates cfg and, when the rule reader supports it,
// subscribes to its writes so the snapshot is invalidated immediately.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Rules == nil:
		return nil, errors.New("pipeline: rule reader is required")
	case cfg.Tracker == nil:
		return nil, errors.New("pipeline: tracker reader is required")
	case cfg.Engine == nil:
		return nil, errors.New("pipeline: engine is required")
	case cfg.Supplementary == nil:
		return nil, errors.New("pipeline: supplementary data provider is required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mapper == nil {
		cfg.Mapper = rules.NewMapper(cfg.Logger)
	}
	if cfg.Cache == nil {
		cfg.Cache = rules.NewInMemorySnapshotCache(rules.DefaultCacheConfig())
	}

	s := &Service{
		rules:         cfg.Rules,
		tracker:       cfg.Tracker,
		mapper:        cfg.Mapper,
		engine:        cfg.Engine,
		describer:     rules.NewDescriber(cfg.Engine),
		supplementary: cfg.Supplementary,
		dispatcher:    cfg.Dispatcher,
		cache:         cfg.Cache,
		logger:        cfg.Logger,
	}

	for _, kind := range rules.AllActionKinds() {
		if !cfg.Dispatcher.Handles(kind) {
			cfg.Logger.Warn("no implementer for action kind, its effects will be dropped", "action_type", kind.String())
		}
	}

	if sub, ok := cfg.Rules.(interface{ Subscribe(func()) }); ok {
		sub.Subscribe(s.Invalidate)
	}
	return s, nil
}

// Invalidate drops the cached snapshot. A rebuild already in flight is
// returned to its caller but not cached.
func (s *Service) Invalidate() {
	s.generation.Add(1)
	s.cache.Invalidate()
	s.logger.Debug("rule snapshot invalidated")
}

// Snapshot returns the cached snapshot, rebuilding it on a miss.
func (s *Service) Snapshot(ctx context.Context) (*rules.Snapshot, error) {
	if snap := s.cache.Get(); snap != nil {
		return snap, nil
	}

	s.rebuild.Lock()
	defer s.rebuild.Unlock()

	if snap := s.cache.Get(); snap != nil {
		return snap, nil
	}

	gen := s.generation.Load()
	snap, err := s.mapper.BuildSnapshot(ctx, s.rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule snapshot: %w", err)
	}
	metrics.SnapshotRebuilds.Inc()

	if s.generation.Load() == gen {
		s.cache.Set(snap)
	}
	s.logger.InfoContext(ctx, "rule snapshot rebuilt", "rules", len(snap.Rules))
	return snap, nil
}

// Evaluate returns the effects of the rules in scope for enrollment and
// event. Pass a nil event for enrollment-level evaluation and a nil
// enrollment for events of programs without registration.
func (s *Service) Evaluate(ctx context.Context, enrollment *metadata.Enrollment, event *metadata.Event) ([]rules.RuleEffect, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var programUID string
	switch {
	case enrollment != nil:
		programUID = enrollment.ProgramUID
	case event != nil:
		programUID = event.ProgramUID
	default:
		return nil, rules.ErrNoTarget
	}

	supplementary, err := s.supplementary.Get(ctx, snap.ProgramRules(programUID))
	if err != nil {
		return nil, fmt.Errorf("failed to load supplementary data: %w", err)
	}
	return s.engine.Evaluate(snap, enrollment, event, supplementary)
}

// EvaluateAndApply evaluates the enrollment-level rules of an enrollment
// and applies every effect.
func (s *Service) EvaluateAndApply(ctx context.Context, enrollmentUID string) (*Result, error) {
	enrollment, err := s.tracker.Enrollment(ctx, enrollmentUID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, &effect.Target{Enrollment: enrollment})
}

// EvaluateEventAndApply evaluates the rules in scope for an event, together
// with its enrollment when it has one, and applies every effect.
func (s *Service) EvaluateEventAndApply(ctx context.Context, eventUID string) (*Result, error) {
	event, err := s.tracker.Event(ctx, eventUID)
	if err != nil {
		return nil, err
	}

	target := &effect.Target{Event: event}
	if event.EnrollmentUID != "" {
		enrollment, err := s.tracker.Enrollment(ctx, event.EnrollmentUID)
		if err != nil {
			return nil, err
		}
		target.Enrollment = enrollment
	}
	return s.apply(ctx, target)
}

func (s *Service) apply(ctx context.Context, target *effect.Target) (*Result, error) {
	effects, err := s.Evaluate(ctx, target.Enrollment, target.Event)
	if err != nil {
		return nil, err
	}

	err = s.dispatcher.Dispatch(ctx, effects, target)
	result := &Result{
		Effects:         effects,
		Annotations:     target.Annotations(),
		MandatoryFields: target.Fields(rules.ActionSetMandatoryField),
		HiddenFields:    target.Fields(rules.ActionHideField),
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to apply rule effects",
			"target", target.UID(), "trigger", target.Trigger(), "error", err)
		return result, err
	}

	s.logger.DebugContext(ctx, "rule effects applied",
		"target", target.UID(), "trigger", target.Trigger(), "effects", len(effects))
	return result, nil
}

// Describe renders condition with the display names of programUID's
// variables and reports whether it is valid.
func (s *Service) Describe(ctx context.Context, condition, programUID string) (rules.ValidationResult, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return rules.ValidationResult{}, err
	}

	variables := snap.Variables[programUID]
	if variables == nil {
		// Programs without rules are not part of the snapshot.
		raw, err := s.rules.ProgramRuleVariables(ctx, programUID)
		if err != nil {
			return rules.ValidationResult{}, fmt.Errorf("failed to load program rule variables: %w", err)
		}
		variables = s.mapper.ToRuleVariables(raw, programUID)
	}
	return s.describer.Describe(condition, variables, snap.Constants), nil
}
