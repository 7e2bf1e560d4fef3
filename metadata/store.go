package metadata

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// RuleReader reads the rule metadata the mapper turns into a snapshot.
type RuleReader interface {
	// ProgramRules returns every program rule in declaration order.
	ProgramRules(ctx context.Context) ([]ProgramRule, error)

	// ProgramRuleVariables returns the variables of one program, or of every
	// program when programUID is empty.
	ProgramRuleVariables(ctx context.Context, programUID string) ([]ProgramRuleVariable, error)

	// Constants returns every constant.
	Constants(ctx context.Context) ([]Constant, error)
}

// TrackerReader loads the execution context rules are evaluated against.
type TrackerReader interface {
	// Enrollment returns the enrollment with all of its events.
	Enrollment(ctx context.Context, uid string) (*Enrollment, error)

	// Event returns a single event.
	Event(ctx context.Context, uid string) (*Event, error)
}

// InMemoryStore implements every reader of this package on top of maps.
// It is used by tests and by the server when no database is configured.
type InMemoryStore struct {
	programs    map[string]*Program
	rules       map[string]*ProgramRule
	ruleOrder   []string
	variables   map[string]*ProgramRuleVariable
	varOrder    []string
	constants   map[string]*Constant
	templates   map[string]*NotificationTemplate
	enrollments map[string]*Enrollment
	events      map[string]*Event
	groups      map[string]*OrganisationUnitGroup
	users       map[string]*User
	subscribers []func()
	mu          sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		programs:    make(map[string]*Program),
		rules:       make(map[string]*ProgramRule),
		variables:   make(map[string]*ProgramRuleVariable),
		constants:   make(map[string]*Constant),
		templates:   make(map[string]*NotificationTemplate),
		enrollments: make(map[string]*Enrollment),
		events:      make(map[string]*Event),
		groups:      make(map[string]*OrganisationUnitGroup),
		users:       make(map[string]*User),
	}
}

// Subscribe registers fn to be called after every rule or variable write.
func (s *InMemoryStore) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *InMemoryStore) notify() {
	s.mu.RLock()
	subscribers := slices.Clone(s.subscribers)
	s.mu.RUnlock()

	for _, fn := range subscribers {
		fn()
	}
}

// AddProgram stores a program.
func (s *InMemoryStore) AddProgram(p Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.UID] = &p
}

// Program returns a program by UID.
func (s *InMemoryStore) Program(_ context.Context, uid string) (*Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.programs[uid]
	if !ok {
		return nil, fmt.Errorf("program %s: %w", uid, ErrNotFound)
	}
	out := *p
	return &out, nil
}

// AddProgramRule adds a new program rule. UIDs are unique.
func (s *InMemoryStore) AddProgramRule(rule ProgramRule) error {
	s.mu.Lock()
	if _, exists := s.rules[rule.UID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("program rule with UID %s already exists", rule.UID)
	}
	s.rules[rule.UID] = cloneRule(&rule)
	s.ruleOrder = append(s.ruleOrder, rule.UID)
	s.mu.Unlock()

	s.notify()
	return nil
}

// UpdateProgramRule replaces an existing program rule.
func (s *InMemoryStore) UpdateProgramRule(rule ProgramRule) error {
	s.mu.Lock()
	if _, exists := s.rules[rule.UID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("program rule %s: %w", rule.UID, ErrNotFound)
	}
	s.rules[rule.UID] = cloneRule(&rule)
	s.mu.Unlock()

	s.notify()
	return nil
}

// DeleteProgramRule removes a program rule.
func (s *InMemoryStore) DeleteProgramRule(uid string) error {
	s.mu.Lock()
	if _, exists := s.rules[uid]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("program rule %s: %w", uid, ErrNotFound)
	}
	delete(s.rules, uid)
	s.ruleOrder = slices.DeleteFunc(s.ruleOrder, func(id string) bool { return id == uid })
	s.mu.Unlock()

	s.notify()
	return nil
}

// ProgramRules returns all program rules in the order they were added.
func (s *InMemoryStore) ProgramRules(_ context.Context) ([]ProgramRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ProgramRule, 0, len(s.ruleOrder))
	for _, uid := range s.ruleOrder {
		out = append(out, *cloneRule(s.rules[uid]))
	}
	return out, nil
}

// AddProgramRuleVariable adds a variable. UIDs are unique.
func (s *InMemoryStore) AddProgramRuleVariable(v ProgramRuleVariable) error {
	s.mu.Lock()
	if _, exists := s.variables[v.UID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("program rule variable with UID %s already exists", v.UID)
	}
	s.variables[v.UID] = &v
	s.varOrder = append(s.varOrder, v.UID)
	s.mu.Unlock()

	s.notify()
	return nil
}

// ProgramRuleVariables returns the variables of programUID, or all of them.
func (s *InMemoryStore) ProgramRuleVariables(_ context.Context, programUID string) ([]ProgramRuleVariable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ProgramRuleVariable
	for _, uid := range s.varOrder {
		v := s.variables[uid]
		if programUID != "" && v.ProgramUID != programUID {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

// AddConstant stores a constant.
func (s *InMemoryStore) AddConstant(c Constant) {
	s.mu.Lock()
	s.constants[c.UID] = &c
	s.mu.Unlock()

	s.notify()
}

// Constants returns all constants ordered by UID.
func (s *InMemoryStore) Constants(_ context.Context) ([]Constant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Constant, 0, len(s.constants))
	for _, uid := range slices.Sorted(maps.Keys(s.constants)) {
		out = append(out, *s.constants[uid])
	}
	return out, nil
}

// AddNotificationTemplate stores a template.
func (s *InMemoryStore) AddNotificationTemplate(t NotificationTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.UID] = &t
}

// NotificationTemplate returns a template by UID.
func (s *InMemoryStore) NotificationTemplate(_ context.Context, uid string) (*NotificationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[uid]
	if !ok {
		return nil, fmt.Errorf("notification template %s: %w", uid, ErrNotFound)
	}
	out := *t
	return &out, nil
}

// AddEnrollment stores an enrollment. Events listed on the enrollment are
// stored as events as well.
func (s *InMemoryStore) AddEnrollment(e Enrollment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range e.Events {
		ev.EnrollmentUID = e.UID
		s.events[ev.UID] = cloneEvent(&ev)
	}
	e.Events = nil
	s.enrollments[e.UID] = cloneEnrollment(&e)
}

// AddEvent stores a single event.
func (s *InMemoryStore) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.UID] = cloneEvent(&ev)
}

// Enrollment returns a copy of the enrollment including its events.
func (s *InMemoryStore) Enrollment(_ context.Context, uid string) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[uid]
	if !ok {
		return nil, fmt.Errorf("enrollment %s: %w", uid, ErrNotFound)
	}
	out := cloneEnrollment(e)
	for _, evUID := range slices.Sorted(maps.Keys(s.events)) {
		ev := s.events[evUID]
		if ev.EnrollmentUID == uid {
			out.Events = append(out.Events, *cloneEvent(ev))
		}
	}
	return out, nil
}

// Event returns a copy of an event.
func (s *InMemoryStore) Event(_ context.Context, uid string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[uid]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", uid, ErrNotFound)
	}
	return cloneEvent(ev), nil
}

// SaveEventDataValue sets one data value on a stored event.
func (s *InMemoryStore) SaveEventDataValue(_ context.Context, eventUID, dataElementUID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventUID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventUID, ErrNotFound)
	}
	if ev.DataValues == nil {
		ev.DataValues = make(map[string]string)
	}
	ev.DataValues[dataElementUID] = value
	return nil
}

// SaveAttributeValue sets one attribute value on a stored enrollment.
func (s *InMemoryStore) SaveAttributeValue(_ context.Context, enrollmentUID, attributeUID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[enrollmentUID]
	if !ok {
		return fmt.Errorf("enrollment %s: %w", enrollmentUID, ErrNotFound)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[attributeUID] = value
	return nil
}

// AddOrgUnitGroup stores an organisation unit group.
func (s *InMemoryStore) AddOrgUnitGroup(g OrganisationUnitGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.Members = slices.Clone(g.Members)
	s.groups[g.UID] = &g
}

// OrgUnitGroupMembers returns the member organisation unit UIDs of a group.
func (s *InMemoryStore) OrgUnitGroupMembers(_ context.Context, groupUID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupUID]
	if !ok {
		return nil, fmt.Errorf("organisation unit group %s: %w", groupUID, ErrNotFound)
	}
	return slices.Clone(g.Members), nil
}

// AddUser stores a user.
func (s *InMemoryStore) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Roles = slices.Clone(u.Roles)
	s.users[u.UID] = &u
}

// CurrentUser returns the user carried by ctx (see WithUser).
func (s *InMemoryStore) CurrentUser(ctx context.Context) (*User, error) {
	uid, ok := UserFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no current user: %w", ErrNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[uid]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", uid, ErrNotFound)
	}
	out := *u
	out.Roles = slices.Clone(u.Roles)
	return &out, nil
}

func cloneRule(r *ProgramRule) *ProgramRule {
	out := *r
	out.Actions = slices.Clone(r.Actions)
	if r.Priority != nil {
		p := *r.Priority
		out.Priority = &p
	}
	return &out
}

func cloneEvent(ev *Event) *Event {
	out := *ev
	out.DataValues = maps.Clone(ev.DataValues)
	return &out
}

func cloneEnrollment(e *Enrollment) *Enrollment {
	out := *e
	out.Attributes = maps.Clone(e.Attributes)
	out.Events = nil
	for i := range e.Events {
		out.Events = append(out.Events, *cloneEvent(&e.Events[i]))
	}
	return &out
}
