package metadata

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is the YAML document layout accepted by LoadFixture.
type Fixture struct {
	Programs      []Program               `yaml:"programs"`
	Rules         []ProgramRule           `yaml:"rules"`
	Variables     []ProgramRuleVariable   `yaml:"variables"`
	Constants     []Constant              `yaml:"constants"`
	Templates     []NotificationTemplate  `yaml:"templates"`
	Enrollments   []Enrollment            `yaml:"enrollments"`
	Events        []Event                 `yaml:"events"`
	OrgUnitGroups []OrganisationUnitGroup `yaml:"orgUnitGroups"`
	Users         []User                  `yaml:"users"`
}

// DecodeFixture reads a YAML fixture. Unknown fields are rejected.
func DecodeFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}
	return &f, nil
}

// ReadFixtureFile decodes the fixture at path.
func ReadFixtureFile(path string) (*Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture: %w", err)
	}
	defer file.Close()

	return DecodeFixture(file)
}

// LoadFixture decodes a YAML fixture and adds its contents to store.
func LoadFixture(r io.Reader, store *InMemoryStore) error {
	f, err := DecodeFixture(r)
	if err != nil {
		return err
	}
	return f.Apply(store)
}

// Apply adds the contents of f to store.
func (f *Fixture) Apply(store *InMemoryStore) error {
	for _, p := range f.Programs {
		store.AddProgram(p)
	}
	for _, c := range f.Constants {
		store.AddConstant(c)
	}
	for _, v := range f.Variables {
		if err := store.AddProgramRuleVariable(v); err != nil {
			return err
		}
	}
	for _, r := range f.Rules {
		if err := store.AddProgramRule(r); err != nil {
			return err
		}
	}
	for _, t := range f.Templates {
		store.AddNotificationTemplate(t)
	}
	for _, e := range f.Enrollments {
		store.AddEnrollment(e)
	}
	for _, ev := range f.Events {
		store.AddEvent(ev)
	}
	for _, g := range f.OrgUnitGroups {
		store.AddOrgUnitGroup(g)
	}
	for _, u := range f.Users {
		store.AddUser(u)
	}
	return nil
}

// LoadFixtureFile reads the fixture at path into store.
func LoadFixtureFile(path string, store *InMemoryStore) error {
	f, err := ReadFixtureFile(path)
	if err != nil {
		return err
	}
	return f.Apply(store)
}
