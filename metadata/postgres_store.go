package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements the metadata readers backed by PostgreSQL.
// The schema lives in migrations/000001_initial_schema.up.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed metadata store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ProgramRules returns all program rules with their actions, in insertion order.
func (s *PostgresStore) ProgramRules(ctx context.Context) ([]ProgramRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, name, condition, priority, program_uid, COALESCE(program_stage_uid, '')
		FROM program_rules
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list program rules: %w", err)
	}
	defer rows.Close()

	var rulesList []ProgramRule
	index := make(map[string]int)
	for rows.Next() {
		var r ProgramRule
		var priority sql.NullInt64
		if err := rows.Scan(&r.UID, &r.Name, &r.Condition, &priority, &r.ProgramUID, &r.ProgramStageUID); err != nil {
			return nil, fmt.Errorf("failed to scan program rule: %w", err)
		}
		if priority.Valid {
			p := int(priority.Int64)
			r.Priority = &p
		}
		index[r.UID] = len(rulesList)
		rulesList = append(rulesList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating program rules: %w", err)
	}

	actionRows, err := s.db.QueryContext(ctx, `
		SELECT program_rule_uid, uid, action_type, COALESCE(content, ''), COALESCE(data, ''),
		       COALESCE(data_element_uid, ''), COALESCE(attribute_uid, ''), COALESCE(template_uid, '')
		FROM program_rule_actions
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list program rule actions: %w", err)
	}
	defer actionRows.Close()

	for actionRows.Next() {
		var ruleUID string
		var a ProgramRuleAction
		if err := actionRows.Scan(&ruleUID, &a.UID, &a.Type, &a.Content, &a.Data,
			&a.DataElementUID, &a.AttributeUID, &a.TemplateUID); err != nil {
			return nil, fmt.Errorf("failed to scan program rule action: %w", err)
		}
		i, ok := index[ruleUID]
		if !ok {
			continue
		}
		rulesList[i].Actions = append(rulesList[i].Actions, a)
	}
	if err := actionRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating program rule actions: %w", err)
	}

	return rulesList, nil
}

// ProgramRuleVariables returns the variables of programUID, or of every program.
func (s *PostgresStore) ProgramRuleVariables(ctx context.Context, programUID string) ([]ProgramRuleVariable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.uid, v.name, v.program_uid, v.source_type, COALESCE(v.program_stage_uid, ''),
		       COALESCE(v.value_type, ''),
		       de.uid, de.name, de.value_type,
		       tea.uid, tea.name, tea.value_type
		FROM program_rule_variables v
		LEFT JOIN data_elements de ON de.uid = v.data_element_uid
		LEFT JOIN tracked_entity_attributes tea ON tea.uid = v.attribute_uid
		WHERE $1 = '' OR v.program_uid = $1
		ORDER BY v.id ASC
	`, programUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list program rule variables: %w", err)
	}
	defer rows.Close()

	var out []ProgramRuleVariable
	for rows.Next() {
		var v ProgramRuleVariable
		var deUID, deName, deType, teaUID, teaName, teaType sql.NullString
		if err := rows.Scan(&v.UID, &v.Name, &v.ProgramUID, &v.SourceType, &v.ProgramStageUID,
			&v.ValueType, &deUID, &deName, &deType, &teaUID, &teaName, &teaType); err != nil {
			return nil, fmt.Errorf("failed to scan program rule variable: %w", err)
		}
		if deUID.Valid {
			v.DataElement = &DataElement{UID: deUID.String, Name: deName.String, ValueType: ValueType(deType.String)}
		}
		if teaUID.Valid {
			v.Attribute = &TrackedEntityAttribute{UID: teaUID.String, Name: teaName.String, ValueType: ValueType(teaType.String)}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating program rule variables: %w", err)
	}
	return out, nil
}

// Constants returns every constant ordered by UID.
func (s *PostgresStore) Constants(ctx context.Context) ([]Constant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid, name, value FROM constants ORDER BY uid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list constants: %w", err)
	}
	defer rows.Close()

	var out []Constant
	for rows.Next() {
		var c Constant
		if err := rows.Scan(&c.UID, &c.Name, &c.Value); err != nil {
			return nil, fmt.Errorf("failed to scan constant: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating constants: %w", err)
	}
	return out, nil
}

// Program returns a program by UID.
func (s *PostgresStore) Program(ctx context.Context, uid string) (*Program, error) {
	var p Program
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, name, without_registration FROM programs WHERE uid = $1
	`, uid).Scan(&p.UID, &p.Name, &p.WithoutRegistration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("program %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get program: %w", err)
	}
	return &p, nil
}

// NotificationTemplate returns a template by UID.
func (s *PostgresStore) NotificationTemplate(ctx context.Context, uid string) (*NotificationTemplate, error) {
	var t NotificationTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, name, COALESCE(subject, ''), COALESCE(message, ''), send_repeatable
		FROM notification_templates
		WHERE uid = $1
	`, uid).Scan(&t.UID, &t.Name, &t.Subject, &t.Message, &t.SendRepeatable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification template %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification template: %w", err)
	}
	return &t, nil
}

// Enrollment returns an enrollment together with all of its events.
func (s *PostgresStore) Enrollment(ctx context.Context, uid string) (*Enrollment, error) {
	var e Enrollment
	var attributes []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, program_uid, tracked_entity_uid, org_unit_uid, enrolled_at, occurred_at, attributes
		FROM enrollments
		WHERE uid = $1
	`, uid).Scan(&e.UID, &e.ProgramUID, &e.TrackedEntityUID, &e.OrgUnitUID, &e.EnrolledAt, &e.OccurredAt, &attributes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if err := json.Unmarshal(attributes, &e.Attributes); err != nil {
		return nil, fmt.Errorf("invalid attributes for enrollment %s: %w", uid, err)
	}

	rows, err := s.db.QueryContext(ctx, eventSelect+` WHERE enrollment_uid = $1 ORDER BY occurred_at DESC, uid ASC`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		e.Events = append(e.Events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return &e, nil
}

// Event returns one event.
func (s *PostgresStore) Event(ctx context.Context, uid string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, eventSelect+` WHERE uid = $1`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", uid, ErrNotFound)
	}
	return ev, err
}

const eventSelect = `
	SELECT uid, COALESCE(enrollment_uid, ''), program_uid, program_stage_uid, org_unit_uid, occurred_at, data_values
	FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var dataValues []byte
	if err := row.Scan(&ev.UID, &ev.EnrollmentUID, &ev.ProgramUID, &ev.ProgramStageUID,
		&ev.OrgUnitUID, &ev.OccurredAt, &dataValues); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if err := json.Unmarshal(dataValues, &ev.DataValues); err != nil {
		return nil, fmt.Errorf("invalid data values for event %s: %w", ev.UID, err)
	}
	return &ev, nil
}

// SaveEventDataValue sets one data value on an event.
func (s *PostgresStore) SaveEventDataValue(ctx context.Context, eventUID, dataElementUID, value string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET data_values = jsonb_set(COALESCE(data_values, '{}'::jsonb), ARRAY[$2::text], to_jsonb($3::text))
		WHERE uid = $1
	`, eventUID, dataElementUID, value)
	if err != nil {
		return fmt.Errorf("failed to save data value: %w", err)
	}
	return requireOneRow(result, "event", eventUID)
}

// SaveAttributeValue sets one attribute value on an enrollment.
func (s *PostgresStore) SaveAttributeValue(ctx context.Context, enrollmentUID, attributeUID, value string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET attributes = jsonb_set(COALESCE(attributes, '{}'::jsonb), ARRAY[$2::text], to_jsonb($3::text))
		WHERE uid = $1
	`, enrollmentUID, attributeUID, value)
	if err != nil {
		return fmt.Errorf("failed to save attribute value: %w", err)
	}
	return requireOneRow(result, "enrollment", enrollmentUID)
}

// OrgUnitGroupMembers returns the organisation unit UIDs of a group.
func (s *PostgresStore) OrgUnitGroupMembers(ctx context.Context, groupUID string) ([]string, error) {
	var members pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(m.org_unit_uid ORDER BY m.org_unit_uid) FILTER (WHERE m.org_unit_uid IS NOT NULL), '{}')
		FROM org_unit_groups g
		LEFT JOIN org_unit_group_members m ON m.group_uid = g.uid
		WHERE g.uid = $1
		GROUP BY g.uid
	`, groupUID).Scan(&members)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organisation unit group %s: %w", groupUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organisation unit group members: %w", err)
	}
	return []string(members), nil
}

// CurrentUser returns the user carried by ctx with its role UIDs.
func (s *PostgresStore) CurrentUser(ctx context.Context) (*User, error) {
	uid, ok := UserFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no current user: %w", ErrNotFound)
	}

	var u User
	var roles pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT u.uid, u.username,
		       COALESCE(array_agg(r.role_uid ORDER BY r.role_uid) FILTER (WHERE r.role_uid IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles r ON r.user_uid = u.uid
		WHERE u.uid = $1
		GROUP BY u.uid, u.username
	`, uid).Scan(&u.UID, &u.Username, &roles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Roles = []string(roles)
	return &u, nil
}

func requireOneRow(result sql.Result, kind, uid string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", kind, uid, ErrNotFound)
	}
	return nil
}
