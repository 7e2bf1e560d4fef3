package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Import writes the contents of f in one transaction. Rows that already
// exist are left untouched, so importing the same fixture twice is a no-op.
func (s *PostgresStore) Import(ctx context.Context, f *Fixture) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []func(context.Context, *sql.Tx, *Fixture) error{
		importPrograms,
		importFields,
		importVariables,
		importRules,
		importConstants,
		importTemplates,
		importEnrollments,
		importEvents,
		importOrgUnitGroups,
		importUsers,
	}
	for _, step := range steps {
		if err := step(ctx, tx, f); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

func importPrograms(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, p := range f.Programs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO programs (uid, name, without_registration)
			VALUES ($1, $2, $3)
			ON CONFLICT (uid) DO NOTHING
		`, p.UID, p.Name, p.WithoutRegistration); err != nil {
			return fmt.Errorf("failed to import program %s: %w", p.UID, err)
		}
	}
	return nil
}

// importFields writes the data elements and attributes referenced by variables.
func importFields(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, v := range f.Variables {
		if de := v.DataElement; de != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO data_elements (uid, name, value_type)
				VALUES ($1, $2, $3)
				ON CONFLICT (uid) DO NOTHING
			`, de.UID, de.Name, valueTypeOrText(de.ValueType)); err != nil {
				return fmt.Errorf("failed to import data element %s: %w", de.UID, err)
			}
		}
		if attr := v.Attribute; attr != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tracked_entity_attributes (uid, name, value_type)
				VALUES ($1, $2, $3)
				ON CONFLICT (uid) DO NOTHING
			`, attr.UID, attr.Name, valueTypeOrText(attr.ValueType)); err != nil {
				return fmt.Errorf("failed to import attribute %s: %w", attr.UID, err)
			}
		}
	}
	return nil
}

func importVariables(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, v := range f.Variables {
		var dataElement, attribute sql.NullString
		if v.DataElement != nil {
			dataElement = sql.NullString{String: v.DataElement.UID, Valid: true}
		}
		if v.Attribute != nil {
			attribute = sql.NullString{String: v.Attribute.UID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO program_rule_variables
				(uid, name, program_uid, source_type, data_element_uid, attribute_uid, program_stage_uid, value_type)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))
			ON CONFLICT (uid) DO NOTHING
		`, v.UID, v.Name, v.ProgramUID, v.SourceType, dataElement, attribute, v.ProgramStageUID, v.ValueType); err != nil {
			return fmt.Errorf("failed to import program rule variable %s: %w", v.UID, err)
		}
	}
	return nil
}

func importRules(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, r := range f.Rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO program_rules (uid, name, condition, priority, program_uid, program_stage_uid)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
			ON CONFLICT (uid) DO NOTHING
		`, r.UID, r.Name, r.Condition, r.Priority, r.ProgramUID, r.ProgramStageUID); err != nil {
			return fmt.Errorf("failed to import program rule %s: %w", r.UID, err)
		}
		for _, a := range r.Actions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO program_rule_actions
					(uid, program_rule_uid, action_type, content, data, data_element_uid, attribute_uid, template_uid)
				VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
				ON CONFLICT (uid) DO NOTHING
			`, a.UID, r.UID, a.Type, a.Content, a.Data, a.DataElementUID, a.AttributeUID, a.TemplateUID); err != nil {
				return fmt.Errorf("failed to import action %s of rule %s: %w", a.UID, r.UID, err)
			}
		}
	}
	return nil
}

func importConstants(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, c := range f.Constants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO constants (uid, name, value) VALUES ($1, $2, $3)
			ON CONFLICT (uid) DO NOTHING
		`, c.UID, c.Name, c.Value); err != nil {
			return fmt.Errorf("failed to import constant %s: %w", c.UID, err)
		}
	}
	return nil
}

func importTemplates(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, t := range f.Templates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_templates (uid, name, subject, message, send_repeatable)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
			ON CONFLICT (uid) DO NOTHING
		`, t.UID, t.Name, t.Subject, t.Message, t.SendRepeatable); err != nil {
			return fmt.Errorf("failed to import notification template %s: %w", t.UID, err)
		}
	}
	return nil
}

func importEnrollments(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, e := range f.Enrollments {
		attributes, err := jsonObject(e.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO enrollments (uid, program_uid, tracked_entity_uid, org_unit_uid, enrolled_at, occurred_at, attributes)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
			ON CONFLICT (uid) DO NOTHING
		`, e.UID, e.ProgramUID, e.TrackedEntityUID, e.OrgUnitUID, e.EnrolledAt, e.OccurredAt, attributes); err != nil {
			return fmt.Errorf("failed to import enrollment %s: %w", e.UID, err)
		}
		for _, ev := range e.Events {
			if ev.EnrollmentUID == "" {
				ev.EnrollmentUID = e.UID
			}
			if err := importEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func importEvents(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, ev := range f.Events {
		if err := importEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func importEvent(ctx context.Context, tx *sql.Tx, ev Event) error {
	dataValues, err := jsonObject(ev.DataValues)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (uid, enrollment_uid, program_uid, program_stage_uid, org_unit_uid, occurred_at, data_values)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (uid) DO NOTHING
	`, ev.UID, ev.EnrollmentUID, ev.ProgramUID, ev.ProgramStageUID, ev.OrgUnitUID, ev.OccurredAt, dataValues); err != nil {
		return fmt.Errorf("failed to import event %s: %w", ev.UID, err)
	}
	return nil
}

func importOrgUnitGroups(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, g := range f.OrgUnitGroups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO org_unit_groups (uid, name) VALUES ($1, $2)
			ON CONFLICT (uid) DO NOTHING
		`, g.UID, g.Name); err != nil {
			return fmt.Errorf("failed to import organisation unit group %s: %w", g.UID, err)
		}
		for _, member := range g.Members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO org_unit_group_members (group_uid, org_unit_uid) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, g.UID, member); err != nil {
				return fmt.Errorf("failed to import member %s of group %s: %w", member, g.UID, err)
			}
		}
	}
	return nil
}

func importUsers(ctx context.Context, tx *sql.Tx, f *Fixture) error {
	for _, u := range f.Users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (uid, username) VALUES ($1, $2)
			ON CONFLICT (uid) DO NOTHING
		`, u.UID, u.Username); err != nil {
			return fmt.Errorf("failed to import user %s: %w", u.UID, err)
		}
		for _, role := range u.Roles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_roles (user_uid, role_uid) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, u.UID, role); err != nil {
				return fmt.Errorf("failed to import role %s of user %s: %w", role, u.UID, err)
			}
		}
	}
	return nil
}

func valueTypeOrText(v ValueType) ValueType {
	if v == "" {
		return ValueTypeText
	}
	return v
}

func jsonObject(values map[string]string) (string, error) {
	if values == nil {
		return "{}", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode values: %w", err)
	}
	return string(data), nil
}
