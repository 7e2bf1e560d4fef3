package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/liamcoop/programrules/metadata"
)

var (
	orgUnitGroupPattern = regexp.MustCompile(`d2:inOrgUnitGroup\(\s*['"]([^'"]+)['"]\s*\)`)
	userRolePattern     = regexp.MustCompile(`d2:hasUserRole\(`)
)

// OrgUnitGroupResolver resolves the member organisation units of a group.
type OrgUnitGroupResolver interface {
	OrgUnitGroupMembers(ctx context.Context, groupUID string) ([]string, error)
}

// UserResolver resolves the user bound to ctx.
type UserResolver interface {
	CurrentUser(ctx context.Context) (*metadata.User, error)
}

// SupplementaryDataProvider builds the lookup data that rule conditions need
// beyond the enrollment itself. Only groups named by a condition are loaded.
type SupplementaryDataProvider struct {
	groups OrgUnitGroupResolver
	users  UserResolver
	logger *slog.Logger
}

// NewSupplementaryDataProvider creates a provider. A nil logger falls back to slog.Default().
func NewSupplementaryDataProvider(groups OrgUnitGroupResolver, users UserResolver, logger *slog.Logger) *SupplementaryDataProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SupplementaryDataProvider{groups: groups, users: users, logger: logger}
}

// Get scans the conditions of rulesList and resolves every referenced
// organisation unit group and, if any condition checks a role, the current
// user's roles.
func (p *SupplementaryDataProvider) Get(ctx context.Context, rulesList []Rule) (SupplementaryData, error) {
	data := make(SupplementaryData)
	needsUser := false

	for _, r := range rulesList {
		for _, uid := range ReferencedOrgUnitGroups(r.Condition) {
			if _, ok := data[uid]; ok {
				continue
			}
			if p.groups == nil {
				data[uid] = []string{}
				continue
			}
			members, err := p.groups.OrgUnitGroupMembers(ctx, uid)
			if err != nil && !errors.Is(err, metadata.ErrNotFound) {
				return nil, fmt.Errorf("failed to resolve organisation unit group %s: %w", uid, err)
			}
			if members == nil {
				members = []string{}
			}
			data[uid] = members
		}
		if userRolePattern.MatchString(r.Condition) {
			needsUser = true
		}
	}

	if needsUser {
		roles := []string{}
		if p.users != nil {
			user, err := p.users.CurrentUser(ctx)
			switch {
			case errors.Is(err, metadata.ErrNotFound):
				p.logger.Debug("no current user for role check")
			case err != nil:
				return nil, fmt.Errorf("failed to resolve current user: %w", err)
			default:
				roles = append(roles, user.Roles...)
			}
		}
		data[SupplementaryDataUserKey] = roles
	}

	p.logger.Debug("built supplementary data", "keys", len(data), "user_roles", needsUser)
	return data, nil
}

// ReferencedOrgUnitGroups returns the distinct group UIDs passed to
// d2:inOrgUnitGroup in condition, in order of appearance.
func ReferencedOrgUnitGroups(condition string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range orgUnitGroupPattern.FindAllStringSubmatch(condition, -1) {
		uid := strings.TrimSpace(m[1])
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}
