package sso

import (
	"strings"

	"github.com/cohortly/tms/pkg/auth"
)

// roleRule pairs a group predicate with the role it grants. Rules are
// evaluated in declaration order and the first matching tier wins, so
// a user in both an admin group and an hr group gets ADMIN.
type roleRule struct {
	match func(group string) bool
	role  auth.Role
}

func containsAny(substrings ...string) func(string) bool {
	return func(group string) bool {
		lower := strings.ToLower(group)
		for _, s := range substrings {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

var roleRules = []roleRule{
	{containsAny("admin", "administrator"), auth.RoleAdmin},
	{containsAny("coordinator", "training-manager", "trainingmanager"), auth.RoleCoordinator},
	{containsAny("hr", "human-resources", "humanresources", "people-ops"), auth.RoleHR},
}

// MapGroupsToRole resolves directory groups to a role. Users with no
// recognized group get FACILITATOR.
func MapGroupsToRole(groups []string) auth.Role {
	for _, rule := range roleRules {
		for _, group := range groups {
			if rule.match(group) {
				return rule.role
			}
		}
	}
	return auth.RoleFacilitator
}
