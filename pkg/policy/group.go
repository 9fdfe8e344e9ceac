package policy

import (
	"strings"

	"github.com/cuemby/cda/pkg/types"
)

// PolicyDefinition is one named policy within a device group's
// deviceGroups.policies map: policyVariables plus the operations,
// resources, and principals it grants.
type PolicyDefinition struct {
	PolicyVariables map[string]string
	Operations      []string
	Resources       []string
	Principals      []string
}

// GroupDefinition is one entry of deviceGroups.definitions: a name, a
// selectionRule matching session attributes, and its policies.
type GroupDefinition struct {
	Name          string
	SelectionRule string
	Policies      map[string]PolicyDefinition
}

// GroupManager holds the compiled deviceGroups policy tree and answers
// applicablePermissions(session).
type GroupManager struct {
	groups []GroupDefinition
}

// NewGroupManager builds a GroupManager from the parsed device group tree.
func NewGroupManager(groups []GroupDefinition) *GroupManager {
	return &GroupManager{groups: groups}
}

// ApplicablePermissions expands every policy of every device group whose
// selectionRule matches session into the flat (principal, operation,
// resource) permission triples authorize() walks.
func (g *GroupManager) ApplicablePermissions(session *types.Session) []types.Permission {
	var out []types.Permission

	for _, group := range g.groups {
		if !matchesSelectionRule(group.SelectionRule, session) {
			continue
		}
		for _, policy := range group.Policies {
			principals := policy.Principals
			if len(principals) == 0 {
				principals = []string{"*"}
			}
			for _, principal := range principals {
				for _, op := range policy.Operations {
					for _, res := range policy.Resources {
						out = append(out, types.Permission{
							Principal:        principal,
							Operation:        op,
							ResourceTemplate: res,
							PolicyVariables:  policy.PolicyVariables,
						})
					}
				}
			}
		}
	}
	return out
}

// matchesSelectionRule evaluates a selectionRule against session's
// attributes. The rule syntax is "namespace.key:pattern" (pattern may use
// the wildcard syntax), or "*" to match every session.
func matchesSelectionRule(rule string, session *types.Session) bool {
	rule = strings.TrimSpace(rule)
	if rule == "" || rule == "*" {
		return true
	}

	refAndPattern := strings.SplitN(rule, ":", 2)
	if len(refAndPattern) != 2 {
		return false
	}
	ref := strings.TrimSpace(refAndPattern[0])
	pattern := strings.TrimSpace(refAndPattern[1])

	nsAndKey := strings.SplitN(ref, ".", 2)
	if len(nsAndKey) != 2 {
		return false
	}

	value := session.Attr(nsAndKey[0], nsAndKey[1])
	return value == pattern || matchWildcard(pattern, value)
}
