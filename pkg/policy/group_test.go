package policy

import (
	"testing"

	"github.com/cuemby/cda/pkg/types"
)

func sessionWithThing(name string) *types.Session {
	return &types.Session{
		ID:         "sess-1",
		Attributes: map[string]map[string]string{"Thing": {"ThingName": name}},
	}
}

func TestApplicablePermissionsSkipsNonMatchingGroups(t *testing.T) {
	gm := NewGroupManager([]GroupDefinition{
		{
			Name:          "other",
			SelectionRule: "Thing.ThingName:OtherThing",
			Policies: map[string]PolicyDefinition{
				"p1": {Operations: []string{"mqtt:connect"}, Resources: []string{"mqtt:topic:*"}},
			},
		},
		{
			Name:          "mine",
			SelectionRule: "Thing.ThingName:MyThing",
			Policies: map[string]PolicyDefinition{
				"p1": {Operations: []string{"mqtt:publish"}, Resources: []string{"mqtt:topic:a/b"}},
			},
		},
	})

	perms := gm.ApplicablePermissions(sessionWithThing("MyThing"))
	if len(perms) != 1 {
		t.Fatalf("expected exactly one permission from the matching group, got %d", len(perms))
	}
	if perms[0].Operation != "mqtt:publish" {
		t.Fatalf("unexpected operation %q", perms[0].Operation)
	}
}

func TestApplicablePermissionsExpandsCrossProduct(t *testing.T) {
	gm := NewGroupManager([]GroupDefinition{
		{
			Name:          "fleet",
			SelectionRule: "*",
			Policies: map[string]PolicyDefinition{
				"p1": {
					Principals: []string{"a", "b"},
					Operations: []string{"mqtt:publish", "mqtt:subscribe"},
					Resources:  []string{"mqtt:topic:x"},
				},
			},
		},
	})

	perms := gm.ApplicablePermissions(sessionWithThing("Anything"))
	if len(perms) != 4 {
		t.Fatalf("expected 2 principals * 2 operations * 1 resource = 4 permissions, got %d", len(perms))
	}
}

func TestApplicablePermissionsDefaultsMissingPrincipalsToWildcard(t *testing.T) {
	gm := NewGroupManager([]GroupDefinition{
		{
			Name:          "fleet",
			SelectionRule: "*",
			Policies: map[string]PolicyDefinition{
				"p1": {Operations: []string{"mqtt:publish"}, Resources: []string{"mqtt:topic:x"}},
			},
		},
	})

	perms := gm.ApplicablePermissions(sessionWithThing("Anything"))
	if len(perms) != 1 || perms[0].Principal != "*" {
		t.Fatalf("expected a single wildcard-principal permission, got %+v", perms)
	}
}

func TestMatchesSelectionRuleWildcardAndEmpty(t *testing.T) {
	s := sessionWithThing("MyThing")
	if !matchesSelectionRule("", s) {
		t.Fatal("empty selection rule should match any session")
	}
	if !matchesSelectionRule("*", s) {
		t.Fatal("* selection rule should match any session")
	}
	if !matchesSelectionRule("Thing.ThingName:My*", s) {
		t.Fatal("wildcard selection rule should match")
	}
	if matchesSelectionRule("Thing.ThingName:OtherThing", s) {
		t.Fatal("mismatched selection rule should not match")
	}
	if matchesSelectionRule("malformed-rule", s) {
		t.Fatal("malformed selection rule (no namespace.key split) should not match")
	}
}
