package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestSpecMatch(t *testing.T) {
	spec := NewSpec(Defaults{HashPII: true},
		Rule{DB: "shop", Coll: "orders", Tags: []string{"first"}},
		Rule{DB: "shop", Coll: "customers", Tags: []string{"customers"}},
		Rule{DB: "shop", Coll: "orders", Tags: []string{"second"}},
	)

	testCases := []struct {
		name     string
		db, coll string
		wantTags []string
	}{
		{name: "first declared rule wins", db: "shop", coll: "orders", wantTags: []string{"first"}},
		{name: "other collection", db: "shop", coll: "customers", wantTags: []string{"customers"}},
		{name: "case sensitive", db: "Shop", coll: "orders"},
		{name: "db must match too", db: "crm", coll: "orders"},
		{name: "empty namespace", db: "", coll: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rule := spec.Match(tc.db, tc.coll)
			assert.Equal(t, tc.wantTags, rule.Tags)
			if tc.wantTags == nil {
				assert.Equal(t, Rule{}, rule, "no match yields the empty rule")
			}
		})
	}
}

func TestSpecNil(t *testing.T) {
	var spec *Spec
	assert.Equal(t, Rule{}, spec.Match("shop", "orders"))
	assert.Zero(t, spec.Len())
	assert.Nil(t, spec.Rules())
	assert.NoError(t, spec.Validate())
	assert.True(t, spec.Defaults().HashPII)
}

func TestSpecRulesIsACopy(t *testing.T) {
	spec := NewSpec(Defaults{}, Rule{DB: "a", Coll: "b"})
	rules := spec.Rules()
	rules[0].DB = "mutated"
	assert.Equal(t, "a", spec.Rules()[0].DB)
}

func TestOverrideEventType(t *testing.T) {
	root := map[string]any{"operationType": "insert"}
	insert := Eq{A: "operationType", B: "'insert'"}
	update := Eq{A: "operationType", B: "'update'"}

	testCases := []struct {
		name     string
		override *Override
		want     string
	}{
		{name: "nil override", want: "insert"},
		{name: "true branch", override: &Override{When: insert, Value: strPtr("created"), Else: strPtr("changed")}, want: "created"},
		{name: "false branch", override: &Override{When: update, Value: strPtr("updated"), Else: strPtr("changed")}, want: "changed"},
		{name: "missing true branch", override: &Override{When: insert, Else: strPtr("changed")}, want: "insert"},
		{name: "missing false branch", override: &Override{When: update, Value: strPtr("updated")}, want: "insert"},
		{name: "empty value is kept", override: &Override{When: insert, Value: strPtr("")}, want: ""},
		{name: "invalid condition", override: &Override{When: Invalid{Source: "$x()"}, Value: strPtr("a"), Else: strPtr("b")}, want: "insert"},
		{name: "no condition", override: &Override{Value: strPtr("a")}, want: "insert"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.override.EventType(root, "insert"))
		})
	}
}
