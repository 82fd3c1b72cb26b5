package mapping

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/edgeflare/cdcnorm/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixture(t *testing.T) {
	data, err := testutil.LoadFile("mapping.yml")
	require.NoError(t, err)

	spec, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, 3, spec.Len())
	assert.True(t, spec.Defaults().HashPII)

	orders := spec.Rules()[0]
	assert.Equal(t, "shop", orders.DB)
	assert.Equal(t, "orders", orders.Coll)
	assert.Equal(t, []string{"status", "customer.tier", "missing"}, orders.Tags)
	assert.Equal(t, []string{"customer.tier"}, orders.PII)

	require.NotNil(t, orders.Override)
	assert.Equal(t, Eq{A: "operationType", B: "'insert'"}, orders.Override.When)
	require.NotNil(t, orders.Override.Value)
	require.NotNil(t, orders.Override.Else)
	assert.Equal(t, "created", *orders.Override.Value)
	assert.Equal(t, "changed", *orders.Override.Else)

	require.Len(t, orders.Attrs, 3)
	assert.Equal(t, DirectField{Field: "total"}, orders.Attrs[0])
	assert.Equal(t, DirectField{Field: "note"}, orders.Attrs[1])
	assert.Equal(t, ComputedField{
		Field: "payment_latency_s",
		Expr:  SecondsDiff{A: "fullDocument.paid_at", B: "fullDocument.created_at"},
	}, orders.Attrs[2])

	customers := spec.Rules()[1]
	assert.Equal(t, "shop", customers.DB, "nested match form")
	assert.Equal(t, "customers", customers.Coll)
	require.Len(t, customers.Attrs, 2)
	computed, ok := customers.Attrs[1].(ComputedField)
	require.True(t, ok)
	assert.IsType(t, Invalid{}, computed.Expr)

	err = spec.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidExpression)
	assert.Contains(t, err.Error(), "mappings[1]: attrs[1]: bogus")
}

func TestParseProblems(t *testing.T) {
	testCases := []struct {
		name    string
		doc     string
		rules   int
		problem string
	}{
		{
			name:  "empty document",
			doc:   "",
			rules: 0,
		},
		{
			name: "missing namespace",
			doc: `
mappings:
  - match: {ns.db: shop}
    tags: [status]
`,
			rules:   1,
			problem: "match.ns.coll is missing",
		},
		{
			name: "unknown predicate",
			doc: `
mappings:
  - match: {ns.db: shop, ns.coll: orders}
    event_type_override: {when: "$regex(operationType, 'ins.*')", value: x}
`,
			rules:   1,
			problem: "unknown predicate $regex",
		},
		{
			name: "non scalar tag",
			doc: `
mappings:
  - match: {ns.db: shop, ns.coll: orders}
    tags: [status, {nested: true}]
`,
			rules:   1,
			problem: "tags[1]: expected a field name",
		},
		{
			name: "attr with two keys",
			doc: `
mappings:
  - match: {ns.db: shop, ns.coll: orders}
    attrs:
      - {a: "$secondsDiff(x.a, x.b)", b: "$secondsDiff(x.a, x.b)"}
`,
			rules:   1,
			problem: "only one computed field per entry",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := Parse([]byte(tc.doc))
			require.NoError(t, err)
			assert.Equal(t, tc.rules, spec.Len())

			if tc.problem == "" {
				assert.NoError(t, spec.Validate())
				return
			}
			require.Error(t, spec.Validate())
			assert.Contains(t, spec.Validate().Error(), tc.problem)
		})
	}
}

func TestParseHashPIIDefault(t *testing.T) {
	spec, err := Parse([]byte("defaults: {hash_pii: false}\nmappings: []\n"))
	require.NoError(t, err)
	assert.False(t, spec.Defaults().HashPII)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("mappings: [unclosed"))
	assert.Error(t, err)
}

func TestLoaderFallbacks(t *testing.T) {
	dir := t.TempDir()
	malformed := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(malformed, []byte("mappings: [unclosed"), 0o600))

	builtin := fstest.MapFS{
		"fallback.yml": {Data: []byte("mappings:\n  - match: {ns.db: b, ns.coll: c}\n")},
		"broken.yml":   {Data: []byte("mappings: [unclosed")},
	}
	loader := NewLoader(WithBuiltinFS(builtin))

	testCases := []struct {
		name     string
		explicit string
		builtin  string
		wantDB   string
		wantLen  int
	}{
		{
			name:     "explicit file wins",
			explicit: testutil.Path("mapping.yml"),
			builtin:  "fallback.yml",
			wantDB:   "shop",
			wantLen:  3,
		},
		{
			name:     "missing explicit file falls back to builtin",
			explicit: filepath.Join(dir, "nope.yml"),
			builtin:  "fallback.yml",
			wantDB:   "b",
			wantLen:  1,
		},
		{
			name:     "malformed explicit file falls back to builtin",
			explicit: malformed,
			builtin:  "fallback.yml",
			wantDB:   "b",
			wantLen:  1,
		},
		{
			name:    "no explicit path uses builtin",
			builtin: "fallback.yml",
			wantDB:  "b",
			wantLen: 1,
		},
		{
			name:     "everything missing yields empty spec",
			explicit: filepath.Join(dir, "nope.yml"),
			builtin:  "nope.yml",
		},
		{
			name:    "malformed builtin yields empty spec",
			builtin: "broken.yml",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			spec := loader.Load(tc.explicit, tc.builtin)
			require.NotNil(t, spec)
			assert.Equal(t, tc.wantLen, spec.Len())
			if tc.wantLen > 0 {
				assert.Equal(t, tc.wantDB, spec.Rules()[0].DB)
			}
		})
	}
}

func TestBundledDefaultMapping(t *testing.T) {
	spec := Load("", DefaultBuiltin)
	require.NoError(t, spec.Validate())
	assert.Equal(t, 2, spec.Len())

	rule := spec.Match("shop", "customers")
	assert.Equal(t, []string{"email"}, rule.PII)
}

func TestLoadFile(t *testing.T) {
	spec, err := LoadFile(testutil.Path("mapping.yml"))
	require.NoError(t, err)
	assert.Equal(t, 3, spec.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
