package cdcnorm

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edgeflare/cdcnorm/internal/testutil"
	"github.com/edgeflare/cdcnorm/pkg/cdc"
	"github.com/edgeflare/cdcnorm/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the command tree with an isolated config file
func run(t *testing.T, stdin string, configYAML string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "cdcnorm.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(configYAML), 0o600))

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath, "--log-level", "none"}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func compactFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := testutil.LoadFile(name)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, json.Compact(&buf, data))
	return buf.String()
}

func TestNormalizeCommand(t *testing.T) {
	stdin := strings.Join([]string{
		compactFixture(t, "change_insert.json"),
		"",
		"{not json",
		compactFixture(t, "change_update.json"),
	}, "\n")

	out, err := run(t, stdin, "logLevel: info\n", "normalize", "--mapping", testutil.Path("mapping.yml"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "the unparsable line is skipped")

	var first cdc.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "created", first.EventType)
	assert.Equal(t, "mongo:o1:insert:2024-05-01T10:00:00Z", first.IdempotencyKey)
	assert.EqualValues(t, 90, first.Attrs["payment_latency_s"])
}

func TestNormalizeCommandFiles(t *testing.T) {
	input := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(compactFixture(t, "change_insert.json")+"\n"), 0o600))

	out, err := run(t, "", "mapping:\n  path: "+testutil.Path("mapping.yml")+"\n", "normalize", input)
	require.NoError(t, err)
	assert.Contains(t, out, `"event_type":"created"`)

	_, err = run(t, "", "logLevel: info\n", "normalize", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestNormalizeCommandStrict(t *testing.T) {
	_, err := run(t, "", "mapping:\n  strict: true\n", "normalize")
	assert.ErrorContains(t, err, "strict mapping requires mapping.path")

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte(`
mappings:
  - match: {ns: {db: shop, coll: orders}}
    attrs:
      - x: "$median(fullDocument.a)"
`), 0o600))
	_, err = run(t, "", "mapping:\n  strict: true\n", "normalize", "--mapping", bad)
	assert.ErrorContains(t, err, "invalid mapping")
}

func TestValidateCommand(t *testing.T) {
	out, err := run(t, "", `
pipeline:
  peers:
    - {name: raw, connector: kafka}
    - {name: out, connector: debug}
  pipelines:
    - name: mongo
      sources: [{name: raw}]
      sinks: [{name: out}]
`, "validate", testutil.Path("mapping.yml"))
	require.NoError(t, err)
	assert.Contains(t, out, "3 rules OK")
	assert.Contains(t, out, "2 peers, 1 pipelines OK")

	_, err = run(t, "", `
pipeline:
  pipelines:
    - name: mongo
      sources: [{name: raw}]
`, "validate", testutil.Path("mapping.yml"))
	assert.ErrorContains(t, err, "peer not found: raw")

	_, err = run(t, "", "logLevel: info\n", "validate")
	assert.ErrorContains(t, err, "no mapping file given")
}

func TestVersionAndLogLevel(t *testing.T) {
	out, err := run(t, "", "logLevel: info\n", "--version")
	require.NoError(t, err)
	assert.Equal(t, config.Version+"\n", out)

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "validate"})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute(), "an explicit config file must exist")

	_, err = newLogger("chatty")
	assert.Error(t, err)
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
