package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Server, 1)
	assert.Equal(t, int64(1), s.Server[0].Version)
	assert.Equal(t, "a", s.Server[0].Data["title"])
	require.Len(t, s.Steps, 2)
	assert.Equal(t, "update", s.Steps[0].kind())
	assert.Equal(t, "sync", s.Steps[1].kind())

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadScenarios_Sorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yaml"} {
		src := "name: " + name[:1] + "\n" + minimalScenario[len("\nname: minimal"):]
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	got, err := LoadScenarios(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "b", got[1].Name)
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	const head = "name: x\ndescription: d\n"
	const okAssert = "assertions:\n  - {type: conflicts, count: 0}\n"
	const okSteps = "steps:\n  - sync: true\n"

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing name", "description: d\n" + okSteps + okAssert, "name is required"},
		{"missing description", "name: x\n" + okSteps + okAssert, "description is required"},
		{"no steps", head + okAssert, "steps list is required"},
		{"no assertions", head + okSteps, "assertions list is required"},
		{"bad policy", head + "settings: {conflict_policy: newest}\n" + okSteps + okAssert, "conflict_policy"},
		{"seed without version", head + "server:\n  - {table: t, id: a, data: {}}\n" + okSteps + okAssert, "server[0]: version"},
		{"bad ttl", head + "cache:\n  - {table: t, id: a, version: 1, ttl: soon}\n" + okSteps + okAssert, "cache[0]: ttl"},
		{"two actions", head + "steps:\n  - {sync: true, advance: 1s}\n" + okAssert, "exactly one action"},
		{"empty step", head + "steps:\n  - {}\n" + okAssert, "exactly one action"},
		{"update without id", head + "steps:\n  - update: {table: t, data: {}}\n" + okAssert, "update: table, id and data"},
		{"bad priority", head + "steps:\n  - create: {table: t, data: {}, priority: urgent}\n" + okAssert, "unknown priority"},
		{"bad network", head + "steps:\n  - network: sideways\n" + okAssert, "must be up or down"},
		{"bad advance", head + "steps:\n  - advance: later\n" + okAssert, "advance"},
		{"bad fault", head + "steps:\n  - fail: {count: 1, status: 200}\n" + okAssert, "fail:"},
		{"bad strategy", head + "steps:\n  - resolve: {conflict: c-1, strategy: newest}\n" + okAssert, "unknown strategy"},
		{"manual without data", head + "steps:\n  - resolve: {conflict: c-1, strategy: manual}\n" + okAssert, "requires data"},
		{"unknown assertion", head + okSteps + "assertions:\n  - {type: vibes}\n", "unknown assertion type"},
		{"event_count without event", head + okSteps + "assertions:\n  - {type: event_count, count: 1}\n", "event is required"},
		{"event_order empty", head + okSteps + "assertions:\n  - {type: event_order}\n", "events list is required"},
		{"record without id", head + okSteps + "assertions:\n  - {type: server_record, table: t}\n", "table and id are required"},
		{"absent with version", head + okSteps + "assertions:\n  - {type: cache_entry, table: t, id: a, absent: true, version: 2}\n", "absent excludes"},
		{"unknown stat", head + okSteps + "assertions:\n  - {type: queue, queue: {waiting: 1}}\n", "unknown queue stat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCheckedInScenariosAreValid(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	for _, p := range paths {
		s, err := LoadScenario(p)
		require.NoError(t, err, p)
		_, err = os.Stat(filepath.Join("testdata", "golden", s.Name+".golden"))
		assert.NoError(t, err, "scenario %s has no golden trace", s.Name)
	}
}
