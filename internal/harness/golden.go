package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tether/internal/record"
)

// TraceSnapshot is the golden form of a trace: a header line naming the
// scenario, then one RFC 8785 canonical JSON object per event.
func TraceSnapshot(name string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeLine(&buf, map[string]any{"scenario": name}); err != nil {
		return nil, err
	}
	for _, ev := range trace {
		if err := writeLine(&buf, ev); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

func writeLine(buf *bytes.Buffer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	canonical, err := record.CanonicalizeJSON(raw)
	if err != nil {
		return err
	}
	buf.Write(canonical)
	buf.WriteByte('\n')
	return nil
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := TraceSnapshot(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)
	return nil
}
