package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/record"
)

// Scenario is one scripted sync session with assertions on its outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Settings tune the engine under test. Zero values use defaults.
	Settings Settings `yaml:"settings,omitempty"`

	// Server seeds records on the server of record.
	Server []Record `yaml:"server,omitempty"`

	// Cache seeds synced cache entries, as if fetched earlier.
	Cache []Record `yaml:"cache,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Settings tune the engine and queue.
type Settings struct {
	MaxRetries     int    `yaml:"max_retries,omitempty"`
	Concurrency    int    `yaml:"concurrency,omitempty"`
	ConflictPolicy string `yaml:"conflict_policy,omitempty"`
}

// Record is a versioned record on the server or in the cache.
type Record struct {
	Table   string         `yaml:"table"`
	ID      string         `yaml:"id"`
	Version int64          `yaml:"version"`
	Data    map[string]any `yaml:"data"`

	// TTL applies to cache seeds only; empty uses the cache default.
	TTL string `yaml:"ttl,omitempty"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Create   *Write       `yaml:"create,omitempty"`
	Update   *Write       `yaml:"update,omitempty"`
	Delete   *Write       `yaml:"delete,omitempty"`
	Remote   *Record      `yaml:"remote,omitempty"`
	Fail     *Fault       `yaml:"fail,omitempty"`
	Network  string       `yaml:"network,omitempty"`
	Sync     bool         `yaml:"sync,omitempty"`
	Advance  string       `yaml:"advance,omitempty"`
	Resolve  *ResolveStep `yaml:"resolve,omitempty"`
	Resubmit string       `yaml:"resubmit,omitempty"`
}

// Write is an optimistic create, update or delete.
type Write struct {
	Table    string         `yaml:"table"`
	ID       string         `yaml:"id,omitempty"`
	Data     map[string]any `yaml:"data,omitempty"`
	Priority string         `yaml:"priority,omitempty"`
}

// Fault makes the next Count server requests fail with Status.
type Fault struct {
	Count   int    `yaml:"count"`
	Status  int    `yaml:"status"`
	Message string `yaml:"message,omitempty"`
}

// ResolveStep resolves a conflict.
type ResolveStep struct {
	Conflict string         `yaml:"conflict"`
	Strategy string         `yaml:"strategy"`
	Data     map[string]any `yaml:"data,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event and Count are used by event_count; Count by conflicts.
	Event string `yaml:"event,omitempty"`
	Count int    `yaml:"count"`

	// Events is the expected order for event_order.
	Events []string `yaml:"events,omitempty"`

	// Table, ID, Version, Data, Absent and Synced are used by
	// server_record and cache_entry. A zero Version or nil Data is not
	// checked.
	Table   string         `yaml:"table,omitempty"`
	ID      string         `yaml:"id,omitempty"`
	Version int64          `yaml:"version,omitempty"`
	Data    map[string]any `yaml:"data,omitempty"`
	Absent  bool           `yaml:"absent,omitempty"`
	Synced  *bool          `yaml:"synced,omitempty"`

	// Queue holds expected queue stats by name.
	Queue map[string]int `yaml:"queue,omitempty"`
}

// Assertion type constants.
const (
	AssertEventCount   = "event_count"
	AssertEventOrder   = "event_order"
	AssertServerRecord = "server_record"
	AssertCacheEntry   = "cache_entry"
	AssertQueue        = "queue"
	AssertConflicts    = "conflicts"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, ordered by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Settings.MaxRetries < 0 || s.Settings.Concurrency < 0 {
		return fmt.Errorf("settings: max_retries and concurrency must be non-negative")
	}
	if _, err := conflict.ByName(s.Settings.ConflictPolicy); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	for i, r := range s.Server {
		if err := validateRecord(r); err != nil {
			return fmt.Errorf("server[%d]: %w", i, err)
		}
	}
	for i, r := range s.Cache {
		if err := validateRecord(r); err != nil {
			return fmt.Errorf("cache[%d]: %w", i, err)
		}
		if r.TTL != "" {
			if _, err := time.ParseDuration(r.TTL); err != nil {
				return fmt.Errorf("cache[%d]: ttl: %w", i, err)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateRecord(r Record) error {
	if r.Table == "" || r.ID == "" {
		return fmt.Errorf("table and id are required")
	}
	if r.Version < 1 {
		return fmt.Errorf("version must be positive")
	}
	return nil
}

// kind names the action a step sets, or "" if it sets none.
func (s Step) kind() string {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (s Step) kinds() []string {
	var out []string
	set := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	set(s.Create != nil, "create")
	set(s.Update != nil, "update")
	set(s.Delete != nil, "delete")
	set(s.Remote != nil, "remote")
	set(s.Fail != nil, "fail")
	set(s.Network != "", "network")
	set(s.Sync, "sync")
	set(s.Advance != "", "advance")
	set(s.Resolve != nil, "resolve")
	set(s.Resubmit != "", "resubmit")
	return out
}

func validateStep(s Step) error {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return fmt.Errorf("exactly one action is required, got %v", kinds)
	}

	switch kinds[0] {
	case "create":
		if s.Create.Table == "" || s.Create.Data == nil {
			return fmt.Errorf("create: table and data are required")
		}
		return validatePriority(s.Create.Priority)
	case "update":
		if s.Update.Table == "" || s.Update.ID == "" || s.Update.Data == nil {
			return fmt.Errorf("update: table, id and data are required")
		}
		return validatePriority(s.Update.Priority)
	case "delete":
		if s.Delete.Table == "" || s.Delete.ID == "" {
			return fmt.Errorf("delete: table and id are required")
		}
		return validatePriority(s.Delete.Priority)
	case "remote":
		return validateRecord(*s.Remote)
	case "fail":
		if s.Fail.Count < 1 || s.Fail.Status < 400 {
			return fmt.Errorf("fail: count must be positive and status an HTTP error")
		}
	case "network":
		if s.Network != "up" && s.Network != "down" {
			return fmt.Errorf("network: must be up or down, got %q", s.Network)
		}
	case "advance":
		if _, err := time.ParseDuration(s.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	case "resolve":
		if s.Resolve.Conflict == "" {
			return fmt.Errorf("resolve: conflict is required")
		}
		strategy := record.Resolution(s.Resolve.Strategy)
		if !strategy.Valid() {
			return fmt.Errorf("resolve: unknown strategy %q", s.Resolve.Strategy)
		}
		if strategy == record.ResolutionManual && s.Resolve.Data == nil {
			return fmt.Errorf("resolve: manual strategy requires data")
		}
	}
	return nil
}

func validatePriority(p string) error {
	if p != "" && !record.Priority(p).Valid() {
		return fmt.Errorf("unknown priority %q", p)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	case AssertServerRecord, AssertCacheEntry:
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: table and id are required for %s", index, a.Type)
		}
		if a.Absent && (a.Version != 0 || a.Data != nil || a.Synced != nil) {
			return fmt.Errorf("assertions[%d]: absent excludes version, data and synced", index)
		}
	case AssertQueue:
		if len(a.Queue) == 0 {
			return fmt.Errorf("assertions[%d]: queue stats are required for queue", index)
		}
		for name := range a.Queue {
			if !validStat(name) {
				return fmt.Errorf("assertions[%d]: unknown queue stat %q", index, name)
			}
		}
	case AssertConflicts:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for conflicts", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
