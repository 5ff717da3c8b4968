// Package config loads the tether configuration file.
//
// The file is YAML. Missing keys keep their defaults; unknown keys are
// rejected. After defaults are applied the whole configuration is checked
// against an embedded CUE schema, so constraints such as
// max_backoff >= initial_backoff live in one declarative place.
//
// Example:
//
//	database:
//	  path: /var/lib/tether/tether.db
//	server:
//	  url: https://sync.example.com
//	  transport: ws
//	queue:
//	  max_retries: 8
//	  initial_backoff: 500ms
//	engine:
//	  concurrency: 4
//	  conflict_policy: remote
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete tether configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" json:"database"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Engine   EngineConfig   `yaml:"engine" json:"engine"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Quota    QuotaConfig    `yaml:"quota" json:"quota"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`

	// MaxBytes caps the database size; 0 means unlimited.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
}

// ServerConfig describes the server of record.
type ServerConfig struct {
	// URL is the base URL of the server (http(s):// or ws(s)://).
	URL string `yaml:"url" json:"url"`

	// Transport is "http" or "ws".
	Transport string `yaml:"transport" json:"transport"`

	// Listen is the address `tether serve` binds.
	Listen string `yaml:"listen" json:"listen"`
}

// QueueConfig is the retry policy.
type QueueConfig struct {
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	BackoffBase    float64       `yaml:"backoff_base" json:"backoff_base"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// EngineConfig tunes sync passes.
type EngineConfig struct {
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	SendTimeout  time.Duration `yaml:"send_timeout" json:"send_timeout"`
	SyncInterval time.Duration `yaml:"sync_interval" json:"sync_interval"`
	StuckAfter   time.Duration `yaml:"stuck_after" json:"stuck_after"`

	// ConflictPolicy resolves conflicts automatically: "local", "remote",
	// or "manual"/"" to wait for an operator.
	ConflictPolicy string `yaml:"conflict_policy" json:"conflict_policy"`
}

// CacheConfig tunes the cache store.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// QuotaConfig selects the storage quota source.
type QuotaConfig struct {
	// Source is "none", "budget" (database usage against BudgetBytes) or
	// "disk" (filesystem holding the database).
	Source       string        `yaml:"source" json:"source"`
	BudgetBytes  int64         `yaml:"budget_bytes" json:"budget_bytes"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// SnapshotConfig is where `tether export` writes. Bucket selects S3;
// otherwise Dir is used.
type SnapshotConfig struct {
	Dir      string `yaml:"dir" json:"dir"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// ParseError reports a file that is not valid YAML or names unknown keys.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parse config: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "tether.db"},
		Server: ServerConfig{
			URL:       "http://127.0.0.1:8780",
			Transport: "http",
			Listen:    "127.0.0.1:8780",
		},
		Queue: QueueConfig{
			MaxRetries:     5,
			BackoffBase:    2,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
		},
		Engine: EngineConfig{
			Concurrency:  1,
			SendTimeout:  30 * time.Second,
			SyncInterval: 30 * time.Second,
			StuckAfter:   2 * time.Minute,
		},
		Cache: CacheConfig{DefaultTTL: 10 * time.Minute},
		Quota: QuotaConfig{
			Source:       "none",
			PollInterval: time.Minute,
		},
		Snapshot: SnapshotConfig{Dir: "snapshots"},
	}
}

// Load reads the file at path over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &ParseError{Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the embedded schema. Each violation is a
// *record.ValidationError whose Field is the dotted config path.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	err := value.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var problems []error
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		if len(path) > 0 && path[0] == "#Config" {
			path = path[1:]
		}
		format, args := e.Msg()
		problems = append(problems, &record.ValidationError{
			Field:   strings.Join(path, "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(problems) == 0 {
		return &record.ValidationError{Field: "config", Message: err.Error()}
	}
	return errors.Join(problems...)
}

// RetryPolicy returns the queue retry policy.
func (c Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxRetries: c.Queue.MaxRetries,
		Base:       c.Queue.BackoffBase,
		Initial:    c.Queue.InitialBackoff,
		MaxDelay:   c.Queue.MaxBackoff,
	}
}
