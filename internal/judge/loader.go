package judge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/taskgate/internal/quality"
)

const SchemaVersion = "1.0.0"

// RegistryFile is the on-disk list of judge descriptors.
type RegistryFile struct {
	SchemaVersion string       `yaml:"schema_version"`
	Judges        []Descriptor `yaml:"judges"`
}

// Descriptor configures one judge.
type Descriptor struct {
	ID      string       `yaml:"id"`
	Kind    Kind         `yaml:"kind"`
	Enabled *bool        `yaml:"enabled,omitempty"`
	Timeout string       `yaml:"timeout,omitempty"`
	Engines []EngineSpec `yaml:"engines,omitempty"`
	// Rules override the kind defaults by id; new ids are appended.
	Rules []quality.RuleDefinition `yaml:"rules,omitempty"`
	// ReplaceDefaults drops the kind defaults entirely.
	ReplaceDefaults bool `yaml:"replace_defaults,omitempty"`
}

type EngineSpec struct {
	Type    string   `yaml:"type"`
	Command []string `yaml:"command,omitempty"`
	Keys    []string `yaml:"keys,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`
}

func (d *Descriptor) enabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// LoadFile reads and validates a registry file. Unknown fields are errors.
func LoadFile(path string) (*RegistryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read judge registry: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*RegistryFile, error) {
	var rf RegistryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse judge registry: %w", err)
	}
	if err := rf.Validate(); err != nil {
		return nil, fmt.Errorf("judge registry validation failed: %w", err)
	}
	return &rf, nil
}

func (rf *RegistryFile) Validate() error {
	if rf.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	if rf.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version: %s", rf.SchemaVersion)
	}

	ids := make(map[string]bool, len(rf.Judges))
	for i, d := range rf.Judges {
		if d.ID == "" {
			return fmt.Errorf("judge %d: missing id", i)
		}
		if ids[d.ID] {
			return fmt.Errorf("duplicate judge id: %s", d.ID)
		}
		ids[d.ID] = true

		if !d.Kind.Valid() {
			return fmt.Errorf("judge %s: unknown kind %q", d.ID, d.Kind)
		}
		if d.Timeout != "" {
			if _, err := parsePositiveDuration(d.Timeout); err != nil {
				return fmt.Errorf("judge %s: timeout: %w", d.ID, err)
			}
		}
		for j, e := range d.Engines {
			if err := e.validate(); err != nil {
				return fmt.Errorf("judge %s, engine %d: %w", d.ID, j, err)
			}
		}
		if d.ReplaceDefaults && len(d.Rules) == 0 {
			return fmt.Errorf("judge %s: replace_defaults requires rules", d.ID)
		}
		if err := quality.ValidateRules(withDefaultSeverity(d.Rules)); err != nil {
			return fmt.Errorf("judge %s: %w", d.ID, err)
		}
	}
	return nil
}

func (e *EngineSpec) validate() error {
	switch e.Type {
	case EngineResultMetrics:
		if len(e.Command) > 0 {
			return fmt.Errorf("%s engine takes no command", e.Type)
		}
	case EngineCommand:
		if len(e.Command) == 0 || e.Command[0] == "" {
			return fmt.Errorf("%s engine requires command", e.Type)
		}
	default:
		return fmt.Errorf("unknown engine type %q", e.Type)
	}
	if e.Timeout != "" {
		if _, err := parsePositiveDuration(e.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}
	return nil
}

func withDefaultSeverity(rules []quality.RuleDefinition) []quality.RuleDefinition {
	out := append([]quality.RuleDefinition{}, rules...)
	quality.ApplyDefaults(out)
	return out
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// Build compiles every enabled descriptor into a judge. Descriptors without
// engines read the worker-reported metrics.
func (rf *RegistryFile) Build(eval *quality.Engine) ([]Judge, error) {
	judges := make([]Judge, 0, len(rf.Judges))
	for _, d := range rf.Judges {
		if !d.enabled() {
			continue
		}
		j, err := buildJudge(d, eval)
		if err != nil {
			return nil, fmt.Errorf("judge %s: %w", d.ID, err)
		}
		judges = append(judges, j)
	}
	return judges, nil
}

func buildJudge(d Descriptor, eval *quality.Engine) (*ThresholdJudge, error) {
	rules, err := quality.Compile(mergeRules(d))
	if err != nil {
		return nil, err
	}

	var timeout time.Duration
	if d.Timeout != "" {
		timeout, _ = parsePositiveDuration(d.Timeout)
	}

	specs := d.Engines
	if len(specs) == 0 {
		specs = []EngineSpec{{Type: EngineResultMetrics}}
	}
	engines := make([]Engine, 0, len(specs))
	for _, spec := range specs {
		switch spec.Type {
		case EngineResultMetrics:
			engines = append(engines, &ResultMetricsEngine{Keys: spec.Keys})
		case EngineCommand:
			var t time.Duration
			if spec.Timeout != "" {
				t, _ = parsePositiveDuration(spec.Timeout)
			}
			engines = append(engines, &CommandEngine{Command: spec.Command, Timeout: t})
		}
	}

	return NewThresholdJudge(d.ID, d.Kind, timeout, engines, rules, eval), nil
}

// mergeRules overlays descriptor rules on the kind defaults by rule id.
func mergeRules(d Descriptor) []quality.RuleDefinition {
	if d.ReplaceDefaults {
		return append([]quality.RuleDefinition{}, d.Rules...)
	}
	merged := DefaultRules(d.Kind)
	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.ID] = i
	}
	for _, r := range d.Rules {
		if i, ok := index[r.ID]; ok {
			merged[i] = r
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}
	return merged
}
