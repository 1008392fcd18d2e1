package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Parse decodes a definition from YAML (or JSON, which YAML subsumes) and
// validates it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses a definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// DirResolver resolves workflow references against a directory of definition
// files named <id>.yaml, <id>.yml or <id>.json.
type DirResolver struct {
	Dir string
}

// Resolve loads the referenced definition.
func (r DirResolver) Resolve(_ context.Context, workflowID string) (*Definition, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(r.Dir, workflowID+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return LoadFile(path)
	}
	return nil, fmt.Errorf("workflow %q not found under %s", workflowID, r.Dir)
}

// rawTaskSpec mirrors TaskSpec with a human-readable timeout ("30m", "2h").
type rawTaskSpec struct {
	Instructions       string `yaml:"instructions" json:"instructions"`
	Timeout            string `yaml:"timeout,omitempty" json:"-"`
	MaxRetries         int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryableExitCodes []int  `yaml:"retryable_exit_codes,omitempty" json:"retryable_exit_codes,omitempty"`
	CaptureDiff        bool   `yaml:"capture_diff,omitempty" json:"capture_diff,omitempty"`
}

func (t *TaskSpec) fromRaw(raw rawTaskSpec) error {
	t.Instructions = raw.Instructions
	t.MaxRetries = raw.MaxRetries
	t.RetryableExitCodes = raw.RetryableExitCodes
	t.CaptureDiff = raw.CaptureDiff
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parse task timeout %q: %w", raw.Timeout, err)
		}
		t.Timeout = d
	}
	return nil
}

// UnmarshalYAML accepts timeouts in time.ParseDuration notation.
func (t *TaskSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw rawTaskSpec
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return t.fromRaw(raw)
}

// UnmarshalJSON accepts timeouts as duration strings or nanosecond numbers,
// so archived definitions round-trip.
func (t *TaskSpec) UnmarshalJSON(data []byte) error {
	var raw rawTaskSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var timeoutField struct {
		Timeout json.RawMessage `json:"timeout"`
	}
	if err := json.Unmarshal(data, &timeoutField); err != nil {
		return err
	}
	if err := t.fromRaw(raw); err != nil {
		return err
	}
	if len(timeoutField.Timeout) > 0 {
		var asString string
		if err := json.Unmarshal(timeoutField.Timeout, &asString); err == nil {
			d, err := time.ParseDuration(asString)
			if err != nil {
				return fmt.Errorf("parse task timeout %q: %w", asString, err)
			}
			t.Timeout = d
			return nil
		}
		var asNanos int64
		if err := json.Unmarshal(timeoutField.Timeout, &asNanos); err != nil {
			return fmt.Errorf("parse task timeout %s", timeoutField.Timeout)
		}
		t.Timeout = time.Duration(asNanos)
	}
	return nil
}
