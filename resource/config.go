package resource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Limits configures a Limited tracker. A zero field leaves that axis
// unrestricted. GCInterval zero means DefaultGCInterval.
type Limits struct {
	MaxAllocations    int64         `yaml:"max_allocations" json:"max_allocations,omitempty"`
	MaxOperations     int64         `yaml:"max_operations" json:"max_operations,omitempty"`
	MaxDuration       time.Duration `yaml:"max_duration" json:"max_duration,omitempty"`
	MaxMemory         int64         `yaml:"max_memory" json:"max_memory,omitempty"`
	GCInterval        int           `yaml:"gc_interval" json:"gc_interval,omitempty"`
	MaxRecursionDepth int           `yaml:"max_recursion_depth" json:"max_recursion_depth,omitempty"`
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// Validate returns every invalid field.
func (l Limits) Validate() error {
	var result *multierror.Error
	if l.MaxAllocations < 0 {
		result = multierror.Append(result, fmt.Errorf("max_allocations must not be negative: %d", l.MaxAllocations))
	}
	if l.MaxOperations < 0 {
		result = multierror.Append(result, fmt.Errorf("max_operations must not be negative: %d", l.MaxOperations))
	}
	if l.MaxDuration < 0 {
		result = multierror.Append(result, fmt.Errorf("max_duration must not be negative: %s", l.MaxDuration))
	}
	if l.MaxMemory < 0 {
		result = multierror.Append(result, fmt.Errorf("max_memory must not be negative: %d", l.MaxMemory))
	}
	if l.GCInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("gc_interval must not be negative: %d", l.GCInterval))
	}
	if l.MaxRecursionDepth < 0 {
		result = multierror.Append(result, fmt.Errorf("max_recursion_depth must not be negative: %d", l.MaxRecursionDepth))
	}
	return result.ErrorOrNil()
}

// ParseLimits decodes limits from YAML. Durations use Go syntax ("250ms").
// Unknown keys are rejected.
func ParseLimits(data []byte) (Limits, error) {
	var limits Limits
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&limits); err != nil {
		if errors.Is(err, io.EOF) {
			return Limits{}, nil
		}
		return Limits{}, fmt.Errorf("parse limits: %w", err)
	}
	if err := limits.Validate(); err != nil {
		return Limits{}, fmt.Errorf("invalid limits: %w", err)
	}
	return limits, nil
}

// LoadLimits reads limits from a YAML file.
func LoadLimits(path string) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, err
	}
	return ParseLimits(data)
}
