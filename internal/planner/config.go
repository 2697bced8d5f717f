package planner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline type discriminators.
const (
	PipelineTypeQueue    = "queue"
	PipelineTypeInterval = "interval"
	PipelineTypeGeneric  = "generic"
)

// StepConfig is one step entry from the pipelines YAML. The "step" key
// names the registered step, all other keys are step arguments.
type StepConfig map[string]any

// Pipeline is one configured pipeline.
type Pipeline struct {
	Type     string       `yaml:"type"`
	Name     string       `yaml:"name"`
	Queue    string       `yaml:"queue"`
	Interval string       `yaml:"interval"`
	Steps    []StepConfig `yaml:"steps"`
}

// Config is the planner pipelines definition.
type Config struct {
	Pipelines  []Pipeline              `yaml:"pipelines"`
	StepGroups map[string][]StepConfig `yaml:"step_groups"`
}

// LoadConfig reads and validates a pipelines YAML file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read planner config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses and validates a pipelines YAML document.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse planner config: %w", err)
	}

	for i := range cfg.Pipelines {
		p := &cfg.Pipelines[i]
		if p.Name == "" {
			return nil, fmt.Errorf("pipeline %d: missing name", i)
		}
		switch p.Type {
		case PipelineTypeQueue:
			if p.Queue == "" {
				return nil, fmt.Errorf("pipeline %s: queue type requires a queue", p.Name)
			}
		case PipelineTypeInterval:
			if _, err := ParseInterval(p.Interval); err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", p.Name, err)
			}
		case PipelineTypeGeneric:
		default:
			return nil, fmt.Errorf("pipeline %s: unknown type %q", p.Name, p.Type)
		}
	}

	return &cfg, nil
}

// ParseInterval parses a duration, additionally accepting a "d" days
// suffix used throughout pipeline configs ("7d", "0.5d").
func ParseInterval(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("missing interval")
	}
	if strings.HasSuffix(value, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(value, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q", value)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	return d, nil
}

// stringArg reads a required string step argument.
func (sc StepConfig) stringArg(name string) (string, error) {
	v, ok := sc[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q is not a string", name)
	}
	return s, nil
}

// intArg reads an integer step argument with a default.
func (sc StepConfig) intArg(name string, fallback int) (int, error) {
	v, ok := sc[name]
	if !ok {
		return fallback, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("argument %q is not an integer", name)
	}
	return n, nil
}

// stringListArg reads a list-of-strings step argument.
func (sc StepConfig) stringListArg(name string) ([]string, error) {
	v, ok := sc[name]
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %q is not a list", name)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q contains a non-string item", name)
		}
		out = append(out, s)
	}
	return out, nil
}
