// Package registry holds the ordered, immutable list of pipeline steps.
package registry

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipeline-works/contentflow/internal/config"
	"github.com/pipeline-works/contentflow/internal/models"
)

// ErrInvalid is returned for step sequences that cannot be driven.
var ErrInvalid = errors.New("invalid step registry")

// Registry is an ordered set of step definitions. It is safe for concurrent reads.
type Registry struct {
	steps []models.StepDefinition
	index map[string]int
}

// New validates defs and builds a registry. Steps without an explicit state take
// theirs from the canonical step-name table.
func New(defs ...models.StepDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no steps defined", ErrInvalid)
	}

	r := &Registry{
		steps: make([]models.StepDefinition, 0, len(defs)),
		index: make(map[string]int, len(defs)),
	}

	lastRank := models.StatePending.Rank()
	for i, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: step %d has no name", ErrInvalid, i)
		}
		if _, dup := r.index[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate step name %q", ErrInvalid, def.Name)
		}
		if def.Agent == "" {
			return nil, fmt.Errorf("%w: step %q has no agent", ErrInvalid, def.Name)
		}
		if def.MaxRetries < 1 {
			return nil, fmt.Errorf("%w: step %q max_retries must be at least 1", ErrInvalid, def.Name)
		}
		if def.RetryDelayBase < 0 || def.Timeout < 0 {
			return nil, fmt.Errorf("%w: step %q has a negative duration", ErrInvalid, def.Name)
		}

		if def.State == "" {
			s, ok := models.StateForStep(def.Name)
			if !ok {
				return nil, fmt.Errorf("%w: step %q has no state and is not a known step name", ErrInvalid, def.Name)
			}
			def.State = s
		}
		if !def.State.IsStepState() {
			return nil, fmt.Errorf("%w: step %q cannot run in state %s", ErrInvalid, def.Name, def.State)
		}
		if def.State.Rank() <= lastRank {
			return nil, fmt.Errorf("%w: step %q state %s does not advance past the previous step", ErrInvalid, def.Name, def.State)
		}
		lastRank = def.State.Rank()

		r.index[def.Name] = len(r.steps)
		r.steps = append(r.steps, def)
	}

	return r, nil
}

// Steps returns a copy of the definitions in registry order.
func (r *Registry) Steps() []models.StepDefinition {
	out := make([]models.StepDefinition, len(r.steps))
	copy(out, r.steps)
	return out
}

// Get returns the definition of a named step.
func (r *Registry) Get(name string) (models.StepDefinition, bool) {
	i, ok := r.index[name]
	if !ok {
		return models.StepDefinition{}, false
	}
	return r.steps[i], true
}

// Index returns the position of a named step, or -1.
func (r *Registry) Index(name string) int {
	if i, ok := r.index[name]; ok {
		return i
	}
	return -1
}

// Names returns step names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.Name
	}
	return names
}

func (r *Registry) Len() int {
	return len(r.steps)
}

// IsPrefix reports whether names is an ordered prefix of Names().
func (r *Registry) IsPrefix(names []string) bool {
	if len(names) > len(r.steps) {
		return false
	}
	for i, name := range names {
		if r.steps[i].Name != name {
			return false
		}
	}
	return true
}

// Default returns the five-step content pipeline.
func Default() *Registry {
	r, err := New(
		models.StepDefinition{Name: "monitor", Agent: "monitor", MaxRetries: 3, RetryDelayBase: 2 * time.Second, Timeout: 2 * time.Minute},
		models.StepDefinition{Name: "analyze", Agent: "analyzer", MaxRetries: 3, RetryDelayBase: 2 * time.Second, Timeout: 2 * time.Minute},
		models.StepDefinition{Name: "generate", Agent: "generator", MaxRetries: 3, RetryDelayBase: 5 * time.Second, Timeout: 5 * time.Minute, RequiresApproval: true},
		models.StepDefinition{Name: "fact_check", Agent: "fact_checker", MaxRetries: 2, RetryDelayBase: 5 * time.Second, Timeout: 3 * time.Minute},
		models.StepDefinition{Name: "publish", Agent: "publisher", MaxRetries: 3, RetryDelayBase: 10 * time.Second, Timeout: 2 * time.Minute, CompensationAction: "delete_draft"},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// FromConfig builds a registry from configured steps.
func FromConfig(steps []config.StepConfig) (*Registry, error) {
	defs := make([]models.StepDefinition, 0, len(steps))
	for _, s := range steps {
		def := models.StepDefinition{
			Name:               s.Name,
			Agent:              s.Agent,
			MaxRetries:         s.MaxRetries,
			RetryDelayBase:     s.RetryDelayBase,
			Timeout:            s.Timeout,
			RequiresApproval:   s.RequiresApproval,
			CompensationAction: s.CompensationAction,
		}
		if s.State != "" {
			st, err := models.ParseState(s.State)
			if err != nil {
				return nil, fmt.Errorf("%w: step %q: %v", ErrInvalid, s.Name, err)
			}
			def.State = st
		}
		defs = append(defs, def)
	}
	return New(defs...)
}

// pipelineFile is the YAML layout of a standalone pipeline definition.
type pipelineFile struct {
	Steps []struct {
		Name               string `yaml:"name"`
		Agent              string `yaml:"agent"`
		MaxRetries         int    `yaml:"max_retries"`
		RetryDelayBase     string `yaml:"retry_delay_base"`
		Timeout            string `yaml:"timeout"`
		RequiresApproval   bool   `yaml:"requires_approval"`
		CompensationAction string `yaml:"compensation_action"`
		State              string `yaml:"state"`
	} `yaml:"steps"`
}

// LoadFile reads a YAML pipeline definition.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML pipeline definition.
func Parse(data []byte) (*Registry, error) {
	var pf pipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	steps := make([]config.StepConfig, 0, len(pf.Steps))
	for _, s := range pf.Steps {
		delay, err := parseDuration(s.RetryDelayBase)
		if err != nil {
			return nil, fmt.Errorf("%w: step %q retry_delay_base: %v", ErrInvalid, s.Name, err)
		}
		timeout, err := parseDuration(s.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: step %q timeout: %v", ErrInvalid, s.Name, err)
		}
		steps = append(steps, config.StepConfig{
			Name:               s.Name,
			Agent:              s.Agent,
			MaxRetries:         s.MaxRetries,
			RetryDelayBase:     delay,
			Timeout:            timeout,
			RequiresApproval:   s.RequiresApproval,
			CompensationAction: s.CompensationAction,
			State:              s.State,
		})
	}
	return FromConfig(steps)
}

// FromPipelineConfig prefers inline steps, then a pipeline file, then the default pipeline.
func FromPipelineConfig(cfg config.PipelineConfig) (*Registry, error) {
	switch {
	case len(cfg.Steps) > 0:
		return FromConfig(cfg.Steps)
	case cfg.File != "":
		return LoadFile(cfg.File)
	default:
		return Default(), nil
	}
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}
