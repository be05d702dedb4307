// Package definition loads workflow definitions from YAML documents.
//
// A document names its activities by kind and wires them with
// outcome-labeled transitions:
//
//	workflow:
//	  name: approval
//	  activities:
//	    - id: fork
//	      kind: Fork
//	      start: true
//	      branches: [manager, finance]
//	    - id: manager
//	      kind: Signal
//	    - id: finance
//	      kind: Signal
//	    - id: join
//	      kind: Join
//	      mode: WaitAny
//	  transitions:
//	    - {from: fork, outcome: manager, to: manager}
//	    - {from: fork, outcome: finance, to: finance}
//	    - {from: manager, outcome: Done, to: join}
//	    - {from: finance, outcome: Done, to: join}
//
// Task activities refer to Go functions registered on the Registry by
// handler name.
package definition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowgraph/pkg/api"
)

// WorkflowYAML represents the YAML structure
type WorkflowYAML struct {
	Workflow struct {
		Name        string           `yaml:"name"`
		Activities  []ActivityYAML   `yaml:"activities"`
		Transitions []TransitionYAML `yaml:"transitions,omitempty"`
	} `yaml:"workflow"`
}

// ActivityYAML is one activity entry. Fields beyond id/kind/start are
// interpreted by the kind's factory.
type ActivityYAML struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	Start bool   `yaml:"start,omitempty"`

	// Task
	Handler  string     `yaml:"handler,omitempty"`
	Outcomes []string   `yaml:"outcomes,omitempty"`
	Retry    *RetryYAML `yaml:"retry,omitempty"`

	// Signal
	CorrelationKey string `yaml:"correlation_key,omitempty"`

	// Fork
	Branches []string `yaml:"branches,omitempty"`

	// Join
	Mode string `yaml:"mode,omitempty"`

	// Config carries settings of custom kinds.
	Config map[string]any `yaml:"config,omitempty"`
}

type RetryYAML struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
}

type TransitionYAML struct {
	From    string `yaml:"from"`
	Outcome string `yaml:"outcome"`
	To      string `yaml:"to"`
}

// Parser parses YAML workflow definitions
type Parser struct {
	registry *Registry
}

// NewParser creates a parser resolving kinds and handlers in r. A nil
// registry means NewRegistry().
func NewParser(r *Registry) *Parser {
	if r == nil {
		r = NewRegistry()
	}
	return &Parser{registry: r}
}

// Registry returns the registry used by the parser.
func (p *Parser) Registry() *Registry { return p.registry }

// ParseFile parses a YAML workflow file
func (p *Parser) ParseFile(filename string) (api.WorkflowDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("failed to read file: %w", err)
	}
	def, err := p.Parse(data)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("%s: %w", filename, err)
	}
	return def, nil
}

// Parse parses YAML workflow data
func (p *Parser) Parse(data []byte) (api.WorkflowDefinition, error) {
	var wf WorkflowYAML
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	def := api.WorkflowDefinition{
		Name:        wf.Workflow.Name,
		Activities:  make([]api.ActivityRecord, 0, len(wf.Workflow.Activities)),
		Transitions: make([]api.TransitionRecord, 0, len(wf.Workflow.Transitions)),
	}

	for _, a := range wf.Workflow.Activities {
		act, err := p.registry.build(a)
		if err != nil {
			return api.WorkflowDefinition{}, err
		}
		def.Activities = append(def.Activities, api.ActivityRecord{
			ID:       a.ID,
			Start:    a.Start,
			Activity: act,
		})
	}

	for _, t := range wf.Workflow.Transitions {
		def.Transitions = append(def.Transitions, api.TransitionRecord{
			SourceActivityID:      t.From,
			SourceOutcome:         t.Outcome,
			DestinationActivityID: t.To,
		})
	}

	return def, nil
}

// Validate parses data and checks the resulting graph.
func (p *Parser) Validate(data []byte) (api.WorkflowDefinition, error) {
	def, err := p.Parse(data)
	if err != nil {
		return def, err
	}
	if _, err := api.NewGraph(def); err != nil {
		return def, err
	}
	return def, nil
}

// LoadDir parses every *.yaml and *.yml file in dir, in name order.
// Errors of individual files are joined.
func (p *Parser) LoadDir(dir string) ([]api.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dir: %w", err)
	}

	var (
		defs []api.WorkflowDefinition
		errs []error
	)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || !slices.Contains([]string{".yaml", ".yml"}, ext) {
			continue
		}
		def, err := p.ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}
