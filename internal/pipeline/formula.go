package pipeline

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// FormulaAgentOverride carries TOML-declared tweaks to an already-registered
// AgentStep or AgentReviewLoop, mirroring the teacher's formula "variables
// with defaults" idea but scoped to prompt/iteration knobs instead of
// arbitrary template substitution.
type FormulaAgentOverride struct {
	// CachedPrompt lines are appended to a plain AgentStep's programmatic
	// cached prompt (e.g. house style guidance that varies per project). An
	// AgentReviewLoop's prompts are sent without these lines.
	CachedPrompt []string `toml:"cached_prompt"`
	// MaxIterations overrides an AgentReviewLoop's round budget; ignored
	// on a plain AgentStep.
	MaxIterations int `toml:"max_iterations"`
}

// FormulaStep names one step to include, in order, when composing a
// programmatic Family into a Formula-shaped one.
type FormulaStep struct {
	Name      string                `toml:"name"`
	DependsOn []string              `toml:"depends_on"`
	AgentStep *FormulaAgentOverride `toml:"agent_step"`
}

// Formula is the TOML document shape (BurntSushi/toml), the declarative
// authoring surface layered over Family's code-first API (spec.md §4.E /
// SPEC_FULL.md §6.E), grounded on the teacher's formula→mol "cook" pipeline
// in cmd/bd/formula.go.
type Formula struct {
	Name        string        `toml:"name"`
	Description string        `toml:"description"`
	Steps       []FormulaStep `toml:"steps"`
}

// LoadFormula parses a .formula.toml file.
func LoadFormula(path string) (*Formula, error) {
	var f Formula
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("pipeline: decode formula %s: %w", path, err)
	}
	return &f, nil
}

// Build composes a new Family named after the formula from a subset and
// order of f's already-registered steps, applying any agent_step overrides
// in place (they mutate the shared stepOverride pointer, so they take
// effect on every future Run of either Family). Load/Update and on_failure
// hooks carry over unchanged.
//
// DependsOn is validated, not scheduled: pipeline execution is strictly
// sequential over the resulting step list, so a dependency must simply
// appear earlier in formula.Steps.
func (f *Family[R]) Build(formula *Formula) (*Family[R], error) {
	built := &Family[R]{
		Name:      formula.Name,
		Load:      f.Load,
		Update:    f.Update,
		onFailure: f.onFailure,
	}

	seen := map[string]bool{}
	for _, fs := range formula.Steps {
		orig, ok := f.findStep(fs.Name)
		if !ok {
			return nil, fmt.Errorf("pipeline: formula %q references unknown step %q", formula.Name, fs.Name)
		}
		for _, dep := range fs.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("pipeline: formula %q: step %q depends on %q, which has not run earlier in this formula's order", formula.Name, fs.Name, dep)
			}
		}

		if fs.AgentStep != nil {
			orig.override.extraCachedPrompt = fs.AgentStep.CachedPrompt
			if fs.AgentStep.MaxIterations > 0 {
				orig.override.maxIterations = fs.AgentStep.MaxIterations
			}
		}

		built.steps = append(built.steps, orig)
		seen[fs.Name] = true
	}

	return built, nil
}
