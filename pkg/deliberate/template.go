package deliberate

import (
	"fmt"
	"io"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// weightTolerance is the permitted deviation of the dimension weight sum
// from 1.0.
const weightTolerance = 1e-6

// Dimension is one weighted question a deliberation evaluates.
type Dimension struct {
	Name     string  `yaml:"name" json:"name"`
	Question string  `yaml:"question" json:"question"`
	Weight   float64 `yaml:"weight" json:"weight"`
}

// Template names a set of weighted dimensions.
type Template struct {
	Name       string      `yaml:"name" json:"name"`
	Dimensions []Dimension `yaml:"dimensions" json:"dimensions"`
}

// Validate checks the weight-sum invariant.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("deliberate: template missing name: %w", faults.ErrInvalidArgument)
	}
	if len(t.Dimensions) == 0 {
		return fmt.Errorf("deliberate: template %q has no dimensions: %w", t.Name, faults.ErrInvalidArgument)
	}
	sum := 0.0
	for _, d := range t.Dimensions {
		sum += d.Weight
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("deliberate: template %q weights sum to %v, want 1.0: %w", t.Name, sum, faults.ErrInvalidArgument)
	}
	return nil
}

// LoadTemplate parses a template document and validates it.
func LoadTemplate(r io.Reader) (Template, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Template{}, fmt.Errorf("deliberate: read template: %w", err)
	}
	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Template{}, fmt.Errorf("deliberate: parse template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

// BuiltinTemplate returns one of the bundled templates by name.
func BuiltinTemplate(name string) (Template, error) {
	switch name {
	case "btb_dimensions":
		return Template{
			Name: "btb_dimensions",
			Dimensions: []Dimension{
				{Name: "legibility", Question: "Can humans understand the resulting structure?", Weight: 0.25},
				{Name: "reversibility", Question: "Can changes be undone if problems emerge?", Weight: 0.25},
				{Name: "auditability", Question: "Can we trace why decisions were made?", Weight: 0.20},
				{Name: "governance", Question: "Who has authority over the system?", Weight: 0.15},
				{Name: "paradigm-safety", Question: "Does this create risks if widely adopted?", Weight: 0.15},
			},
		}, nil
	case "self_modification":
		return Template{
			Name: "self_modification",
			Dimensions: []Dimension{
				{Name: "scope-limitation", Question: "Are modifications bounded in scope?", Weight: 0.30},
				{Name: "human-veto", Question: "Can humans override any modification?", Weight: 0.30},
				{Name: "rollback-capability", Question: "Can we return to the previous state?", Weight: 0.25},
				{Name: "transparency", Question: "Are modifications visible and logged?", Weight: 0.15},
			},
		}, nil
	case "minimal":
		return Template{
			Name: "minimal",
			Dimensions: []Dimension{
				{Name: "risk-level", Question: "What is the worst-case outcome?", Weight: 0.5},
				{Name: "reversibility", Question: "Can this be undone?", Weight: 0.5},
			},
		}, nil
	default:
		return Template{}, fmt.Errorf("deliberate: unknown template %q: %w", name, faults.ErrInvalidArgument)
	}
}
