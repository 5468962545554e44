package simulation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowsim/pkg/schema"
)

// PersonaSet is the on-disk shape of a persona file.
type PersonaSet struct {
	Version  int              `yaml:"version"`
	Personas []schema.Persona `yaml:"personas"`
}

// LoadPersonas reads a persona set from a YAML file.
func LoadPersonas(path string) ([]schema.Persona, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePersonas(b)
}

// ParsePersonas decodes and checks a YAML persona set. Expected outcomes are
// normalized; "conversion" is kept since it has its own matching rule.
func ParsePersonas(data []byte) ([]schema.Persona, error) {
	var set PersonaSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid persona file").WithCause(err)
	}
	if set.Version != 0 && set.Version != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported persona file version: %d", set.Version)
	}
	if len(set.Personas) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "persona file has no personas")
	}

	seen := make(map[string]bool, len(set.Personas))
	for i := range set.Personas {
		p := &set.Personas[i]
		if p.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "persona #%d has no id", i+1)
		}
		if seen[p.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate persona id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Patience < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "persona %q: patience must be >= 0", p.ID)
		}
		if p.ExpectedOutcome == "" || p.ExpectedOutcome == schema.OutcomeConversion {
			continue
		}
		o, ok := schema.ParseOutcome(string(p.ExpectedOutcome))
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"persona %q: unknown expected outcome %q", p.ID, p.ExpectedOutcome)
		}
		p.ExpectedOutcome = o
	}
	return set.Personas, nil
}

// FindPersona returns the persona with id, or a NOT_FOUND error.
func FindPersona(personas []schema.Persona, id string) (schema.Persona, error) {
	for _, p := range personas {
		if p.ID == id {
			return p, nil
		}
	}
	return schema.Persona{}, schema.NewError(schema.ErrCodeNotFound, fmt.Sprintf("persona %q not found", id))
}

// DefaultPersonas is the built-in persona set used when none is supplied.
func DefaultPersonas() []schema.Persona {
	return []schema.Persona{
		{
			ID:              "eager-buyer",
			Name:            "Eager Buyer",
			Description:     "Knows what they want and is ready to sign up.",
			Traits:          map[string]any{"budget": 5000, "interested": true, "decisionMaker": true},
			ExpectedOutcome: schema.OutcomeConversion,
			Script:          []string{"Hi, I'd like to buy.", "Yes, that sounds great.", "Let's do it, yes."},
		},
		{
			ID:              "price-shopper",
			Name:            "Price Shopper",
			Description:     "Interested but sensitive to price.",
			Traits:          map[string]any{"budget": 500, "interested": true, "decisionMaker": true},
			ExpectedOutcome: schema.OutcomeNurture,
			Script:          []string{"How much does it cost?", "That's a bit expensive.", "Maybe later."},
		},
		{
			ID:              "skeptic",
			Name:            "Skeptic",
			Description:     "Doubts the product and loses patience quickly.",
			Traits:          map[string]any{"budget": 0, "interested": false, "decisionMaker": true},
			ExpectedOutcome: schema.OutcomeLost,
			Script:          []string{"Why should I care?", "No, not convinced."},
			Patience:        3,
		},
		{
			ID:              "researcher",
			Name:            "Researcher",
			Description:     "Gathers information for someone else.",
			Traits:          map[string]any{"budget": 2000, "interested": true, "decisionMaker": false},
			ExpectedOutcome: schema.OutcomeNurture,
			Script:          []string{"I'm collecting options for my manager.", "Can you send details?"},
		},
		{
			ID:              "ghost",
			Name:            "Ghost",
			Description:     "Stops answering after the first message.",
			Traits:          map[string]any{"budget": 0, "interested": false, "decisionMaker": false},
			ExpectedOutcome: schema.OutcomeLost,
			Script:          []string{"Hi."},
			Patience:        1,
		},
	}
}
