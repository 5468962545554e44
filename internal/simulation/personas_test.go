package simulation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/pkg/schema"
)

const personaYAML = `
version: 1
personas:
  - id: vip
    name: VIP
    expected_outcome: Converted
    patience: 4
    traits:
      budget: 10000
      interested: true
    script:
      - "I want the premium plan"
  - id: browser
    expected_outcome: conversion
`

func TestParsePersonas(t *testing.T) {
	ps, err := ParsePersonas([]byte(personaYAML))
	require.NoError(t, err)
	require.Len(t, ps, 2)

	assert.Equal(t, "VIP", ps[0].Name)
	assert.Equal(t, schema.OutcomeConverted, ps[0].ExpectedOutcome)
	assert.Equal(t, 4, ps[0].Patience)
	assert.Equal(t, 10000, ps[0].Traits["budget"])
	assert.Equal(t, []string{"I want the premium plan"}, ps[0].Script)

	assert.Equal(t, "browser", ps[1].Name)
	assert.Equal(t, schema.OutcomeConversion, ps[1].ExpectedOutcome)
}

func TestParsePersonas_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "personas: [",
		"bad version":   "version: 2\npersonas: [{id: a}]",
		"empty":         "version: 1\npersonas: []",
		"missing id":    "personas: [{name: x}]",
		"duplicate id":  "personas: [{id: a}, {id: a}]",
		"bad outcome":   "personas: [{id: a, expected_outcome: maybe}]",
		"negative wait": "personas: [{id: a, patience: -1}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePersonas([]byte(doc))
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestLoadPersonas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(personaYAML), 0o644))

	ps, err := LoadPersonas(path)
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	_, err = LoadPersonas(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultPersonas(t *testing.T) {
	ps := DefaultPersonas()
	require.NotEmpty(t, ps)
	seen := map[string]bool{}
	for _, p := range ps {
		assert.False(t, seen[p.ID], "duplicate %s", p.ID)
		seen[p.ID] = true
		assert.NotEmpty(t, p.ExpectedOutcome)
	}

	p, err := FindPersona(ps, "skeptic")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Patience)

	_, err = FindPersona(ps, "nobody")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
