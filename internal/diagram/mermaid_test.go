package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderMermaidShapes(t *testing.T) {
	output := RenderMermaid(Build("Sales", salesFlow()))

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Sales")
	assert.Contains(t, output, `start(("Start"))`)
	assert.Contains(t, output, `greet["Greet"]`)
	assert.Contains(t, output, `ask{"Interested?"}`)
	assert.Contains(t, output, `won((("Won")))`)
	assert.Contains(t, output, "ask -->|yes| won")
	assert.Contains(t, output, "ask -->|not now| later")
	assert.NotContains(t, output, "ghost")
	assert.NotContains(t, output, "classDef")
}

func TestRenderMermaidRunOverlay(t *testing.T) {
	output := RenderMermaid(BuildRun("Sales", convertedRun()))

	assert.Contains(t, output, `start(("1. Start"))`)
	assert.Contains(t, output, "start ==> greet")
	assert.Contains(t, output, "ask ==>|yes| won")
	assert.Contains(t, output, "ask -->|not now| later")

	assert.Contains(t, output, "classDef visited")
	assert.Contains(t, output, "class won visited")
	assert.Contains(t, output, "class greet warning")
	assert.Contains(t, output, "class later unvisited")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "node_1", mermaidSafeID("node-1"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}
