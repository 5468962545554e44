package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/flowsim/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	output := RenderASCII(Build("Sales", salesFlow()))

	assert.True(t, strings.HasPrefix(output, "=== Sales ===\n"))
	assert.Contains(t, output, "│ Start │")
	assert.Contains(t, output, "│ <Interested?> │")
	assert.Contains(t, output, "▼")
	assert.Contains(t, output, "ask ─→ later (not now)")
}

func TestRenderASCIIRunOverlay(t *testing.T) {
	output := RenderASCII(BuildRun("Sales", convertedRun()))

	assert.Contains(t, output, "[#1]")
	assert.Contains(t, output, "[#2 !]")
	assert.Contains(t, output, "ask ═▶ won (yes)")
}

func TestVisitTag(t *testing.T) {
	assert.Equal(t, "", visitTag(nil))
	assert.Equal(t, "[x3]", visitTag(&VisitOverlay{Visits: 3}))
	assert.Equal(t, "[!!]", visitTag(&VisitOverlay{Severity: schema.IssueCritical}))
	assert.Equal(t, "[#4 !]", visitTag(&VisitOverlay{Order: 4, Visits: 1, Severity: schema.IssueWarning}))
}
