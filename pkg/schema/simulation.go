package schema

import (
	"strings"
	"time"
)

// MessageRole identifies the speaker of a simulated message.
type MessageRole string

const (
	RoleLead  MessageRole = "lead"
	RoleAgent MessageRole = "agent"
)

// Outcome is the terminal classification of a simulation run.
type Outcome string

const (
	OutcomeConverted Outcome = "converted"
	OutcomeNurture   Outcome = "nurture"
	OutcomeLost      Outcome = "lost"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTimeout   Outcome = "timeout"

	// OutcomeConversion is accepted as an expected outcome and matches converted.
	OutcomeConversion Outcome = "conversion"
)

// ParseOutcome maps a free-form string to a known outcome.
func ParseOutcome(s string) (Outcome, bool) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeConverted, OutcomeNurture, OutcomeLost, OutcomeBlocked, OutcomeTimeout:
		return o, true
	case OutcomeConversion:
		return OutcomeConverted, true
	}
	return "", false
}

// Matches reports whether an actual outcome satisfies the expected one.
// Expected "conversion" matches actual "converted".
func (expected Outcome) Matches(actual Outcome) bool {
	if expected == OutcomeConversion {
		expected = OutcomeConverted
	}
	return expected == actual
}

// IssueSeverity classifies a simulation issue.
type IssueSeverity string

const (
	IssueWarning  IssueSeverity = "warning"
	IssueCritical IssueSeverity = "critical"
)

// SimulationMessage is one line of a simulated conversation.
type SimulationMessage struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	NodeID     string      `json:"nodeId,omitempty"`
	Annotation string      `json:"annotation,omitempty"`
}

// SimulationIssue is a problem observed while walking a persona through the flow.
type SimulationIssue struct {
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
	NodeID   string        `json:"nodeId,omitempty"`
	Turn     int           `json:"turn,omitempty"`
}

// Persona is a synthetic lead profile driving simulated conversation behavior.
type Persona struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name" yaml:"name"`
	Description     string         `json:"description,omitempty" yaml:"description"`
	Traits          map[string]any `json:"traits,omitempty" yaml:"traits"`
	ExpectedOutcome Outcome        `json:"expectedOutcome" yaml:"expected_outcome"`
	Script          []string       `json:"script,omitempty" yaml:"script"`
	Patience        int            `json:"patience,omitempty" yaml:"patience"`
}

// SimulationRun is the full record of walking one persona through a flow.
type SimulationRun struct {
	ID            string              `json:"id"`
	PersonaID     string              `json:"personaId"`
	FlowData      FlowData            `json:"flowData"`
	Messages      []SimulationMessage `json:"messages"`
	Status        RunStatus           `json:"status"`
	Outcome       Outcome             `json:"outcome,omitempty"`
	Issues        []SimulationIssue   `json:"issues"`
	NodesVisited  []string            `json:"nodesVisited"`
	NodesCoverage float64             `json:"nodesCoverage"`
	Turns         int                 `json:"turns"`
	StartedAt     time.Time           `json:"startedAt"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
}

// HasCritical reports whether any issue has critical severity.
func (r *SimulationRun) HasCritical() bool {
	for _, is := range r.Issues {
		if is.Severity == IssueCritical {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the run.
func (r *SimulationRun) Clone() *SimulationRun {
	if r == nil {
		return nil
	}
	cp := *r
	cp.FlowData = r.FlowData.Clone()
	cp.Messages = append([]SimulationMessage(nil), r.Messages...)
	cp.Issues = append([]SimulationIssue(nil), r.Issues...)
	cp.NodesVisited = append([]string(nil), r.NodesVisited...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// TestCase is a re-runnable scripted scenario derived from a batch.
type TestCase struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	PersonaID       string  `json:"personaId"`
	ExpectedOutcome Outcome `json:"expectedOutcome"`
}

// Verdict is the per-persona classification of a batch run.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictWarning Verdict = "warning"
	VerdictFail    Verdict = "fail"
)

// PersonaResult summarizes one persona's run inside a batch.
type PersonaResult struct {
	PersonaID       string  `json:"personaId"`
	PersonaName     string  `json:"personaName,omitempty"`
	RunID           string  `json:"runId"`
	Verdict         Verdict `json:"verdict"`
	Outcome         Outcome `json:"outcome,omitempty"`
	ExpectedOutcome Outcome `json:"expectedOutcome,omitempty"`
	IssueCount      int     `json:"issueCount"`
	MessageCount    int     `json:"messageCount"`
	Notes           string  `json:"notes"`
}

// BatchTestResult aggregates a set of simulation runs into a report.
type BatchTestResult struct {
	ID                       string           `json:"id"`
	FlowID                   string           `json:"flowId,omitempty"`
	Runs                     []*SimulationRun `json:"runs"`
	ConversionRate           float64          `json:"conversionRate"`
	AvgMessages              float64          `json:"avgMessages"`
	NodeCoverage             int              `json:"nodeCoverage"`
	TotalNodeCoveragePercent float64          `json:"totalNodeCoveragePercent"`
	PersonaResults           []PersonaResult  `json:"personaResults"`
	Aborted                  bool             `json:"aborted,omitempty"`
	StartedAt                time.Time        `json:"startedAt"`
	CompletedAt              time.Time        `json:"completedAt"`
}
