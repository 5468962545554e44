package batch

import (
	"time"

	"github.com/rendis/flowsim/pkg/schema"
)

// Aggregate builds a report from runs and the personas that produced them;
// runs[i] belongs to personas[i].
func Aggregate(id string, flow schema.FlowData, runs []*schema.SimulationRun, personas []schema.Persona) *schema.BatchTestResult {
	res := &schema.BatchTestResult{
		ID:             id,
		Runs:           runs,
		PersonaResults: make([]schema.PersonaResult, 0, len(runs)),
		CompletedAt:    time.Now().UTC(),
	}
	if res.Runs == nil {
		res.Runs = []*schema.SimulationRun{}
	}

	var converted, messages int
	union := make(map[string]struct{})
	for i, run := range runs {
		if run.Outcome == schema.OutcomeConverted {
			converted++
		}
		messages += len(run.Messages)
		for _, nodeID := range run.NodesVisited {
			union[nodeID] = struct{}{}
		}
		if res.StartedAt.IsZero() || run.StartedAt.Before(res.StartedAt) {
			res.StartedAt = run.StartedAt
		}

		var p schema.Persona
		if i < len(personas) {
			p = personas[i]
		}
		res.PersonaResults = append(res.PersonaResults, schema.PersonaResult{
			PersonaID:       run.PersonaID,
			PersonaName:     p.Name,
			RunID:           run.ID,
			Verdict:         Verdict(run, p.ExpectedOutcome),
			Outcome:         run.Outcome,
			ExpectedOutcome: p.ExpectedOutcome,
			IssueCount:      len(run.Issues),
			MessageCount:    len(run.Messages),
		})
	}

	if total := len(runs); total > 0 {
		res.ConversionRate = float64(converted) / float64(total) * 100
		res.AvgMessages = float64(messages) / float64(total)
	}
	res.NodeCoverage = len(union)
	if n := len(flow.Nodes); n > 0 {
		res.TotalNodeCoveragePercent = float64(res.NodeCoverage) / float64(n) * 100
	}
	return res
}

// Verdict classifies one run: fail on any critical issue, pass when the
// outcome matches the expected one, warning otherwise.
func Verdict(run *schema.SimulationRun, expected schema.Outcome) schema.Verdict {
	switch {
	case run.HasCritical():
		return schema.VerdictFail
	case expected != "" && expected.Matches(run.Outcome):
		return schema.VerdictPass
	default:
		return schema.VerdictWarning
	}
}

// VerdictCounts tallies persona verdicts.
func VerdictCounts(res *schema.BatchTestResult) map[schema.Verdict]int {
	out := map[schema.Verdict]int{}
	for _, pr := range res.PersonaResults {
		out[pr.Verdict]++
	}
	return out
}
