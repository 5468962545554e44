package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/pkg/schema"
)

// TestCaseResult is the outcome of replaying one TestCase.
type TestCaseResult struct {
	Case    schema.TestCase `json:"case"`
	RunID   string          `json:"runId,omitempty"`
	Outcome schema.Outcome  `json:"outcome,omitempty"`
	Verdict schema.Verdict  `json:"verdict"`
	Passed  bool            `json:"passed"`
	Error   string          `json:"error,omitempty"`
}

// DeriveTestCases turns each persona result of a batch into a re-runnable
// case. The expected outcome is the persona's declared one when set and the
// observed outcome otherwise, so an unconstrained persona pins current
// behavior.
func DeriveTestCases(res *schema.BatchTestResult, ids schema.IDGenerator) []schema.TestCase {
	if ids == nil {
		ids = schema.UUIDGenerator()
	}
	cases := make([]schema.TestCase, 0, len(res.PersonaResults))
	for _, pr := range res.PersonaResults {
		expected := pr.ExpectedOutcome
		if expected == "" {
			expected = pr.Outcome
		}
		if expected == "" {
			continue
		}
		name := pr.PersonaName
		if name == "" {
			name = pr.PersonaID
		}
		cases = append(cases, schema.TestCase{
			ID:              ids(),
			Name:            fmt.Sprintf("%s reaches %s", name, expected),
			PersonaID:       pr.PersonaID,
			ExpectedOutcome: expected,
		})
	}
	return cases
}

// RunTestCases replays cases sequentially on the runner's orchestrator. A
// case whose persona is unknown fails without running. Cancellation stops
// the replay and returns the results gathered so far with a CANCELLED error.
func (r *Runner) RunTestCases(ctx context.Context, flow schema.FlowData, cases []schema.TestCase, personas []schema.Persona) ([]TestCaseResult, error) {
	out := make([]TestCaseResult, 0, len(cases))
	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			return out, schema.NewError(schema.ErrCodeCancelled, "test cases cancelled").WithCause(err)
		}
		res := TestCaseResult{Case: tc, Verdict: schema.VerdictFail}

		p, err := simulation.FindPersona(personas, tc.PersonaID)
		if err != nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		p.ExpectedOutcome = tc.ExpectedOutcome

		run, err := r.orch.Run(ctx, flow, p)
		r.orch.Reset()
		if schema.HasCode(err, schema.ErrCodeCancelled) {
			return out, err
		}
		if run == nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		if err != nil {
			res.Error = err.Error()
		}
		res.RunID = run.ID
		res.Outcome = run.Outcome
		res.Verdict = Verdict(run, tc.ExpectedOutcome)
		res.Passed = res.Verdict == schema.VerdictPass
		r.cfg.Logger.InfoContext(ctx, "test case replayed",
			slog.String("case", tc.Name), slog.String("verdict", string(res.Verdict)))
		out = append(out, res)
	}
	return out, nil
}
