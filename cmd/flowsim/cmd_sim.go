package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rendis/flowsim/internal/batch"
	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/streaming"
	"github.com/rendis/flowsim/pkg/schema"
)

// loadPersonaSet reads a YAML persona file, or returns the built-in set.
func loadPersonaSet(path string, ids []string) ([]schema.Persona, error) {
	personas := simulation.DefaultPersonas()
	if path != "" {
		var err error
		if personas, err = simulation.LoadPersonas(path); err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return personas, nil
	}
	selected := make([]schema.Persona, 0, len(ids))
	for _, id := range ids {
		p, err := simulation.FindPersona(personas, id)
		if err != nil {
			return nil, err
		}
		selected = append(selected, p)
	}
	return selected, nil
}

func simulateCmd(a *app) *cobra.Command {
	var flowID, personaID, personasPath string
	var scripted, save, asJSON bool

	cmd := &cobra.Command{
		Use:   "simulate [flow.json]",
		Short: "Walk one persona through a flow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := a.loadFlow(ctx, flowID, args)
			if err != nil {
				return err
			}
			var ids []string
			if personaID != "" {
				ids = []string{personaID}
			}
			personas, err := loadPersonaSet(personasPath, ids)
			if err != nil {
				return err
			}
			persona := personas[0]

			resolver, err := a.resolver(ctx, scripted)
			if err != nil {
				return err
			}
			var db store.Store
			if flowID != "" || save {
				s, err := a.store(ctx)
				if err != nil {
					return err
				}
				db = s
			}

			orch := simulation.NewOrchestrator(resolver, a.simConfig(db))
			run, runErr := orch.Run(ctx, data, persona)
			if run == nil {
				return runErr
			}
			if db != nil {
				rec := &store.RunRecord{Run: run, FlowID: flowID}
				if err := db.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
					a.logger.Warn("run not saved", "run_id", run.ID, "error", err)
				}
			}

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), run); err != nil {
					return err
				}
			} else {
				printRun(cmd.OutOrStdout(), run, persona)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "stored flow id (the run is saved)")
	cmd.Flags().StringVar(&personaID, "persona", "", "persona id (default: first of the set)")
	cmd.Flags().StringVar(&personasPath, "personas", "", "YAML persona file (default: built-in personas)")
	cmd.Flags().BoolVar(&scripted, "scripted", false, "use the offline scripted resolver even if a resolver URL is set")
	cmd.Flags().BoolVar(&save, "save", false, "save the run of a flow file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run as JSON")
	return cmd
}

func printRun(w io.Writer, run *schema.SimulationRun, persona schema.Persona) {
	outcome := string(run.Outcome)
	if outcome == "" {
		outcome = "-"
	}
	fmt.Fprintf(w, "run %s  persona %s  status %s  outcome %s\n", run.ID, run.PersonaID, run.Status, outcome)
	fmt.Fprintf(w, "turns %d  coverage %.1f%%  verdict %s\n\n",
		run.Turns, run.NodesCoverage, batch.Verdict(run, persona.ExpectedOutcome))

	for _, m := range run.Messages {
		line := fmt.Sprintf("  %-6s| %s", m.Role, m.Content)
		if m.NodeID != "" {
			line += "  [" + m.NodeID + "]"
		}
		if m.Annotation != "" {
			line += "  (" + m.Annotation + ")"
		}
		fmt.Fprintln(w, line)
	}

	if len(run.Issues) > 0 {
		fmt.Fprintln(w, "\nissues:")
		for _, is := range run.Issues {
			where := ""
			if is.NodeID != "" {
				where = " (node " + is.NodeID + ")"
			}
			fmt.Fprintf(w, "  %-8s turn %d  %s%s\n", strings.ToUpper(string(is.Severity)), is.Turn, is.Message, where)
		}
	}
}

func batchCmd(a *app) *cobra.Command {
	var flowID, personasPath string
	var personaIDs []string
	var scripted, testCases, asJSON bool
	var parallel int

	cmd := &cobra.Command{
		Use:   "batch [flow.json]",
		Short: "Run a persona set against a flow and report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			personas, err := loadPersonaSet(personasPath, personaIDs)
			if err != nil {
				return err
			}
			resolver, err := a.resolver(ctx, scripted)
			if err != nil {
				return err
			}
			bcfg, err := a.batchConfig(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("parallel") {
				bcfg.Parallelism = parallel
			}

			var db store.Store
			if flowID != "" {
				s, err := a.store(ctx)
				if err != nil {
					return err
				}
				db = s
			}
			newRunner := func() *batch.Runner {
				return batch.NewRunner(resolver, a.simConfig(db), bcfg)
			}

			stopProgress := a.followRuns(ctx, cmd.ErrOrStderr())
			defer stopProgress()

			if testCases {
				return runStoredCases(cmd, db, flowID, newRunner(), personas)
			}

			var res *schema.BatchTestResult
			var runErr error
			if db != nil {
				res, runErr = batch.NewStoreLauncher(db, newRunner, a.logger).Launch(ctx, flowID, personas)
			} else {
				data, err := a.loadFlow(ctx, "", args)
				if err != nil {
					return err
				}
				res, runErr = newRunner().Run(ctx, data, personas)
			}
			if res == nil {
				return runErr
			}
			stopProgress()

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), res)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "stored flow id (report and test cases are saved)")
	cmd.Flags().StringVar(&personasPath, "personas", "", "YAML persona file (default: built-in personas)")
	cmd.Flags().StringSliceVar(&personaIDs, "persona", nil, "persona ids to include (repeatable)")
	cmd.Flags().BoolVar(&scripted, "scripted", false, "use the offline scripted resolver even if a resolver URL is set")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "isolated simulation slots")
	cmd.Flags().BoolVar(&testCases, "test-cases", false, "replay the flow's stored test cases instead of a fresh batch")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// followRuns prints a line per finished run until the returned func is called.
func (a *app) followRuns(ctx context.Context, w io.Writer) func() {
	ch, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventRunCompleted, schema.EventRunFailed},
	})
	if err != nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintf(w, "  %-14s %s %s\n", ev.EventType, ev.PersonaID, ev.RunID)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}
}

func printReport(w io.Writer, res *schema.BatchTestResult) {
	fmt.Fprintf(w, "batch %s", res.ID)
	if res.FlowID != "" {
		fmt.Fprintf(w, "  flow %s", res.FlowID)
	}
	fmt.Fprintf(w, "  runs %d", len(res.Runs))
	if res.Aborted {
		fmt.Fprint(w, "  ABORTED")
	}
	fmt.Fprintf(w, "\nconversion %.1f%%  avg messages %.1f  coverage %d nodes (%.1f%%)\n\n",
		res.ConversionRate, res.AvgMessages, res.NodeCoverage, res.TotalNodeCoveragePercent)

	fmt.Fprintf(w, "%-18s %-8s %-10s %-10s %5s %6s\n", "PERSONA", "VERDICT", "OUTCOME", "EXPECTED", "MSGS", "ISSUES")
	for _, pr := range res.PersonaResults {
		fmt.Fprintf(w, "%-18s %-8s %-10s %-10s %5d %6d\n",
			pr.PersonaID, pr.Verdict, pr.Outcome, pr.ExpectedOutcome, pr.MessageCount, pr.IssueCount)
		if pr.Notes != "" {
			fmt.Fprintf(w, "    %s\n", pr.Notes)
		}
	}

	counts := batch.VerdictCounts(res)
	fmt.Fprintf(w, "\npass %d  warning %d  fail %d\n",
		counts[schema.VerdictPass], counts[schema.VerdictWarning], counts[schema.VerdictFail])
}

func runStoredCases(cmd *cobra.Command, db store.Store, flowID string, runner *batch.Runner, personas []schema.Persona) error {
	ctx := cmd.Context()
	if db == nil {
		return fmt.Errorf("--test-cases requires --flow")
	}
	flow, err := db.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	cases, err := db.ListTestCases(ctx, flowID)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		return fmt.Errorf("flow %s has no test cases; run a batch first", flowID)
	}

	results, runErr := runner.RunTestCases(ctx, flow.Data, cases, personas)
	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		mark := "PASS"
		if !r.Passed {
			mark = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "%s  %-40s outcome %-10s %s\n", mark, r.Case.Name, r.Outcome, r.Error)
	}
	fmt.Fprintf(out, "%d/%d test cases passed\n", len(results)-failed, len(results))
	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d test case(s) failed", failed)
	}
	return nil
}
