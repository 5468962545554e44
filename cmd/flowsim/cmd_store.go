package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/flowsim/internal/expressions"
	"github.com/rendis/flowsim/internal/scheduler"
	"github.com/rendis/flowsim/internal/store"
)

func queryCmd(a *app) *cobra.Command {
	var id, flowID, runID, batchID, personaID, eventType, status, since, jqExpr string
	var limit int

	cmd := &cobra.Command{
		Use:   "query <flows|runs|batches|events|test_cases|schedules|replay>",
		Short: "Query stored flows, runs, reports and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			srv, err := a.flowsimServer(ctx, db)
			if err != nil {
				return err
			}

			filter := map[string]any{}
			set := func(key, val string) {
				if val != "" {
					filter[key] = val
				}
			}
			set("id", id)
			set("flow_id", flowID)
			set("run_id", runID)
			set("batch_id", batchID)
			set("persona_id", personaID)
			set("event_type", eventType)
			set("status", status)
			set("since", since)
			if limit > 0 {
				filter["limit"] = limit
			}

			result, err := srv.Query(ctx, args[0], filter)
			if err != nil {
				return err
			}
			if jqExpr != "" {
				out, err := expressions.NewGoJQEngine().Query(ctx, jqExpr, result)
				if err != nil {
					return err
				}
				for _, v := range out {
					if err := printJSON(cmd.OutOrStdout(), v); err != nil {
						return err
					}
				}
				return nil
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "fetch a single flow, run or batch")
	cmd.Flags().StringVar(&flowID, "flow", "", "flow id")
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&personaID, "persona", "", "persona id")
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&status, "status", "", "run status")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound for batches and events")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the result")
	return cmd
}

func scheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring batches",
	}
	cmd.AddCommand(scheduleAddCmd(a), scheduleListCmd(a), scheduleToggleCmd(a, "enable", true),
		scheduleToggleCmd(a, "disable", false), scheduleRemoveCmd(a))
	return cmd
}

func scheduleAddCmd(a *app) *cobra.Command {
	var flowID, cronExpr, personaSet string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Run a batch on a cron schedule (while `flowsim serve` is running)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			job, err := scheduler.NewScheduler(db, nil, a.logger).Add(ctx, flowID, cronExpr, personaSet)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s next run %s\n", job.ID, job.NextRunAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "stored flow id")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "five-field cron expression")
	cmd.Flags().StringVar(&personaSet, "personas", "", "YAML persona file (default: built-in personas)")
	_ = cmd.MarkFlagRequired("flow")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func scheduleListCmd(a *app) *cobra.Command {
	var flowID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			jobs, err := db.ListScheduledBatches(ctx, store.ScheduledBatchFilter{FlowID: flowID})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				next, last := "-", "-"
				if j.NextRunAt != nil {
					next = j.NextRunAt.Local().Format("2006-01-02 15:04")
				}
				if j.LastRunStatus != "" {
					last = j.LastRunStatus
				}
				fmt.Fprintf(out, "%-36s %-20s %-16s %-8s next %s  last %s\n", j.ID, j.FlowID, j.CronExpression, state, next, last)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "only schedules of this flow")
	return cmd
}

func scheduleToggleCmd(a *app, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			return db.UpdateScheduledBatch(ctx, args[0], store.ScheduledBatchUpdate{Enabled: &enabled})
		},
	}
}

func scheduleRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			return db.DeleteScheduledBatch(ctx, args[0])
		},
	}
}

func vacuumCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			return db.Vacuum(ctx)
		},
	}
}

func secretCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted resolver and summarizer tokens (needs FLOWSIM_VAULT_KEY)",
	}
	cmd.AddCommand(secretSetCmd(a), secretListCmd(a), secretDeleteCmd(a))
	return cmd
}

func secretSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.requireVault(cmd)
			if err != nil {
				return err
			}
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = strings.TrimSpace(string(raw))
			}
			if value == "" {
				return fmt.Errorf("empty secret value")
			}
			return v.Store(ctx, args[0], []byte(value))
		},
	}
}

func secretListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := a.requireVault(cmd)
			if err != nil {
				return err
			}
			keys, err := v.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func secretDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.requireVault(cmd)
			if err != nil {
				return err
			}
			return v.Delete(cmd.Context(), args[0])
		},
	}
}
