package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/flowsim/internal/diagram"
	"github.com/rendis/flowsim/internal/layout"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/validation"
	"github.com/rendis/flowsim/pkg/schema"
)

// loadFlow reads the stored flow flowID, or the flow JSON file in args.
func (a *app) loadFlow(ctx context.Context, flowID string, args []string) (schema.FlowData, error) {
	if flowID != "" {
		db, err := a.store(ctx)
		if err != nil {
			return schema.FlowData{}, err
		}
		flow, err := db.GetFlow(ctx, flowID)
		if err != nil {
			return schema.FlowData{}, err
		}
		return flow.Data, nil
	}
	if len(args) == 0 {
		return schema.FlowData{}, fmt.Errorf("a flow file or --flow is required")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return schema.FlowData{}, err
	}
	return validation.ParseFlowData(raw)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWarnings(w io.Writer, ws []schema.Warning, summary schema.WarningSummary) {
	for _, f := range ws {
		where := ""
		switch {
		case f.NodeID != "":
			where = " (node " + f.NodeID + ")"
		case f.EdgeID != "":
			where = " (edge " + f.EdgeID + ")"
		}
		fmt.Fprintf(w, "%-7s %-22s %s%s\n", strings.ToUpper(string(f.Severity)), f.Code, f.Message, where)
	}
	fmt.Fprintf(w, "%d error(s), %d warning(s), %d info\n", summary.Errors, summary.Warnings, summary.Info)
}

func validateCmd(a *app) *cobra.Command {
	var flowID, rulesPath string
	var asJSON, watch bool

	cmd := &cobra.Command{
		Use:   "validate [flow.json]",
		Short: "Check a flow's structure",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if rulesPath != "" {
				a.cfg.RulesPath = rulesPath
			}
			v, err := a.validator()
			if err != nil {
				return err
			}
			if watch {
				if len(args) == 0 {
					return fmt.Errorf("--watch requires a flow file")
				}
				return watchFlowFile(ctx, args[0], v, cmd.OutOrStdout(), a.logger)
			}

			data, err := a.loadFlow(ctx, flowID, args)
			if err != nil {
				return err
			}

			ws := v.Validate(ctx, data)
			summary := validation.Summarize(ws)
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), map[string]any{"summary": summary, "warnings": ws}); err != nil {
					return err
				}
			} else {
				printWarnings(cmd.OutOrStdout(), ws, summary)
			}
			if summary.HasErrors() {
				return fmt.Errorf("flow has %d validation error(s)", summary.Errors)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "stored flow id")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "YAML file of custom CEL rules")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print findings as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate the file whenever it changes")
	return cmd
}

func layoutCmd(a *app) *cobra.Command {
	var flowID, outPath string
	var save bool

	cmd := &cobra.Command{
		Use:   "layout [flow.json]",
		Short: "Recompute node positions by depth from the start nodes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := a.loadFlow(ctx, flowID, args)
			if err != nil {
				return err
			}
			data.Nodes = layout.AutoLayout(data.Nodes, data.Edges)

			if save {
				if flowID == "" {
					return fmt.Errorf("--save requires --flow")
				}
				db, err := a.store(ctx)
				if err != nil {
					return err
				}
				flow, err := db.GetFlow(ctx, flowID)
				if err != nil {
					return err
				}
				flow.Data = data
				if err := db.SaveFlow(ctx, flow); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "saved %s version %d\n", flow.ID, flow.Version)
			}
			return writeOutput(cmd, outPath, func(w io.Writer) error { return printJSON(w, data) })
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "stored flow id")
	cmd.Flags().BoolVar(&save, "save", false, "save positions back to the stored flow")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the flow to a file instead of stdout")
	return cmd
}

func diagramCmd(a *app) *cobra.Command {
	var flowID, runID, batchID, format, title, outPath string

	cmd := &cobra.Command{
		Use:   "diagram [flow.json]",
		Short: "Render a flow, optionally overlaid with a run or batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			model, err := a.diagramModel(ctx, title, flowID, runID, batchID, args)
			if err != nil {
				return err
			}

			switch format {
			case "ascii":
				return writeOutput(cmd, outPath, func(w io.Writer) error {
					_, err := io.WriteString(w, diagram.RenderASCII(model))
					return err
				})
			case "mermaid":
				return writeOutput(cmd, outPath, func(w io.Writer) error {
					_, err := io.WriteString(w, diagram.RenderMermaid(model))
					return err
				})
			case "png", "svg":
				if outPath == "" {
					return fmt.Errorf("--output is required for %s", format)
				}
				f := diagram.FormatPNG
				if format == "svg" {
					f = diagram.FormatSVG
				}
				img, err := diagram.RenderImage(ctx, model, f)
				if err != nil {
					return err
				}
				return os.WriteFile(outPath, img, 0o644)
			default:
				return fmt.Errorf("unknown format %q (ascii, mermaid, png, svg)", format)
			}
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "stored flow id")
	cmd.Flags().StringVar(&runID, "run", "", "stored run to overlay")
	cmd.Flags().StringVar(&batchID, "batch", "", "stored batch report to overlay")
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "ascii, mermaid, png or svg")
	cmd.Flags().StringVar(&title, "title", "", "diagram title")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file")
	return cmd
}

func (a *app) diagramModel(ctx context.Context, title, flowID, runID, batchID string, args []string) (*diagram.DiagramModel, error) {
	if runID == "" && batchID == "" {
		data, err := a.loadFlow(ctx, flowID, args)
		if err != nil {
			return nil, err
		}
		return diagram.Build(title, data), nil
	}

	db, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	if runID != "" {
		rec, err := db.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return diagram.BuildRun(title, rec.Run), nil
	}

	res, err := db.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var data schema.FlowData
	switch {
	case flowID != "" || len(args) > 0:
		if data, err = a.loadFlow(ctx, flowID, args); err != nil {
			return nil, err
		}
	case res.FlowID != "":
		if data, err = a.loadFlow(ctx, res.FlowID, nil); err != nil {
			return nil, err
		}
	case len(res.Runs) > 0:
		data = res.Runs[0].FlowData
	}
	return diagram.BuildBatch(title, data, res), nil
}

func writeOutput(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func flowsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage stored flows",
	}
	cmd.AddCommand(flowsImportCmd(a), flowsListCmd(a), flowsDeleteCmd(a))
	return cmd
}

func flowsImportCmd(a *app) *cobra.Command {
	var id, name, description string

	cmd := &cobra.Command{
		Use:   "import <flow.json>",
		Short: "Store a flow file (schema-checked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := a.loadFlow(ctx, "", args)
			if err != nil {
				return err
			}
			if id == "" {
				id = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			if name == "" {
				name = id
			}
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			flow := &store.Flow{ID: id, Name: name, Description: description, Data: data}
			if err := db.SaveFlow(ctx, flow); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %d (%d nodes, %d edges)\n",
				flow.ID, flow.Version, len(data.Nodes), len(data.Edges))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "flow id (default: file name)")
	cmd.Flags().StringVar(&name, "name", "", "flow name (default: id)")
	cmd.Flags().StringVar(&description, "description", "", "flow description")
	return cmd
}

func flowsListCmd(a *app) *cobra.Command {
	var nameFilter string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			flows, err := db.ListFlows(ctx, store.FlowFilter{Name: nameFilter, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range flows {
				fmt.Fprintf(out, "%-24s v%-3d %-28s %s\n", f.ID, f.Version, f.Name, f.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&nameFilter, "name", "", "name substring")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum flows")
	return cmd
}

func flowsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a stored flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			if err := db.DeleteFlow(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
