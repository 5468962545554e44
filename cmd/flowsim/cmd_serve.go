package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowsim/internal/batch"
	"github.com/rendis/flowsim/internal/scheduler"
	"github.com/rendis/flowsim/internal/secrets"
	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/pkg/mcp"
)

// flowsimServer builds the MCP server over db with the configured resolver,
// summarizer and rules.
func (a *app) flowsimServer(ctx context.Context, db store.Store) (*mcp.FlowsimServer, error) {
	v, err := a.validator()
	if err != nil {
		return nil, err
	}
	bcfg, err := a.batchConfig(ctx)
	if err != nil {
		return nil, err
	}
	return mcp.NewFlowsimServer(mcp.FlowsimServerDeps{
		Store:      db,
		Hub:        a.hub,
		Validator:  v,
		Resolver:   a.configuredResolver(ctx),
		Simulation: a.simConfig(db),
		Batch:      bcfg,
		Logger:     a.logger,
	})
}

// configuredResolver is the remote resolver, or nil so the server falls back
// to the scripted one.
func (a *app) configuredResolver(ctx context.Context) simulation.TurnResolver {
	if a.cfg.ResolverURL == "" {
		return nil
	}
	r, err := a.resolver(ctx, false)
	if err != nil {
		a.logger.Warn("remote resolver unavailable, using scripted", "error", err)
		return nil
	}
	return r
}

func (a *app) requireVault(cmd *cobra.Command) (secrets.Vault, error) {
	if a.cfg.VaultKey == "" {
		return nil, fmt.Errorf("FLOWSIM_VAULT_KEY is not set")
	}
	return a.openVault(cmd.Context())
}

func serveCmd(a *app) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio with the batch scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := a.store(ctx)
			if err != nil {
				return err
			}
			srv, err := a.flowsimServer(ctx, db)
			if err != nil {
				return err
			}

			if !noScheduler {
				resolver, err := a.resolver(ctx, false)
				if err != nil {
					return err
				}
				bcfg, err := a.batchConfig(ctx)
				if err != nil {
					return err
				}
				newRunner := func() *batch.Runner {
					return batch.NewRunner(resolver, a.simConfig(db), bcfg)
				}
				sched := scheduler.NewScheduler(db, batch.NewStoreLauncher(db, newRunner, a.logger), a.logger)
				if err := sched.RecoverMissed(ctx); err != nil {
					a.logger.Warn("missed schedules not recovered", "error", err)
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer func() {
					if err := sched.Stop(); err != nil {
						a.logger.Warn("scheduler stop", "error", err)
					}
				}()
			}

			a.logger.Info("flowsim MCP server starting", "db", a.cfg.DBPath, "version", version)
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run scheduled batches")
	return cmd
}
