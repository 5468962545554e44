// Package batch runs a persona set through a flow and aggregates the runs
// into a report with per-persona verdicts.
package batch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rendis/flowsim/internal/logging"
	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/streaming"
	"github.com/rendis/flowsim/pkg/schema"
)

// Config configures a Runner.
type Config struct {
	// Parallelism > 1 gives each persona an isolated orchestrator slot in a
	// bounded pool. 0 or 1 runs personas sequentially on one orchestrator.
	Parallelism int
	Summarizer  Summarizer
	IDs         schema.IDGenerator
	Logger      *slog.Logger
	// OnRun is called after each persona run reaches a terminal status.
	OnRun func(run *schema.SimulationRun)
}

// BatchPayload is the payload of batch_completed and batch_aborted events.
type BatchPayload struct {
	Runs           int     `json:"runs"`
	Personas       int     `json:"personas"`
	ConversionRate float64 `json:"conversionRate"`
}

// Runner sequences the simulation orchestrator across a persona set.
type Runner struct {
	resolver simulation.TurnResolver
	simCfg   simulation.Config
	cfg      Config
	orch     *simulation.Orchestrator
}

// NewRunner creates a Runner. simCfg configures every orchestrator the
// runner creates; its Appender and Hub also receive batch events.
func NewRunner(resolver simulation.TurnResolver, simCfg simulation.Config, cfg Config) *Runner {
	if cfg.IDs == nil {
		cfg.IDs = schema.UUIDGenerator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if simCfg.Logger == nil {
		simCfg.Logger = cfg.Logger
	}
	return &Runner{
		resolver: resolver,
		simCfg:   simCfg,
		cfg:      cfg,
		orch:     simulation.NewOrchestrator(resolver, simCfg),
	}
}

// Orchestrator returns the shared orchestrator used in sequential mode, so
// observers can poll CurrentRun between turns.
func (r *Runner) Orchestrator() *simulation.Orchestrator { return r.orch }

// Run simulates every persona against flow and aggregates the terminal runs.
//
// On cancellation the report holds only the runs that finished before the
// abort, is marked Aborted, and is returned with a CANCELLED error.
func (r *Runner) Run(ctx context.Context, flow schema.FlowData, personas []schema.Persona) (*schema.BatchTestResult, error) {
	if len(personas) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "batch needs at least one persona")
	}

	batchID := r.cfg.IDs()
	ctx = logging.WithBatchID(ctx, batchID)
	r.emit(ctx, batchID, schema.EventBatchStarted, BatchPayload{Personas: len(personas)})
	r.cfg.Logger.InfoContext(ctx, "batch started",
		slog.Int("personas", len(personas)), slog.Int("parallelism", r.cfg.Parallelism))

	var runs []*schema.SimulationRun
	var ran []schema.Persona
	if r.cfg.Parallelism > 1 {
		runs, ran = r.runParallel(ctx, flow, personas)
	} else {
		runs, ran = r.runSequential(ctx, flow, personas)
	}
	aborted := ctx.Err() != nil

	res := Aggregate(batchID, flow, runs, ran)
	res.Aborted = aborted
	if !aborted {
		annotate(ctx, r.cfg.Summarizer, res, flow, r.cfg.Logger)
	}

	payload := BatchPayload{Runs: len(runs), Personas: len(personas), ConversionRate: res.ConversionRate}
	if aborted {
		bg := context.WithoutCancel(ctx)
		r.emit(bg, batchID, schema.EventBatchAborted, payload)
		r.cfg.Logger.InfoContext(ctx, "batch aborted", slog.Int("runs", len(runs)))
		return res, schema.NewError(schema.ErrCodeCancelled, "batch cancelled").WithCause(ctx.Err())
	}
	r.emit(ctx, batchID, schema.EventBatchCompleted, payload)
	r.cfg.Logger.InfoContext(ctx, "batch completed",
		slog.Int("runs", len(runs)), slog.Float64("conversion_rate", res.ConversionRate))
	return res, nil
}

func (r *Runner) runSequential(ctx context.Context, flow schema.FlowData, personas []schema.Persona) ([]*schema.SimulationRun, []schema.Persona) {
	var runs []*schema.SimulationRun
	var ran []schema.Persona
	for _, p := range personas {
		if ctx.Err() != nil {
			break
		}
		run, ok := r.runOne(ctx, r.orch, flow, p)
		r.orch.Reset()
		if !ok {
			continue
		}
		runs = append(runs, run)
		ran = append(ran, p)
	}
	return runs, ran
}

// runParallel gives every persona its own orchestrator and joins all slots
// before returning. Result order follows personas.
func (r *Runner) runParallel(ctx context.Context, flow schema.FlowData, personas []schema.Persona) ([]*schema.SimulationRun, []schema.Persona) {
	pool := NewSlotPool(r.cfg.Parallelism)
	defer pool.Shutdown()

	slots := make([]*schema.SimulationRun, len(personas))
	var mu sync.Mutex
	for i, p := range personas {
		err := pool.Submit(ctx, func(ctx context.Context) error {
			orch := simulation.NewOrchestrator(r.resolver, r.simCfg)
			run, ok := r.runOne(ctx, orch, flow, p)
			if ok {
				mu.Lock()
				slots[i] = run
				mu.Unlock()
			}
			return nil
		}, func(err error) {
			r.cfg.Logger.ErrorContext(ctx, "persona slot crashed",
				slog.String("persona_id", p.ID), slog.String("error", err.Error()))
		})
		if err != nil {
			break
		}
	}
	pool.Wait()

	var runs []*schema.SimulationRun
	var ran []schema.Persona
	for i, run := range slots {
		if run != nil {
			runs = append(runs, run)
			ran = append(ran, personas[i])
		}
	}
	return runs, ran
}

// runOne reports whether run reached a terminal status and belongs in the report.
func (r *Runner) runOne(ctx context.Context, orch *simulation.Orchestrator, flow schema.FlowData, p schema.Persona) (*schema.SimulationRun, bool) {
	run, err := orch.Run(ctx, flow, p)
	switch {
	case schema.HasCode(err, schema.ErrCodeCancelled):
		return nil, false
	case run == nil || !run.Status.IsTerminal():
		r.cfg.Logger.WarnContext(ctx, "persona run skipped",
			slog.String("persona_id", p.ID), slog.Any("error", err))
		return nil, false
	}
	if r.cfg.OnRun != nil {
		r.cfg.OnRun(run)
	}
	return run, true
}

func (r *Runner) emit(ctx context.Context, batchID, eventType string, payload BatchPayload) {
	if app := r.simCfg.Appender; app != nil {
		raw, _ := json.Marshal(payload)
		if err := app.AppendEvent(ctx, &store.Event{BatchID: batchID, Type: eventType, Payload: raw}); err != nil {
			r.cfg.Logger.WarnContext(ctx, "batch event not recorded",
				slog.String("event", eventType), slog.String("error", err.Error()))
		}
	}
	if hub := r.simCfg.Hub; hub != nil {
		_ = hub.Publish(ctx, streaming.StreamEvent{BatchID: batchID, EventType: eventType, Payload: payload})
	}
}
