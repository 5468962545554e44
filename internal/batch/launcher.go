package batch

import (
	"context"
	"log/slog"

	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/pkg/schema"
)

// StoreLauncher runs batches against stored flows and persists the reports.
// It satisfies scheduler.BatchLauncher.
type StoreLauncher struct {
	store     store.Store
	newRunner func() *Runner
	logger    *slog.Logger
}

// NewStoreLauncher creates a launcher. newRunner is called once per launch
// so concurrent launches never share an orchestrator.
func NewStoreLauncher(s store.Store, newRunner func() *Runner, logger *slog.Logger) *StoreLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreLauncher{store: s, newRunner: newRunner, logger: logger}
}

// Launch runs personas against the stored flow flowID, then saves the report
// and the test cases derived from it. An aborted batch is saved too.
func (l *StoreLauncher) Launch(ctx context.Context, flowID string, personas []schema.Persona) (*schema.BatchTestResult, error) {
	flow, err := l.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	res, runErr := l.newRunner().Run(ctx, flow.Data, personas)
	if res == nil {
		return nil, runErr
	}
	res.FlowID = flowID

	saveCtx := context.WithoutCancel(ctx)
	if err := l.store.SaveBatch(saveCtx, res); err != nil {
		return res, err
	}
	if !res.Aborted {
		if err := l.store.SaveTestCases(saveCtx, flowID, DeriveTestCases(res, nil)); err != nil {
			l.logger.WarnContext(ctx, "test cases not saved", slog.String("error", err.Error()))
		}
	}
	return res, runErr
}

// LaunchBatch runs a scheduled batch with its persona set, or the built-in
// personas when none is configured.
func (l *StoreLauncher) LaunchBatch(ctx context.Context, job *store.ScheduledBatch) (string, error) {
	personas := simulation.DefaultPersonas()
	if job.PersonaSet != "" {
		var err error
		if personas, err = simulation.LoadPersonas(job.PersonaSet); err != nil {
			return "", err
		}
	}
	res, err := l.Launch(ctx, job.FlowID, personas)
	if res == nil {
		return "", err
	}
	return res.ID, err
}
