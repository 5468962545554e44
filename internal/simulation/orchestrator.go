// Package simulation walks synthetic personas through a conversation flow,
// one resolver-driven turn at a time.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowsim/internal/logging"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/streaming"
	"github.com/rendis/flowsim/pkg/schema"
)

const (
	// DefaultMaxTurns caps a run when Config.MaxTurns is unset.
	DefaultMaxTurns = 15
	// maxRedirects bounds cross-flow hops within one run.
	maxRedirects = 5

	// RedirectAnnotation prefixes the annotation of the agent message that
	// hands the run over to another flow.
	RedirectAnnotation = "redirect:"
)

// Config configures an Orchestrator. Only MaxTurns has a non-zero default.
type Config struct {
	MaxTurns  int
	TurnDelay time.Duration
	IDs       schema.IDGenerator
	Appender  EventAppender
	Hub       streaming.EventHub
	Flows     FlowLookup
	Logger    *slog.Logger
}

// Orchestrator drives one persona at a time through a flow. It owns a single
// run slot readable by observers through CurrentRun.
type Orchestrator struct {
	resolver TurnResolver
	cfg      Config
	fsm      *RunFSM
	busy     atomic.Bool

	mu      sync.RWMutex
	current *schema.SimulationRun
}

// NewOrchestrator creates an Orchestrator resolving turns with resolver.
func NewOrchestrator(resolver TurnResolver, cfg Config) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.IDs == nil {
		cfg.IDs = schema.UUIDGenerator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		resolver: resolver,
		cfg:      cfg,
		fsm:      NewRunFSM(cfg.Appender),
	}
}

// MaxTurns returns the configured turn cap.
func (o *Orchestrator) MaxTurns() int { return o.cfg.MaxTurns }

// CurrentRun returns a copy of the run slot, or nil after Reset.
func (o *Orchestrator) CurrentRun() *schema.SimulationRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current.Clone()
}

// Reset discards the run slot.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.current = nil
	o.mu.Unlock()
}

// runState is the loop-local bookkeeping of one run.
type runState struct {
	ref       RunRef
	persona   schema.Persona
	primary   schema.FlowData
	active    schema.FlowData
	visited   map[string]struct{}
	flowsSeen map[string]struct{}
}

// Run simulates persona against a frozen copy of flow.
//
// A resolver failure fails the run with one critical issue and returns the
// run together with a TURN_FAILED error. Cancellation returns the run as last
// observed (still running) with a CANCELLED error.
func (o *Orchestrator) Run(ctx context.Context, flow schema.FlowData, persona schema.Persona) (*schema.SimulationRun, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, schema.NewError(schema.ErrCodeConflict, "orchestrator is already running a simulation")
	}
	defer o.busy.Store(false)
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "simulation cancelled").WithCause(err)
	}

	frozen := flow.Clone()
	run := &schema.SimulationRun{
		ID:           o.cfg.IDs(),
		PersonaID:    persona.ID,
		FlowData:     frozen,
		Messages:     []schema.SimulationMessage{},
		Status:       schema.RunStatusIdle,
		Issues:       []schema.SimulationIssue{},
		NodesVisited: []string{},
		StartedAt:    time.Now().UTC(),
	}
	o.mu.Lock()
	o.current = run
	o.mu.Unlock()

	ctx = logging.WithIDs(ctx, run.ID, persona.ID)
	st := &runState{
		ref:       RunRef{RunID: run.ID, BatchID: logging.BatchID(ctx)},
		persona:   persona,
		primary:   frozen,
		active:    frozen,
		visited:   make(map[string]struct{}),
		flowsSeen: make(map[string]struct{}),
	}

	if err := o.fsm.Transition(ctx, st.ref, schema.RunStatusIdle, schema.RunStatusRunning, nil); err != nil {
		return o.CurrentRun(), err
	}
	o.update(func(r *schema.SimulationRun) { r.Status = schema.RunStatusRunning })
	o.publish(ctx, st, schema.EventRunStarted, nil)
	o.cfg.Logger.InfoContext(ctx, "simulation started",
		slog.Int("nodes", len(frozen.Nodes)), slog.Int("max_turns", o.cfg.MaxTurns))

	for turn := 1; turn <= o.cfg.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return o.cancelled(ctx, st, err)
		}
		if turn > 1 {
			if err := o.pace(ctx); err != nil {
				return o.cancelled(ctx, st, err)
			}
		}

		res, err := o.resolver.ResolveTurn(ctx, TurnRequest{
			FlowData:   st.active,
			Persona:    persona,
			History:    o.history(),
			TurnNumber: turn,
			MaxTurns:   o.cfg.MaxTurns,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return o.cancelled(ctx, st, ctxErr)
			}
			return o.fail(ctx, st, turn, err)
		}
		if res == nil {
			res = &TurnResult{}
		}

		o.applyTurn(st, turn, res)
		payload := store.TurnPayload{Turn: turn, NodeID: res.CurrentNodeID, NextNodeID: res.NextNodeID, Issues: len(res.Issues)}
		o.record(ctx, st, schema.EventRunTurn, payload)
		o.publish(ctx, st, schema.EventRunTurn, payload)

		if !res.IsComplete {
			continue
		}
		if o.redirect(ctx, st, res) {
			continue
		}
		return o.complete(ctx, st, normalizeOutcome(res.Outcome))
	}

	o.cfg.Logger.InfoContext(ctx, "simulation reached turn cap", slog.Int("turns", o.cfg.MaxTurns))
	return o.complete(ctx, st, schema.OutcomeTimeout)
}

func (o *Orchestrator) applyTurn(st *runState, turn int, res *TurnResult) {
	o.update(func(r *schema.SimulationRun) {
		r.Turns = turn
		if res.LeadMessage != "" {
			r.Messages = append(r.Messages, schema.SimulationMessage{
				Role: schema.RoleLead, Content: res.LeadMessage, NodeID: res.CurrentNodeID,
			})
		}
		if res.AgentResponse != "" {
			nodeID := res.NextNodeID
			if nodeID == "" {
				nodeID = res.CurrentNodeID
			}
			r.Messages = append(r.Messages, schema.SimulationMessage{
				Role: schema.RoleAgent, Content: res.AgentResponse, NodeID: nodeID,
			})
		}
		// Coverage is measured against the primary flow only.
		if st.onPrimary() {
			for _, id := range []string{res.CurrentNodeID, res.NextNodeID} {
				if id == "" || !st.primary.HasNode(id) {
					continue
				}
				if _, seen := st.visited[id]; !seen {
					st.visited[id] = struct{}{}
					r.NodesVisited = append(r.NodesVisited, id)
				}
			}
			r.NodesCoverage = coverage(len(st.visited), len(st.primary.Nodes))
		}
		for _, is := range res.Issues {
			if is.Turn == 0 {
				is.Turn = turn
			}
			r.Issues = append(r.Issues, is)
		}
	})
}

// redirect continues the run inside the flow referenced by the reached end
// node. Returns false when no redirect applies.
func (o *Orchestrator) redirect(ctx context.Context, st *runState, res *TurnResult) bool {
	if o.cfg.Flows == nil {
		return false
	}
	nodeID := res.NextNodeID
	if nodeID == "" {
		nodeID = res.CurrentNodeID
	}
	node := st.active.Node(nodeID)
	if node == nil || node.Type != schema.NodeTypeEnd || node.FlowRef() == "" {
		return false
	}
	ref := node.FlowRef()
	if _, loop := st.flowsSeen[ref]; loop || len(st.flowsSeen) >= maxRedirects {
		o.addIssue(schema.SimulationIssue{
			Severity: schema.IssueWarning,
			Message:  fmt.Sprintf("redirect to flow %q skipped: loop or hop limit", ref),
			NodeID:   node.ID,
		})
		return false
	}

	next, err := o.cfg.Flows.LookupFlow(ctx, ref)
	if err != nil {
		o.cfg.Logger.WarnContext(ctx, "flow redirect failed", slog.String("flow_id", ref), slog.String("error", err.Error()))
		o.addIssue(schema.SimulationIssue{
			Severity: schema.IssueWarning,
			Message:  fmt.Sprintf("referenced flow %q could not be loaded: %v", ref, err),
			NodeID:   node.ID,
		})
		return false
	}

	st.flowsSeen[ref] = struct{}{}
	st.active = next.Clone()
	note := RedirectAnnotation + ref
	o.update(func(r *schema.SimulationRun) {
		if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == schema.RoleAgent && r.Messages[n-1].Annotation == "" {
			r.Messages[n-1].Annotation = note
			return
		}
		r.Messages = append(r.Messages, schema.SimulationMessage{
			Role:       schema.RoleAgent,
			Content:    fmt.Sprintf("Continuing in flow %s.", ref),
			NodeID:     node.ID,
			Annotation: note,
		})
	})
	payload := store.RedirectPayload{FromNodeID: node.ID, FlowID: ref}
	o.record(ctx, st, schema.EventRunRedirect, payload)
	o.publish(ctx, st, schema.EventRunRedirect, payload)
	return true
}

func (o *Orchestrator) complete(ctx context.Context, st *runState, outcome schema.Outcome) (*schema.SimulationRun, error) {
	payload := store.TerminalPayload{Outcome: outcome}
	if err := o.fsm.Transition(ctx, st.ref, schema.RunStatusRunning, schema.RunStatusCompleted, payload); err != nil {
		o.cfg.Logger.WarnContext(ctx, "run completion event not recorded", slog.String("error", err.Error()))
	}
	o.update(func(r *schema.SimulationRun) {
		now := time.Now().UTC()
		r.Status = schema.RunStatusCompleted
		r.Outcome = outcome
		r.CompletedAt = &now
	})
	o.publish(ctx, st, schema.EventRunCompleted, payload)
	o.cfg.Logger.InfoContext(ctx, "simulation completed", slog.String("outcome", string(outcome)))
	return o.CurrentRun(), nil
}

func (o *Orchestrator) fail(ctx context.Context, st *runState, turn int, cause error) (*schema.SimulationRun, error) {
	turnErr := schema.NewErrorf(schema.ErrCodeTurnFailed, "turn %d failed: %v", turn, cause).WithCause(cause)
	payload := store.TerminalPayload{Error: turnErr.Message}
	if err := o.fsm.Transition(ctx, st.ref, schema.RunStatusRunning, schema.RunStatusFailed, payload); err != nil {
		o.cfg.Logger.WarnContext(ctx, "run failure event not recorded", slog.String("error", err.Error()))
	}
	o.update(func(r *schema.SimulationRun) {
		now := time.Now().UTC()
		r.Status = schema.RunStatusFailed
		r.CompletedAt = &now
		r.Issues = append(r.Issues, schema.SimulationIssue{
			Severity: schema.IssueCritical,
			Message:  turnErr.Message,
			Turn:     turn,
		})
	})
	o.publish(ctx, st, schema.EventRunFailed, payload)
	o.cfg.Logger.ErrorContext(ctx, "simulation failed", slog.Int("turn", turn), slog.String("error", cause.Error()))
	return o.CurrentRun(), turnErr
}

// cancelled leaves the run as last observed; the caller decides its disposition.
func (o *Orchestrator) cancelled(ctx context.Context, st *runState, cause error) (*schema.SimulationRun, error) {
	// ctx is done; detach so the event still lands.
	bg := context.WithoutCancel(ctx)
	o.record(bg, st, schema.EventRunCancelled, nil)
	o.publish(bg, st, schema.EventRunCancelled, nil)
	o.cfg.Logger.InfoContext(ctx, "simulation cancelled")
	return o.CurrentRun(), schema.NewError(schema.ErrCodeCancelled, "simulation cancelled").WithCause(cause)
}

// pace waits TurnDelay, returning early with ctx's error on cancellation.
func (o *Orchestrator) pace(ctx context.Context) error {
	if o.cfg.TurnDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(o.cfg.TurnDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) history() []schema.SimulationMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]schema.SimulationMessage(nil), o.current.Messages...)
}

func (o *Orchestrator) update(fn func(r *schema.SimulationRun)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		fn(o.current)
	}
}

func (o *Orchestrator) addIssue(is schema.SimulationIssue) {
	o.update(func(r *schema.SimulationRun) {
		if is.Turn == 0 {
			is.Turn = r.Turns
		}
		r.Issues = append(r.Issues, is)
	})
}

func (o *Orchestrator) record(ctx context.Context, st *runState, eventType string, payload any) {
	if err := o.fsm.Record(ctx, st.ref, eventType, payload); err != nil {
		o.cfg.Logger.WarnContext(ctx, "run event not recorded",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, st *runState, eventType string, payload any) {
	if o.cfg.Hub == nil {
		return
	}
	err := o.cfg.Hub.Publish(ctx, streaming.StreamEvent{
		RunID:     st.ref.RunID,
		BatchID:   st.ref.BatchID,
		PersonaID: st.persona.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		o.cfg.Logger.DebugContext(ctx, "progress event dropped", slog.String("error", err.Error()))
	}
}

func (st *runState) onPrimary() bool {
	return len(st.flowsSeen) == 0
}

// normalizeOutcome maps resolver outcomes onto the known set. Empty means nurture.
func normalizeOutcome(o schema.Outcome) schema.Outcome {
	if o == "" {
		return schema.OutcomeNurture
	}
	if parsed, ok := schema.ParseOutcome(string(o)); ok {
		return parsed
	}
	return o
}

func coverage(visited, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(visited) / float64(total) * 100
}
