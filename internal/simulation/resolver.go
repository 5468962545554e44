package simulation

import (
	"context"

	"github.com/rendis/flowsim/pkg/schema"
)

// TurnRequest is sent to a TurnResolver once per turn.
type TurnRequest struct {
	FlowData   schema.FlowData            `json:"flowData"`
	Persona    schema.Persona             `json:"persona"`
	History    []schema.SimulationMessage `json:"history"`
	TurnNumber int                        `json:"turnNumber"`
	MaxTurns   int                        `json:"maxTurns"`
}

// TurnResult is the structured outcome of one turn. IsComplete ends the run
// with Outcome; otherwise the conversation continues.
type TurnResult struct {
	LeadMessage   string                   `json:"leadMessage,omitempty"`
	AgentResponse string                   `json:"agentResponse,omitempty"`
	CurrentNodeID string                   `json:"currentNodeId,omitempty"`
	NextNodeID    string                   `json:"nextNodeId,omitempty"`
	Issues        []schema.SimulationIssue `json:"issues,omitempty"`
	IsComplete    bool                     `json:"isComplete"`
	Outcome       schema.Outcome           `json:"outcome,omitempty"`
}

// TurnResolver resolves a single conversation turn. Implementations must be
// safe to retry; the orchestrator itself never retries.
type TurnResolver interface {
	ResolveTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// TurnResolverFunc adapts a function to TurnResolver.
type TurnResolverFunc func(ctx context.Context, req TurnRequest) (*TurnResult, error)

func (f TurnResolverFunc) ResolveTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return f(ctx, req)
}

// FlowLookup resolves a cross-flow reference to the referenced flow's graph.
type FlowLookup interface {
	LookupFlow(ctx context.Context, flowID string) (schema.FlowData, error)
}
