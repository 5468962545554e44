package store

import (
	"context"

	"github.com/rendis/flowsim/pkg/schema"
)

// FlowLookup resolves cross-flow references against stored flows.
// It satisfies simulation.FlowLookup.
type FlowLookup struct {
	Store Store
}

// LookupFlow returns the graph of the stored flow flowID.
func (l FlowLookup) LookupFlow(ctx context.Context, flowID string) (schema.FlowData, error) {
	flow, err := l.Store.GetFlow(ctx, flowID)
	if err != nil {
		return schema.FlowData{}, err
	}
	return flow.Data, nil
}
