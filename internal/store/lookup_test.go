package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/pkg/schema"
)

func TestFlowLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveFlow(ctx, &Flow{ID: "nurture", Name: "Nurture", Data: sampleData()}))

	lookup := FlowLookup{Store: s}
	data, err := lookup.LookupFlow(ctx, "nurture")
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 2)

	_, err = lookup.LookupFlow(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
