package validation

import (
	"testing"

	"github.com/rendis/flowsim/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlowData_Valid(t *testing.T) {
	raw := []byte(`{
	  "nodes": [
	    {"id": "s", "type": "start", "label": "Start", "position": {"x": 250, "y": 50}, "selected": true},
	    {"id": "d", "type": "decision", "label": "Budget?", "position": {"x": 250.5, "y": 170},
	     "data": {"keywords": ["budget"], "condition": "traits.budget > 1000"}}
	  ],
	  "edges": [
	    {"id": "e1", "source": "s", "target": "d"},
	    {"id": "e2", "source": "d", "target": "ghost", "sourceHandle": "yes"}
	  ]
	}`)

	data, err := ParseFlowData(raw)
	require.NoError(t, err)
	require.Len(t, data.Nodes, 2)
	assert.Equal(t, 250.5, data.Nodes[1].Position.X)
	assert.Equal(t, "traits.budget > 1000", data.Nodes[1].Data.Condition)
	// Dangling references are a validator concern, not a schema one.
	assert.Equal(t, "ghost", data.Edges[1].Target)
}

func TestParseFlowData_NullSourceHandle(t *testing.T) {
	raw := []byte(`{"nodes": [], "edges": [{"id": "e1", "source": "a", "target": "b", "sourceHandle": null}]}`)
	data, err := ParseFlowData(raw)
	require.NoError(t, err)
	assert.Equal(t, "", data.Edges[0].SourceHandle)
}

func TestParseFlowData_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"missing edges", `{"nodes": []}`, "edges"},
		{"unknown node type", `{"nodes": [{"id": "x", "type": "loop", "position": {"x": 0, "y": 0}}], "edges": []}`, "/nodes/0/type"},
		{"position not numeric", `{"nodes": [{"id": "x", "type": "end", "position": {"x": "0", "y": 0}}], "edges": []}`, "/nodes/0/position/x"},
		{"edge without target", `{"nodes": [], "edges": [{"id": "e", "source": "a"}]}`, "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFlowData([]byte(tt.raw))
			require.Error(t, err)

			var fe *schema.FlowsimError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeValidation, fe.Code)
			violations, ok := fe.Details["violations"].([]string)
			require.True(t, ok)
			joined := ""
			for _, v := range violations {
				joined += v + "\n"
			}
			assert.Contains(t, joined, tt.want)
		})
	}
}

func TestParseFlowData_NotJSON(t *testing.T) {
	_, err := ParseFlowData([]byte(`{nodes:`))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
