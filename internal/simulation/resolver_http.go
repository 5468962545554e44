package simulation

import (
	"context"

	"github.com/rendis/flowsim/internal/remote"
)

// HTTPResolver resolves turns by POSTing the TurnRequest as JSON to a remote
// endpoint and decoding a TurnResult from the response.
type HTTPResolver struct {
	client *remote.Client
}

// NewHTTPResolver creates a resolver for endpoint.
func NewHTTPResolver(endpoint string, opts ...remote.Option) *HTTPResolver {
	return &HTTPResolver{client: remote.NewClient(endpoint, opts...)}
}

func (r *HTTPResolver) ResolveTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	var res TurnResult
	if err := r.client.PostJSON(ctx, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
