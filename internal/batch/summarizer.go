package batch

import (
	"context"
	"log/slog"

	"github.com/rendis/flowsim/internal/remote"
	"github.com/rendis/flowsim/pkg/schema"
)

// SummaryRequest is sent to a Summarizer once per batch.
type SummaryRequest struct {
	Runs     []*schema.SimulationRun `json:"runs"`
	FlowData schema.FlowData         `json:"flowData"`
}

// SummaryReport holds free-text notes keyed by persona id.
type SummaryReport struct {
	PersonaSummaries map[string]string `json:"personaSummaries"`
}

// SummaryResponse is the Summarizer reply.
type SummaryResponse struct {
	Report SummaryReport `json:"report"`
}

// Summarizer annotates a batch with per-persona notes. Optional; failures
// never block the numeric report.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (*SummaryResponse, error)
}

// HTTPSummarizer POSTs the SummaryRequest to a remote endpoint.
type HTTPSummarizer struct {
	client *remote.Client
}

// NewHTTPSummarizer creates a summarizer for endpoint.
func NewHTTPSummarizer(endpoint string, opts ...remote.Option) *HTTPSummarizer {
	return &HTTPSummarizer{client: remote.NewClient(endpoint, opts...)}
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, req SummaryRequest) (*SummaryResponse, error) {
	var resp SummaryResponse
	if err := s.client.PostJSON(ctx, req, &resp); err != nil {
		return nil, schema.NewError(schema.ErrCodeSummarizer, "summarize batch").WithCause(err)
	}
	return &resp, nil
}

// annotate fills PersonaResult.Notes from s. Any failure leaves notes empty.
func annotate(ctx context.Context, s Summarizer, res *schema.BatchTestResult, flow schema.FlowData, logger *slog.Logger) {
	if s == nil || len(res.Runs) == 0 {
		return
	}
	resp, err := s.Summarize(ctx, SummaryRequest{Runs: res.Runs, FlowData: flow})
	if err != nil {
		logger.WarnContext(ctx, "batch summarizer failed; notes left empty", slog.String("error", err.Error()))
		return
	}
	if resp == nil {
		return
	}
	for i := range res.PersonaResults {
		pr := &res.PersonaResults[i]
		pr.Notes = resp.Report.PersonaSummaries[pr.PersonaID]
	}
}
