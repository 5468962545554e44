package schema

import "sort"

// Severity classifies a validator finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Rank orders severities for display: error first, then warning, then info.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

// Warning codes emitted by the built-in rule set.
const (
	WarnMissingStart    = "missing_start"
	WarnMissingEnd      = "missing_end"
	WarnDanglingEdge    = "dangling_edge"
	WarnUnreachable     = "unreachable"
	WarnMissingBranch   = "missing_branch"
	WarnAmbiguousBranch = "ambiguous_branch"
	WarnDeadEnd         = "dead_end"
	WarnEmptyLabel      = "empty_label"
	WarnNoInstructions  = "no_instructions"
	WarnCustomRule      = "custom_rule"
	WarnBadCondition    = "bad_condition"
)

// Warning is a single structural finding about a flow graph.
// Findings are data: they never block editing.
type Warning struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	NodeID   string   `json:"nodeId,omitempty"`
	EdgeID   string   `json:"edgeId,omitempty"`
}

// WarningSummary counts findings per severity.
type WarningSummary struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`
}

// HasErrors returns true if at least one error-severity finding exists.
func (s WarningSummary) HasErrors() bool {
	return s.Errors > 0
}

// SortWarnings orders findings error → warning → info, keeping the original
// order within a severity.
func SortWarnings(ws []Warning) {
	sort.SliceStable(ws, func(i, j int) bool {
		return ws[i].Severity.Rank() < ws[j].Severity.Rank()
	})
}
