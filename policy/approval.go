package policy

import (
	"context"
	"strings"

	"github.com/openclaw/swarmgrid/types"
)

// Approval rule names reported in MatchedRules.
const (
	RuleCriticalPriority    = "critical_priority"
	RuleHighPriority        = "high_priority"
	RuleHighRiskTag         = "high_risk_tag"
	RuleSensitiveCapability = "sensitive_capability"
	RuleManualOverride      = "manual_override"
)

// Defaults for the rule-based approval gate.
var (
	DefaultHighRiskTags = []string{"external_write", "legal", "finance", "security"}

	DefaultSensitiveCapabilities = []string{"legal", "finance", "security", "production-deploy"}
)

// DefaultReviewerGroup receives gated tasks when no group is configured.
const DefaultReviewerGroup = "human-review"

// ApprovalResult is the outcome of the approval gate.
type ApprovalResult struct {
	Required      bool     `json:"required"`
	ReviewerGroup string   `json:"reviewerGroup,omitempty"`
	MatchedRules  []string `json:"matchedRules"`
	Reason        string   `json:"reason,omitempty"`
}

// ApprovalFunc is the approval-policy hook shape consumed by the
// orchestrator.
type ApprovalFunc func(ctx context.Context, request *types.TaskRequest) (*ApprovalResult, error)

// ApprovalOptions configures the approval gate. nil slices select the
// defaults; empty non-nil slices disable that rule.
type ApprovalOptions struct {
	// DisableCriticalApproval turns off the critical-priority rule, which
	// is on by default.
	DisableCriticalApproval bool

	// HighPriorityRequiresApproval additionally gates high-priority tasks.
	HighPriorityRequiresApproval bool

	HighRiskTags          []string
	SensitiveCapabilities []string
	ReviewerGroup         string
}

// NewApprovalPolicy returns the approval hook for the given options.
func NewApprovalPolicy(opts ApprovalOptions) ApprovalFunc {
	highRiskTags := toSet(orDefault(opts.HighRiskTags, DefaultHighRiskTags))
	sensitiveCapabilities := toSet(orDefault(opts.SensitiveCapabilities, DefaultSensitiveCapabilities))
	reviewerGroup := opts.ReviewerGroup
	if reviewerGroup == "" {
		reviewerGroup = DefaultReviewerGroup
	}

	return func(_ context.Context, request *types.TaskRequest) (*ApprovalResult, error) {
		if request == nil {
			return nil, types.NewError(types.ErrCodeInvalidOptions, "approval policy requires a task request")
		}

		var matches []string
		if !opts.DisableCriticalApproval && request.Priority == types.PriorityCritical {
			matches = append(matches, RuleCriticalPriority)
		}
		if opts.HighPriorityRequiresApproval && request.Priority == types.PriorityHigh {
			matches = append(matches, RuleHighPriority)
		}
		if anyIn(normalizeListKeepCase(request.Context["riskTags"]), highRiskTags) {
			matches = append(matches, RuleHighRiskTag)
		}
		if anyIn(normalizeListKeepCase(request.Context["requiredCapabilities"]), sensitiveCapabilities) {
			matches = append(matches, RuleSensitiveCapability)
		}
		if manual, ok := request.Context["requiresHumanApproval"].(bool); ok && manual {
			matches = append(matches, RuleManualOverride)
		}

		result := &ApprovalResult{MatchedRules: matches}
		if len(matches) > 0 {
			result.Required = true
			result.ReviewerGroup = reviewerGroup
			result.Reason = "approval_required:" + strings.Join(matches, ",")
		}
		return result, nil
	}
}

// EvaluateApproval applies the default approval rules.
func EvaluateApproval(ctx context.Context, request *types.TaskRequest) (*ApprovalResult, error) {
	return NewApprovalPolicy(ApprovalOptions{})(ctx, request)
}

// normalizeListKeepCase trims and deduplicates without lowercasing; the
// approval lists match case-sensitively.
func normalizeListKeepCase(value any) []string {
	var raw []string
	switch typed := value.(type) {
	case []string:
		raw = typed
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	default:
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[value] = struct{}{}
	}
	return out
}

func anyIn(values []string, set map[string]struct{}) bool {
	for _, value := range values {
		if _, hit := set[value]; hit {
			return true
		}
	}
	return false
}
