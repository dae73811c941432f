package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/openclaw/swarmgrid/types"
)

// Dispatch denial reason codes.
const (
	ReasonBlockedRiskTag     = "blocked_risk_tag"
	ReasonBlockedCapability  = "blocked_capability"
	ReasonBlockedTaskPattern = "blocked_task_pattern"
	ReasonCustomRuleDenied   = "custom_rule_denied"
)

// Default screening lists. A non-nil empty override disables the list.
var (
	DefaultBlockedRiskTags = []string{
		"malware", "credential_theft", "data_exfiltration", "self_harm",
	}

	DefaultBlockedCapabilities = []string{
		"destructive_shell", "credential_access", "mass_messaging",
	}

	DefaultBlockedTaskPatterns = []NamedPattern{
		{
			Name:    "malware_intent",
			Pattern: regexp.MustCompile(`(?i)\b(ransomware|malware|botnet|keylogger)\b`),
		},
		{
			Name:    "credential_exfiltration_intent",
			Pattern: regexp.MustCompile(`(?i)\b(steal|exfiltrate)\b.{0,32}\b(password|credential|token)\b`),
		},
	}

	DefaultRedactionPatterns = []RedactionPattern{
		{
			Name:        "openai_api_key",
			Pattern:     regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
			Replacement: "[REDACTED:OPENAI_KEY]",
		},
		{
			Name:        "aws_access_key",
			Pattern:     regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			Replacement: "[REDACTED:AWS_ACCESS_KEY]",
		},
		{
			Name:        "api_key_assignment",
			Pattern:     regexp.MustCompile(`(?i)(api[_-]?key|token|secret)\s*[:=]\s*[^\s,;]+`),
			Replacement: "${1}=[REDACTED]",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`),
			Replacement: "[REDACTED:EMAIL]",
		},
	}
)

// NamedPattern is a deny rule matched against the task text.
type NamedPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// RedactionPattern rewrites matches before a task leaves the process.
// Replacement supports ${n} group references.
type RedactionPattern struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Reason is one denial with a machine-readable code.
type Reason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Redaction records one rewrite applied to the sanitized request.
type Redaction struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// DispatchResult is the outcome of screening one task request. Request is
// the sanitized copy and is populated even when the dispatch is denied.
type DispatchResult struct {
	Allowed    bool               `json:"allowed"`
	Reasons    []Reason           `json:"reasons"`
	Redactions []Redaction        `json:"redactions"`
	Request    *types.TaskRequest `json:"request"`
}

// CustomRule inspects a request and returns a denial reason, or nil to
// allow.
type CustomRule func(request *types.TaskRequest) *Reason

// DispatchFunc is the dispatch-policy hook shape consumed by the
// orchestrator.
type DispatchFunc func(ctx context.Context, request *types.TaskRequest) (*DispatchResult, error)

// DispatchOptions configures the screening policy. nil slices select the
// defaults; empty non-nil slices disable that check.
type DispatchOptions struct {
	BlockedRiskTags     []string
	BlockedCapabilities []string
	BlockedTaskPatterns []NamedPattern
	RedactionPatterns   []RedactionPattern
	CustomRules         []CustomRule

	// DisableRedaction skips the sanitization pass. Redaction is on by
	// default.
	DisableRedaction bool
}

type dispatchPolicy struct {
	blockedRiskTags     map[string]struct{}
	blockedCapabilities map[string]struct{}
	blockedTaskPatterns []NamedPattern
	redactionPatterns   []RedactionPattern
	customRules         []CustomRule
	redact              bool
}

// NewDispatchPolicy compiles the options once and returns the hook.
func NewDispatchPolicy(opts DispatchOptions) DispatchFunc {
	policy := &dispatchPolicy{
		blockedRiskTags:     lowerSet(orDefault(opts.BlockedRiskTags, DefaultBlockedRiskTags)),
		blockedCapabilities: lowerSet(orDefault(opts.BlockedCapabilities, DefaultBlockedCapabilities)),
		blockedTaskPatterns: opts.BlockedTaskPatterns,
		redactionPatterns:   opts.RedactionPatterns,
		customRules:         opts.CustomRules,
		redact:              !opts.DisableRedaction,
	}
	if policy.blockedTaskPatterns == nil {
		policy.blockedTaskPatterns = DefaultBlockedTaskPatterns
	}
	if policy.redactionPatterns == nil {
		policy.redactionPatterns = DefaultRedactionPatterns
	}
	return policy.evaluate
}

// EvaluateDispatch screens a request with the default options.
func EvaluateDispatch(ctx context.Context, request *types.TaskRequest) (*DispatchResult, error) {
	return NewDispatchPolicy(DispatchOptions{})(ctx, request)
}

func (p *dispatchPolicy) evaluate(_ context.Context, request *types.TaskRequest) (*DispatchResult, error) {
	if request == nil {
		return nil, types.NewError(types.ErrCodeInvalidOptions, "dispatch policy requires a task request")
	}

	var reasons []Reason
	for _, tag := range normalizeList(request.Context["riskTags"]) {
		if _, hit := p.blockedRiskTags[tag]; hit {
			reasons = append(reasons, Reason{Code: ReasonBlockedRiskTag, Detail: tag})
		}
	}
	for _, capability := range normalizeList(request.Context["requiredCapabilities"]) {
		if _, hit := p.blockedCapabilities[capability]; hit {
			reasons = append(reasons, Reason{Code: ReasonBlockedCapability, Detail: capability})
		}
	}
	for _, pattern := range p.blockedTaskPatterns {
		if pattern.Pattern != nil && pattern.Pattern.MatchString(request.Task) {
			reasons = append(reasons, Reason{Code: ReasonBlockedTaskPattern, Detail: pattern.Name})
		}
	}
	for _, rule := range p.customRules {
		if rule == nil {
			continue
		}
		if reason := rule(request); reason != nil {
			if reason.Code == "" {
				reason.Code = ReasonCustomRuleDenied
			}
			reasons = append(reasons, *reason)
		}
	}

	sanitized := request.Clone()
	var redactions []Redaction
	if p.redact {
		sanitized.Task, redactions = redactString(sanitized.Task, p.redactionPatterns, "task", redactions)
		if sanitized.Context != nil {
			var value any
			value, redactions = redactValue(sanitized.Context, p.redactionPatterns, "context", redactions)
			sanitized.Context = value.(map[string]any)
		}
		for i, constraint := range sanitized.Constraints {
			sanitized.Constraints[i], redactions = redactString(
				constraint, p.redactionPatterns, fmt.Sprintf("constraints[%d]", i), redactions)
		}
	}

	return &DispatchResult{
		Allowed:    len(reasons) == 0,
		Reasons:    reasons,
		Redactions: redactions,
		Request:    sanitized,
	}, nil
}

func redactString(value string, patterns []RedactionPattern, path string, redactions []Redaction) (string, []Redaction) {
	for _, pattern := range patterns {
		if pattern.Pattern == nil {
			continue
		}
		matches := pattern.Pattern.FindAllString(value, -1)
		if len(matches) == 0 {
			continue
		}
		redactions = append(redactions, Redaction{
			Path:    path,
			Pattern: pattern.Name,
			Count:   len(matches),
		})
		value = pattern.Pattern.ReplaceAllString(value, pattern.Replacement)
	}
	return value, redactions
}

func redactValue(value any, patterns []RedactionPattern, path string, redactions []Redaction) (any, []Redaction) {
	switch typed := value.(type) {
	case string:
		return redactStringValue(typed, patterns, path, redactions)
	case []any:
		for i, item := range typed {
			typed[i], redactions = redactValue(item, patterns, fmt.Sprintf("%s[%d]", path, i), redactions)
		}
		return typed, redactions
	case map[string]any:
		for key, child := range typed {
			typed[key], redactions = redactValue(child, patterns, path+"."+key, redactions)
		}
		return typed, redactions
	default:
		return value, redactions
	}
}

func redactStringValue(value string, patterns []RedactionPattern, path string, redactions []Redaction) (any, []Redaction) {
	out, redactions := redactString(value, patterns, path, redactions)
	return out, redactions
}

// normalizeList extracts trimmed, lowercased, deduplicated strings from a
// loosely typed context value.
func normalizeList(value any) []string {
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
		item = strings.ToLower(strings.TrimSpace(item))
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

func orDefault(values, defaults []string) []string {
	if values == nil {
		return defaults
	}
	return values
}

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[strings.ToLower(strings.TrimSpace(value))] = struct{}{}
	}
	return out
}
