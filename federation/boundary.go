package federation

import "strings"

// Boundary denial reason codes.
const (
	ReasonSameTenantBlocked            = "same_tenant_blocked"
	ReasonTenantPairNotAllowed         = "tenant_pair_not_allowed"
	ReasonBlockedCrossTenantCapability = "blocked_cross_tenant_capability"
)

// DefaultBlockedCapabilities are denied for cross-tenant messages unless
// the policy overrides the block list.
var DefaultBlockedCapabilities = []string{"credential_access", "destructive_shell"}

// TenantPair is a directed source→destination tenant pairing.
type TenantPair struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

// BoundaryPolicy configures cross-tenant admission. The zero value allows
// same-tenant traffic, denies every cross-tenant pair, and blocks the
// default capability list.
type BoundaryPolicy struct {
	// LocalTenantID is the receiving tenant. When empty the destination
	// falls back to the envelope's targetTenantId metadata, then to the
	// source tenant.
	LocalTenantID string `json:"local_tenant_id" yaml:"local_tenant_id"`

	// AllowedTenantPairs lists permitted cross-tenant routes.
	AllowedTenantPairs []TenantPair `json:"allowed_tenant_pairs" yaml:"allowed_tenant_pairs"`

	// BlockedCapabilities are capabilities that may never cross a tenant
	// boundary. nil selects DefaultBlockedCapabilities; an empty non-nil
	// slice blocks nothing.
	BlockedCapabilities []string `json:"blocked_capabilities" yaml:"blocked_capabilities"`

	// DenySameTenant rejects messages whose source and destination tenant
	// are identical. Same-tenant traffic is allowed by default.
	DenySameTenant bool `json:"deny_same_tenant" yaml:"deny_same_tenant"`
}

// BoundaryReason is one denial with its machine-readable code and the
// offending value.
type BoundaryReason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// BoundaryDecision is the outcome of a tenant-boundary evaluation.
type BoundaryDecision struct {
	Allowed             bool             `json:"allowed"`
	Reasons             []BoundaryReason `json:"reasons"`
	SourceTenantID      string           `json:"sourceTenantId"`
	DestinationTenantID string           `json:"destinationTenantId"`
}

// EvaluateTenantBoundary applies a cross-tenant policy to a signed
// envelope. It is a pure function: no state is mutated and no error is
// ever raised; denial is expressed through the decision's reasons.
func EvaluateTenantBoundary(envelope *SignedEnvelope, policy BoundaryPolicy) BoundaryDecision {
	sourceTenant := ""
	if envelope != nil {
		sourceTenant = envelope.TenantID
	}

	destinationTenant := policy.LocalTenantID
	if destinationTenant == "" && envelope != nil {
		if target, ok := envelope.Metadata["targetTenantId"].(string); ok && target != "" {
			destinationTenant = target
		}
	}
	if destinationTenant == "" {
		destinationTenant = sourceTenant
	}

	decision := BoundaryDecision{
		SourceTenantID:      sourceTenant,
		DestinationTenantID: destinationTenant,
	}

	if sourceTenant == destinationTenant {
		if policy.DenySameTenant {
			decision.Reasons = append(decision.Reasons, BoundaryReason{
				Code:   ReasonSameTenantBlocked,
				Detail: sourceTenant,
			})
		}
		decision.Allowed = len(decision.Reasons) == 0
		return decision
	}

	if !pairAllowed(policy.AllowedTenantPairs, sourceTenant, destinationTenant) {
		decision.Reasons = append(decision.Reasons, BoundaryReason{
			Code:   ReasonTenantPairNotAllowed,
			Detail: sourceTenant + "->" + destinationTenant,
		})
	}

	blocked := policy.BlockedCapabilities
	if blocked == nil {
		blocked = DefaultBlockedCapabilities
	}
	blockedSet := make(map[string]struct{}, len(blocked))
	for _, capability := range blocked {
		blockedSet[capability] = struct{}{}
	}
	for _, capability := range requiredCapabilities(envelope) {
		if _, hit := blockedSet[capability]; hit {
			decision.Reasons = append(decision.Reasons, BoundaryReason{
				Code:   ReasonBlockedCrossTenantCapability,
				Detail: capability,
			})
		}
	}

	decision.Allowed = len(decision.Reasons) == 0
	return decision
}

func pairAllowed(pairs []TenantPair, source, destination string) bool {
	for _, pair := range pairs {
		if pair.Source == source && pair.Destination == destination {
			return true
		}
	}
	return false
}

// requiredCapabilities extracts the deduplicated capability declarations
// from the payload's context.requiredCapabilities, tolerating any shape.
func requiredCapabilities(envelope *SignedEnvelope) []string {
	if envelope == nil {
		return nil
	}
	context, ok := envelope.Payload["context"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := context["requiredCapabilities"].([]any)
	if !ok {
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		capability, ok := item.(string)
		if !ok {
			continue
		}
		capability = strings.TrimSpace(capability)
		if capability == "" {
			continue
		}
		if _, dup := seen[capability]; dup {
			continue
		}
		seen[capability] = struct{}{}
		out = append(out, capability)
	}
	return out
}
