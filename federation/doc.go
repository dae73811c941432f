// Package federation implements the trust layer for task messages crossing
// tenant boundaries: per-tenant signing keys with rotation, signed envelope
// creation and verification, capability-based boundary policy, and a bridge
// between the canonical message model and foreign wire protocols.
//
// Verification and boundary failures are routine in an adversarial
// federation, so they are returned as structured results rather than
// errors.
package federation
