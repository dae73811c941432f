// Package policy provides the concrete dispatch and approval policies the
// orchestrator's hooks are usually wired to: content screening with secret
// redaction before a task leaves the process, and rule-based human-approval
// gating. Both evaluators are pure; the orchestrator records their
// decisions but owns all state.
package policy
