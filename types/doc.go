// Package types defines the canonical swarm message model shared by every
// component: task requests, task receipts, task results, and the structured
// error type used across the module.
//
// All timestamps are Unix milliseconds to match the wire format exchanged
// with remote agents and foreign protocol stacks.
package types
