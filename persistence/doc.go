// Package persistence provides the durable journal of task records behind
// the orchestrator, with a hydrate/replay contract for recovery after
// restart.
//
// Records are stored as a journal where the last write per task id is
// authoritative. Supported backends:
//   - Memory: for development and testing (default)
//   - File: JSON-lines journal for single-node production deployments
//   - Redis: for distributed production deployments
package persistence
