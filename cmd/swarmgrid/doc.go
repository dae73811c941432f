// Command swarmgrid runs a coordination node: it loads the configuration,
// wires the record store, signed audit log, rate-limited transport, and
// orchestrator, then drives the maintenance loop and serves metrics and
// health endpoints until interrupted.
package main
