// Package api contains the core building blocks shared by the flowpipe
// workflow engine, its queue backends and its node capabilities.
//
// Most users interact with the higher-level flowpipe package, which
// re-exports selected types from this package. The api package is intended
// for capability authors, custom integrations, and contributors extending
// the engine itself.
//
// # Flows
//
// A FlowDefinition is a directed graph of NodeInstance values joined by
// Edge values. Each node instance names a capability type, carries a
// config map and an ExecutionSpec saying how its work is scheduled:
//
//   - inline: run synchronously right after the upstream node
//   - scheduled_recurring: a perpetual trigger that re-arms itself
//   - per_item_job: a fan-out point, one durable job per item
//
// Definitions are immutable once loaded. The catalog replaces them
// wholesale on reload.
//
// # Campaigns and Jobs
//
// A Campaign is one user-created run of a flow, carrying params and the
// engine-managed variables bag. A Job is a durable unit of work for one node
// instance: pending, running, then completed or failed.
//
// # Capabilities
//
// A Capability receives resolved params, the upstream data and an
// ExecContext, and returns a NodeResult. Capabilities are registered in a
// Registry by node type; a fresh instance is built for every invocation.
//
// # Execution Context
//
// ExecContext holds the variables, stats and event emitter of one run and
// resolves {{path}} templates against the "now", "campaign", "context" and
// variables namespaces.
//
// # Observability
//
// Observer receives job and node lifecycle callbacks from the engine.
// NoopObserver, CompositeObserver, LoggingObserver and BasicMetrics are
// ready-made implementations. Emitter delivers user-facing notifications
// such as node:start, node:done and pipeline:error.
package api
