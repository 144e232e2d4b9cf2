// Package flowpipe is an embeddable workflow engine for content pipelines:
// flows of pluggable nodes that scan a platform for videos, filter and
// download them, and republish them on a schedule.
//
// # Core Concepts
//
//  1. FlowDefinition
//  2. Campaign
//  3. Engine
//  4. Worker
//  5. Capability
//
// # FlowDefinition
//
// A flow is a directed graph of node instances. Each instance names a node
// type, carries its configuration and an execution strategy:
//
//   - inline: runs in the same tick as its predecessor
//   - scheduled_recurring: a start node that re-arms itself after each run
//   - per_item_job: fans incoming items out into one job each, spaced by a
//     gap and retried with backoff
//
// Flows are loaded from YAML files (see ParseFlow and Catalog.LoadDir) or
// built in code with FlowBuilder:
//
//	def := flowpipe.NewFlow("repost", "Repost").
//	    Node("scan_1", "source.scanner", scanCfg, flowpipe.RecurringEvery(30)).
//	    Node("dedup_1", "core.deduplicator", nil).
//	    Node("publish_1", "publisher", pubCfg, flowpipe.PerItem(flowpipe.Gap(20, "minutes"), flowpipe.Retry(3).Policy())).
//	    Chain().
//	    MustBuild()
//
// # Campaign
//
// A campaign is one stateful run of a flow. Its params override node
// configuration per instance id, and its variables bag persists state such
// as publisher rotation across runs.
//
// # Engine
//
// The Engine is queue-driven. Each Tick claims due jobs, runs their node and
// the inline chain that follows, fans out per-item jobs, re-arms recurring
// nodes and schedules retries. Jobs live in a Queue backed by memory,
// SQLite, Postgres or Redis; campaigns, items and events live in the
// Persistence stores.
//
// # Worker
//
// A Worker ticks the Engine on an interval. Open builds the whole stack from
// a Config; LocalRunner does the same in memory for tests and development.
//
// # Capability
//
// Node types are Capabilities registered in a Registry. RegisterBuiltins adds
// the scanner, filters, downloader and publisher; FilterItems, MapItems and
// SourceFunc help writing custom ones.
package flowpipe
