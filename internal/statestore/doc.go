// Package statestore persists the per-module facts that survive
// restarts (enabled, device_connected, window_geometry) plus the
// process-wide recovery file listing running modules.
//
// This is distinct from internal/config, which owns the supervisor's
// own YAML startup configuration. A module's persisted facts live in a
// "key = value" config.txt file that this package reads and rewrites
// atomically with github.com/google/renameio/v2 (write-temp -> fsync ->
// rename). Writes are partly gated by the application phase: once
// shutdown has begun, device-connected updates from device events and
// internal module closes are skipped, while user toggles and
// disconnects, crash records, window geometry and recovery snapshots
// are still written.
package statestore
