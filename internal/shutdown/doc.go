// Package shutdown implements the two-phase, idempotent shutdown
// coordinator (component M): suppress state-store writes, stop any
// active trial and session, gracefully stop every running module with
// per-module timeouts, save the shutdown snapshot, and delete the
// recovery file only on a fully clean exit.
package shutdown
