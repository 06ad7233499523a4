// Package orchestrator implements the per-camera runtime: the state
// machine tying together capture backend discovery, the frame router,
// and the preview and record pipelines. It is a separate package from
// internal/capture because internal/router (and therefore
// internal/preview and internal/record) already imports internal/capture
// for the Frame/CameraId/ModeSelection types; a runtime living in
// package capture itself would import router, which imports capture, a
// cycle.
//
// Per-camera background tasks (router, preview, record) run under a
// github.com/thejerf/suture/v4 supervision tree so a panicking consumer
// is restarted rather than silently wedging a camera.
package orchestrator
