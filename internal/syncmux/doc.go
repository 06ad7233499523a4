// Package syncmux implements post-trial synchronization and A/V muxing
// (component L): it scans a session directory for one trial's audio,
// video and timing artifacts, derives per-stream start offsets from the
// timing CSVs, writes a sync metadata JSON, and invokes an external
// ffmpeg muxer per camera with the computed audio-vs-video offset.
package syncmux
