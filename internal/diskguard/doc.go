// Package diskguard gates session and trial starts on free disk space:
// a pre-flight check refuses new work once usage crosses the block
// threshold, and a periodic sampler raises warnings as space runs low.
// An in-progress trial is never interrupted. Filesystem stats come from
// github.com/shirou/gopsutil/v3/disk.
package diskguard
