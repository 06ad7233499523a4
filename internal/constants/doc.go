// Package constants centralizes magic numbers and string tokens shared
// across the supervisor and capture packages: wire protocol command
// names, module state names, default timeouts, and queue sizing.
package constants
