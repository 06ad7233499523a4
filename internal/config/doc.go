// Package config provides centralized configuration management for the
// capture supervisor.
//
// This package handles supervisor-level YAML configuration loading,
// validation, and hot reload: github.com/spf13/viper for layered
// YAML+env config and github.com/fsnotify/fsnotify for watching the
// file for changes.
//
// The per-module "enabled/device_connected/window_geometry" key=value
// store is a separate concern implemented in internal/statestore, not
// here: this package owns the one supervisor process's own startup
// configuration (the CLI surface plus its YAML equivalent), statestore
// owns the small persisted facts that survive module restarts.
package config
