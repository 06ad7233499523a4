// Package module implements child-process module management: the
// process wrapper with its newline-delimited JSON stdio protocol and
// lifecycle state machine, the top-level supervisor that discovers
// modules, tracks their state and issues session/trial commands across
// all of them, and the USB device monitor that auto-wires hotplugged
// devices to their owning modules.
package module
