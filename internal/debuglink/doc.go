// Package debuglink routes DebugLink requests to their handlers.
//
// Ownership boundary:
// - type registry built once at boot and sealed
// - per-session sequential dispatch with cancellation on teardown
// - handler contracts over storage, memory, flash and confirmation collaborators
package debuglink
