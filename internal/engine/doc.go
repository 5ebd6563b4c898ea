// Package engine implements the run lifecycle on top of one remote session and one workspace registry.
//
// Ownership boundary:
// - placeholder templates and job script rendering
// - one-time remote environment setup
// - submission, status reconciliation, log monitoring, fetch and cancel
//
// The engine never holds a session of its own; the caller owns the Remote and closes it.
package engine
