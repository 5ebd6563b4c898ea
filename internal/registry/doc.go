// Package registry owns the local record of what the operator believes exists remotely.
//
// Ownership boundary:
// - RunRecord shape and state enum
// - invariant checks (immutable job id, monotonic fetched flag)
// - durable whole-collection persistence (JSON file with atomic replace, or sqlite)
// - Workspace layout keyed by (user, host, remote base dir)
//
// Mutations are serialized within a process. Concurrent processes writing the same
// workspace may overwrite each other's last update.
package registry
