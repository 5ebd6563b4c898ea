// Package remote owns the transport to the cluster login host.
//
// Ownership boundary:
// - one authenticated SSH connection per invocation (Session)
// - command execution, SFTP upload/download, tail streams
// - bounded reconnect on broken connections
// - a Local transport with the same surface for login-node use and tests
//
// Request/response exchanges on a Session are serialized. Tail streams are
// long-lived passive reads on their own SSH channels of the same connection.
package remote
