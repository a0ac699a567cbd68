// Package guard provides process-lifecycle primitives for long-running
// services: a marker-file based advisory lock with retry and staleness
// takeover, a pidfile bound to the owning process, a daemonizer that
// detaches the process from its controlling terminal, and a service
// guard composing the three so that a caller gets a single call which
// either establishes "we are the sole, running instance" or fails with
// a typed reason.
//
// Mutual exclusion is strictly inter-process. None of the types in this
// package are safe for concurrent use from multiple goroutines against
// the same path without external synchronization.
package guard
