// Package jobworker implements the queue worker plugin. It reads the
// "jobworker" configuration section, builds a pool of named workers on top
// of a queue driver, a handler registry and a failed job store, and exposes
// control operations over RPC.
//
// Key components:
//   - Plugin: the main entry point, implementing the endure lifecycle
//   - pool.Pool: named workers, started and stopped individually or together
//   - worker.Worker: polling loops with retries, backoff and failed job records
//   - RPC methods: Push, Pause, Resume, List, Stat, Declare, Destroy, ListFailed, RetryFailed
package jobworker
