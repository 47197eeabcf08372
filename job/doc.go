// Package job contains the domain model shared by the worker, the pool and
// the queue drivers: the Job itself, the permanently failed job record and the
// narrow collaborator contracts (Driver, Registry, FailedJobRepository) the
// worker is implemented against.
package job
