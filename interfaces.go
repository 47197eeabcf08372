package jobworker

import (
	"github.com/roadrunner-server/jobworker/job"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

type Logger interface {
	NamedLogger(name string) *zap.Logger
}

type Tracer interface {
	Tracer() *sdktrace.TracerProvider
}

type Configurer interface {
	// UnmarshalKey takes a single key and unmarshal it into a Struct.
	UnmarshalKey(name string, out any) error
	// Has checks if config section exists.
	Has(name string) bool
}

// DriverProvider replaces the configured queue driver.
type DriverProvider interface {
	QueueDriver() job.Driver
}

// RegistryProvider replaces the built-in handler registry.
type RegistryProvider interface {
	JobRegistry() job.Registry
}

// FailedProvider replaces the configured failed job store.
type FailedProvider interface {
	FailedJobRepository() job.FailedJobRepository
}
