package statemachine

import (
	"sync"

	"github.com/amp-labs/sigma/config"
	"github.com/amp-labs/sigma/task"
)

const defaultTracerName = "statemachine"

// Shared by every machine that does not bring its own scheduler.
//
//nolint:gochecknoglobals
var defaultScheduler = sync.OnceValue(task.Default)

type options struct {
	logger       Logger
	scheduler    task.Scheduler
	strictGuards bool
	debug        bool
	tracerName   string
}

// Option configures a Machine.
type Option func(*options)

// WithLogger sets the logging hooks.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithScheduler sets the scheduler running activities and reactions.
func WithScheduler(s task.Scheduler) Option {
	return func(o *options) {
		o.scheduler = s
	}
}

// WithStrictGuards evaluates every guard of a guarded list and fails the
// residency with ErrAmbiguousGuards when more than one matches.
func WithStrictGuards() Option {
	return func(o *options) {
		o.strictGuards = true
	}
}

// WithRuntimeConfig applies environment settings. A positive pool size gives
// the machine a dedicated pool.
func WithRuntimeConfig(rt config.Runtime) Option {
	return func(o *options) {
		o.strictGuards = o.strictGuards || rt.StrictGuards
		o.debug = rt.DebugEnabled()

		if rt.TaskPoolSize > 0 {
			o.scheduler = rt.Scheduler()
		}
	}
}

// WithTracerName sets the OpenTelemetry tracer name.
func WithTracerName(name string) Option {
	return func(o *options) {
		o.tracerName = name
	}
}

func buildOptions(opts []Option) options {
	o := options{tracerName: defaultTracerName}

	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = NewDefaultLogger()
	}

	if o.scheduler == nil {
		o.scheduler = defaultScheduler()
	}

	return o
}
