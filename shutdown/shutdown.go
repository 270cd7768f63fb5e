package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/agentrelay/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Relay teardown phases. Intake closes first so nothing new enters
// the relay while later phases drain it; sweeps stop next so queued
// work settles; transports close last so in-flight deliveries can
// finish. Unphased handlers run after everything else.
const (
	PhaseIntake     = 10
	PhaseSweeps     = 20
	PhaseTransports = 30
	PhaseDefault    = 100
)

// Handler is implemented by components that shut down gracefully.
type Handler interface {
	// OnShutdown stops the component: refuse new work, settle what is
	// in flight if time permits, release resources. The context is
	// cancelled when the shutdown timeout lapses.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a full shutdown pass.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed reports whether any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of the handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config controls coordinator behavior.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout(0) and signal-driven
	// shutdowns. Default: 30s.
	DefaultTimeout time.Duration

	// DefaultPhase is assigned by Register. Default: PhaseDefault.
	DefaultPhase int

	// StopOnError aborts the remaining phases at the first failing
	// handler. The default keeps going so every component gets its
	// chance to release resources.
	StopOnError bool

	// OnProgress, when set, observes each handler as it completes.
	OnProgress func(result HandlerResult)

	// Logger receives shutdown diagnostics. Defaults to a fresh logger.
	Logger *logging.Logger
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		DefaultPhase:   PhaseDefault,
	}
}

// entry is one registered handler.
type entry struct {
	name    string
	handler Handler
	phase   int
}
