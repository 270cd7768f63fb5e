package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/agentrelay/logging"
)

// Coordinator tears the relay down in phase order. Handlers in the
// same phase run concurrently; phases run lowest first. Shutdown runs
// once; later calls report the stored outcome.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	entries []entry

	once    sync.Once
	started time.Time
	err     error
	result  *Result
	done    chan struct{}
	signals chan os.Signal
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DefaultPhase == 0 {
		cfg.DefaultPhase = def.DefaultPhase
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	return &Coordinator{
		config:  cfg,
		logger:  cfg.Logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in an explicit phase. Lower phases
// shut down first.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	c.entries = append(c.entries, entry{name: name, handler: handler, phase: phase})
	c.mu.Unlock()
}

// RegisterFunc adds a plain function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase adds a plain function in an explicit phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs the teardown. A call during an active shutdown
// returns ErrAlreadyShutdown; a call after completion returns the
// stored outcome.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.started = time.Now()
		c.err = c.run(ctx)
		close(c.done)
	})
	if ran {
		return c.err
	}

	select {
	case <-c.done:
		return c.err
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs the teardown under a deadline. A zero
// timeout uses the configured default.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts the relay down on SIGTERM or SIGINT using the
// default timeout.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-c.signals
		c.logger.Info("signal received, shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Trigger feeds the signal path without an OS signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done returns a channel closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error. Nil until Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed outcome. Nil until Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	entries := make([]entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].phase < entries[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(entries))}
	var overall error

	for start := 0; start < len(entries); {
		end := start
		for end < len(entries) && entries[end].phase == entries[start].phase {
			end++
		}

		select {
		case <-ctx.Done():
			result.Err = ErrTimeout
			c.finish(result)
			return ErrTimeout
		default:
		}

		c.logger.Debug("shutdown phase", map[string]interface{}{
			"phase":    entries[start].phase,
			"handlers": end - start,
		})
		phaseResults := c.runPhase(ctx, entries[start:end])
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			if overall == nil {
				overall = ErrHandlerFailed
			}
			if c.config.StopOnError {
				result.Err = overall
				c.finish(result)
				return overall
			}
		}
		start = end
	}

	result.Err = overall
	c.finish(result)
	return overall
}

// runPhase runs one phase's handlers concurrently and waits for all
// of them.
func (c *Coordinator) runPhase(ctx context.Context, entries []entry) []HandlerResult {
	results := make([]HandlerResult, len(entries))
	var wg sync.WaitGroup

	for i, e := range entries {
		wg.Add(1)
		go func(idx int, e entry) {
			defer wg.Done()

			started := time.Now()
			err := e.handler.OnShutdown(ctx)
			hr := HandlerResult{
				Name:     e.name,
				Phase:    e.phase,
				Duration: time.Since(started),
				Err:      err,
			}
			results[idx] = hr

			if err != nil {
				c.logger.Warn("shutdown handler failed", map[string]interface{}{
					"handler": e.name,
					"phase":   e.phase,
					"error":   err.Error(),
				})
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, e)
	}

	wg.Wait()
	return results
}

func (c *Coordinator) finish(result *Result) {
	result.TotalDuration = time.Since(c.started)
	c.result = result

	fields := map[string]interface{}{
		"duration": result.TotalDuration.String(),
		"handlers": len(result.Results),
	}
	if result.Err != nil {
		fields["failed"] = result.FailedHandlers()
		c.logger.Warn("shutdown complete with failures", fields)
		return
	}
	c.logger.Info("shutdown complete", fields)
}

// Reset clears handlers and arms the coordinator for another pass.
// Not safe during an active shutdown.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = nil
	c.once = sync.Once{}
	c.err = nil
	c.result = nil
	c.done = make(chan struct{})
}
