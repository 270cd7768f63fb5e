// Package sweep runs recurring maintenance jobs on a shared scheduler.
//
// The router registers its retry scan and expiry scan here, the
// heartbeat monitor its silence check. Jobs are wrapped so a panic is
// recovered and logged, and a tick is skipped while the previous run
// of the same job is still going.
package sweep

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vinayprograms/agentrelay/logging"
)

// Common errors.
var (
	ErrClosed    = errors.New("sweeper closed")
	ErrDuplicate = errors.New("duplicate job name")
	ErrNotFound  = errors.New("job not found")
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config configures the sweeper.
type Config struct {
	// Location for cron expression evaluation. Default: time.Local.
	Location *time.Location

	// StopTimeout bounds how long Stop waits for running jobs.
	// Default: 5s.
	StopTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Location:    time.Local,
		StopTimeout: 5 * time.Second,
	}
}

// Sweeper schedules recurring maintenance jobs by name.
type Sweeper struct {
	config Config
	cron   *cron.Cron
	logger *logging.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
	closed  bool
}

type entry struct {
	id  cron.EntryID
	job cron.Job
}

// New creates a sweeper. Jobs do not run until Start is called.
func New(logger *logging.Logger, cfg Config) *Sweeper {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	if logger == nil {
		logger = logging.New()
	}

	return &Sweeper{
		config: cfg,
		cron:   cron.New(cron.WithLocation(cfg.Location)),
		logger: logger.WithComponent("sweep"),
		jobs:   make(map[string]*entry),
	}
}

// AddJob schedules fn to run every interval. Sub-second intervals are
// honored; cron.Every would round them up to whole seconds.
func (s *Sweeper) AddJob(name string, interval time.Duration, fn func()) error {
	if name == "" || interval <= 0 || fn == nil {
		return fmt.Errorf("invalid job: name=%q interval=%v", name, interval)
	}
	return s.schedule(name, fixedDelay{interval}, fn)
}

// AddCronJob schedules fn with a 5-field cron expression.
func (s *Sweeper) AddCronJob(name, expr string, fn func()) error {
	if name == "" || fn == nil {
		return fmt.Errorf("invalid job: name=%q", name)
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron expression: %w", err)
	}

	return s.schedule(name, sched, fn)
}

func (s *Sweeper) schedule(name string, sched cron.Schedule, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.jobs[name]; exists {
		return ErrDuplicate
	}

	log := cronLogger{log: s.logger, name: name}
	wrapped := cron.NewChain(
		cron.Recover(log),
		cron.SkipIfStillRunning(log),
	).Then(cron.FuncJob(fn))

	id := s.cron.Schedule(sched, wrapped)
	s.jobs[name] = &entry{id: id, job: wrapped}

	return nil
}

// RemoveJob unschedules a job.
func (s *Sweeper) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	e, exists := s.jobs[name]
	if !exists {
		return ErrNotFound
	}

	s.cron.Remove(e.id)
	delete(s.jobs, name)

	return nil
}

// Trigger runs a job immediately on the calling goroutine. The panic
// and overlap guards still apply.
func (s *Sweeper) Trigger(name string) error {
	s.mu.Lock()
	e, exists := s.jobs[name]
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !exists {
		return ErrNotFound
	}

	e.job.Run()
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Sweeper) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Start begins running scheduled jobs.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish, up to
// StopTimeout.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.config.StopTimeout):
		return fmt.Errorf("jobs still running after %v", s.config.StopTimeout)
	}
}

// fixedDelay fires every interval measured from the previous
// activation, with no wall-clock alignment.
type fixedDelay struct {
	interval time.Duration
}

// Next implements cron.Schedule.
func (f fixedDelay) Next(t time.Time) time.Time {
	return t.Add(f.interval)
}

// cronLogger adapts Logger to the cron.Logger interface.
type cronLogger struct {
	log  *logging.Logger
	name string
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, c.fields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := c.fields(keysAndValues)
	f["error"] = err.Error()
	c.log.Error(msg, f)
}

func (c cronLogger) fields(kv []interface{}) map[string]interface{} {
	f := map[string]interface{}{"sweep": c.name}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		f[key] = kv[i+1]
	}
	return f
}
