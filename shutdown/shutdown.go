// Package shutdown coordinates graceful worker teardown. Stage agents stop
// consuming first, in-flight envelopes finish or are released for
// redelivery, then broker connections close. Phases run in order; handlers
// within a phase run concurrently.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Common errors.
var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed   = errors.New("one or more handlers failed")
)

// Canonical phases for a pipeline worker. Agents drain before connections
// drop, so no commit is attempted against a closed broker.
const (
	PhaseAgents      = 10 // stop consuming, finish in-flight envelopes
	PhaseConnections = 20 // close broker clients and providers
	PhaseDefault     = 100
)

// Handler is implemented by components that need graceful shutdown. The
// context is cancelled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult records one handler's shutdown outcome.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Config configures the coordinator.
type Config struct {
	// DefaultTimeout bounds a signal-triggered shutdown.
	// Default: 30 seconds.
	DefaultTimeout time.Duration

	// ContinueOnError keeps later phases running after a handler fails.
	// Default: true.
	ContinueOnError bool

	// OnProgress is called as each handler completes, for logging.
	OnProgress func(result HandlerResult)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}

// Coordinator runs registered handlers phase by phase on shutdown.
type Coordinator struct {
	config Config

	mu           sync.Mutex
	handlers     []registration
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	signalChan   chan os.Signal
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Coordinator{
		config:     config,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, PhaseDefault)
}

// RegisterWithPhase adds a handler to a phase. Lower phases shut down first;
// handlers within a phase shut down concurrently.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers a function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, Func(fn))
}

// RegisterFuncWithPhase registers a function in a phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs the handlers. A second call returns the first call's error,
// or ErrAlreadyShutdown while the first is still in progress.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.run(ctx)
		close(c.done)
	})

	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs Shutdown bounded by the timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.signalChan
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Trigger injects a shutdown signal, for tests.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			return ErrTimeout
		default:
		}

		for _, hr := range c.runPhase(ctx, group) {
			if hr.Err != nil {
				if overallErr == nil {
					overallErr = ErrHandlerFailed
				}
				if !c.config.ContinueOnError {
					return overallErr
				}
			}
		}
	}
	return overallErr
}

// runPhase runs one phase's handlers concurrently.
func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)

			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits the phase-sorted handler list into per-phase groups.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}
	var groups [][]registration
	var current []registration
	phase := handlers[0].phase
	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}
	return append(groups, current)
}
