// Package orchestrator runs the full set of stage agents as one worker
// process. Each stage gets its own agent and consumer group; the broker's
// group protocol spreads partitions across worker replicas, so scaling out
// is starting more processes with the same configuration.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/coursepipe/coursepipe/agent"
	"github.com/coursepipe/coursepipe/broker"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/logging"
	"github.com/coursepipe/coursepipe/pipeline"
	"github.com/coursepipe/coursepipe/shutdown"
	"github.com/coursepipe/coursepipe/trace"
)

// Config holds orchestrator construction parameters.
type Config struct {
	// Broker connects the worker to the pipeline's topics. Required.
	Broker broker.Broker

	// Graph is the validated stage graph. Required.
	Graph *pipeline.Graph

	// GroupPrefix prefixes each stage's consumer group name.
	// Default: "coursepipe".
	GroupPrefix string

	// Stages restricts the worker to a subset of the graph's stages. Empty
	// runs every stage.
	Stages []string

	// Logger for worker events. Default: a fresh logger.
	Logger *logging.Logger

	// Recorder receives trace transitions from every agent when set.
	Recorder *trace.Recorder
}

// Orchestrator owns one agent per stage and runs them under a shared
// lifecycle.
type Orchestrator struct {
	agents []*agent.Agent
	group  string
	logger *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an agent for each requested stage.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Broker == nil {
		return nil, errors.Configuration("orchestrator requires a broker")
	}
	if cfg.Graph == nil {
		return nil, errors.Configuration("orchestrator requires a stage graph")
	}

	prefix := cfg.GroupPrefix
	if prefix == "" {
		prefix = "coursepipe"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	names := cfg.Stages
	if len(names) == 0 {
		for _, s := range cfg.Graph.Stages() {
			names = append(names, s.Name)
		}
	}

	agents := make([]*agent.Agent, 0, len(names))
	for _, name := range names {
		a, err := agent.New(agent.Config{
			Broker:   cfg.Broker,
			Graph:    cfg.Graph,
			Stage:    name,
			Group:    prefix + "-" + name,
			Logger:   logger,
			Recorder: cfg.Recorder,
		})
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	return &Orchestrator{
		agents: agents,
		group:  prefix,
		logger: logger.WithComponent("orchestrator"),
		done:   make(chan struct{}),
	}, nil
}

// Stages returns the stage names this worker runs, in graph order.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.agents))
	for i, a := range o.agents {
		names[i] = a.Stage()
	}
	return names
}

// Run starts every agent and blocks until the context ends or an agent fails
// to join its group. One agent's startup failure stops the whole worker:
// a pipeline with a missing stage silently strands envelopes.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer cancel()
	defer close(o.done)

	start := time.Now()
	o.logger.WorkerStart(o.group, len(o.agents))

	errs := make(chan error, len(o.agents))
	var wg sync.WaitGroup
	for _, a := range o.agents {
		wg.Add(1)
		go func(a *agent.Agent) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				errs <- err
				cancel()
			}
		}(a)
	}
	wg.Wait()
	close(errs)

	err := <-errs
	reason := "context"
	if err != nil {
		reason = "agent_error"
	}
	o.logger.WorkerStop(reason, time.Since(start))
	return err
}

// Stop cancels the worker and waits for the agents to settle their in-flight
// envelopes, bounded by the context.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterShutdown wires the worker into a shutdown coordinator: agents
// drain in the agent phase, before broker connections close.
func (o *Orchestrator) RegisterShutdown(c *shutdown.Coordinator) {
	c.RegisterFuncWithPhase("agents", o.Stop, shutdown.PhaseAgents)
}
