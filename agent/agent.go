// Package agent runs one pipeline stage as a consumer-group member. An agent
// owns no state of its own: everything it knows about a task arrives in the
// consumed envelope, and everything it decides leaves as a published one.
//
// The commit discipline is the core of at-least-once processing: an input
// offset is committed only after the attempt's result (successor, retry, or
// dead-letter envelope) has been published. A crash between consume and
// produce redelivers the input; handlers are therefore required to tolerate
// redelivery.
package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/coursepipe/coursepipe/broker"
	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/logging"
	"github.com/coursepipe/coursepipe/pipeline"
	"github.com/coursepipe/coursepipe/retry"
	"github.com/coursepipe/coursepipe/trace"
)

// Config holds agent construction parameters.
type Config struct {
	// Broker connects the agent to the pipeline's topics. Required.
	Broker broker.Broker

	// Graph is the validated stage graph. Required.
	Graph *pipeline.Graph

	// Stage names the stage this agent runs. Required.
	Stage string

	// Group is the consumer group. Default: "coursepipe-" + stage name, so
	// every replica of a stage shares one group and splits partitions.
	Group string

	// Logger for pipeline events. Default: a fresh logger.
	Logger *logging.Logger

	// Recorder receives trace transitions when set.
	Recorder *trace.Recorder
}

// Agent consumes one stage's input topic and drives envelopes through the
// handler, the retry policy, and back out to the broker.
type Agent struct {
	broker     broker.Broker
	graph      *pipeline.Graph
	stage      pipeline.Stage
	ordinal    int
	route      pipeline.Route
	completion string
	group      string
	logger     *logging.Logger
	recorder   *trace.Recorder

	// sleep is replaceable in tests so backoff delays don't slow the suite.
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

// New builds an agent for one stage of the graph.
func New(cfg Config) (*Agent, error) {
	if cfg.Broker == nil {
		return nil, errors.Configuration("agent requires a broker")
	}
	if cfg.Graph == nil {
		return nil, errors.Configuration("agent requires a stage graph")
	}

	stage, err := cfg.Graph.StageByName(cfg.Stage)
	if err != nil {
		return nil, err
	}
	ordinal, err := cfg.Graph.Ordinal(cfg.Stage)
	if err != nil {
		return nil, err
	}
	router := pipeline.NewRouter(cfg.Graph)
	route, err := router.RouteFor(cfg.Stage)
	if err != nil {
		return nil, err
	}

	group := cfg.Group
	if group == "" {
		group = "coursepipe-" + stage.Name
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	return &Agent{
		broker:     cfg.Broker,
		graph:      cfg.Graph,
		stage:      stage,
		ordinal:    ordinal,
		route:      route,
		completion: cfg.Graph.CompletionTopic(),
		group:      group,
		logger:     logger.WithComponent("agent." + stage.Name),
		recorder:   cfg.Recorder,
		sleep:      sleepFor,
	}, nil
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stage returns the stage name this agent runs.
func (a *Agent) Stage() string {
	return a.stage.Name
}

// Group returns the consumer group this agent joins.
func (a *Agent) Group() string {
	return a.group
}

// Run joins the consumer group and processes partition assignments until the
// context ends. Per-envelope failures never return an error; only failure to
// join the group does.
func (a *Agent) Run(ctx context.Context) error {
	consumer, err := a.broker.Subscribe(ctx, a.group, a.stage.InputTopic)
	if err != nil {
		return errors.Wrap(err, "subscribe "+a.stage.InputTopic,
			errors.WithStage(a.stage.Name))
	}
	defer a.wg.Wait()
	defer consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case assignment, ok := <-consumer.Assignments():
			if !ok {
				return nil
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.consume(ctx, assignment)
			}()
		}
	}
}

// consume processes one owned partition in offset order.
func (a *Agent) consume(ctx context.Context, asg *broker.Assignment) {
	a.logger.PartitionAssigned(a.stage.Name, asg.Topic, asg.Partition)
	for {
		select {
		case <-ctx.Done():
			return
		case <-asg.Revoked():
			a.logger.PartitionRevoked(a.stage.Name, asg.Topic, asg.Partition)
			return
		case rec, ok := <-asg.Records():
			if !ok {
				return
			}
			a.process(ctx, asg, rec)
		}
	}
}

// process drives one record through decode, handler, and the retry decision.
func (a *Agent) process(ctx context.Context, asg *broker.Assignment, rec *broker.Record) {
	env, err := envelope.Decode(rec.Value)
	if err != nil {
		// Undecodable bytes carry no correlation id, so the quarantine
		// envelope mints one. No retry: the bytes will never parse.
		a.quarantine(ctx, asg, rec, err)
		return
	}

	log := a.logger.WithTraceID(env.CorrelationID)
	log.Consume(a.stage.Name, rec.Topic, rec.Partition, rec.Offset, env.AttemptCount)
	a.record(trace.FromEnvelope(trace.EventConsumed, rec.Topic, env, time.Now().UTC()))

	start := time.Now()
	payload, herr := a.invoke(ctx, env)

	switch a.stage.Retry.Classify(herr, env.AttemptCount) {
	case retry.Success:
		if a.publishNext(ctx, log, env, payload) {
			log.StageComplete(a.stage.Name, time.Since(start))
			a.commit(ctx, log, asg, rec)
		}

	case retry.RetryableFailure:
		backoff := a.stage.Retry.Backoff(env.AttemptCount)
		log.Retry(a.stage.Name, env.AttemptCount+1, a.stage.Retry.MaxAttempts, backoff, herr)
		if a.sleep(ctx, backoff) != nil {
			return // shutdown; uncommitted record redelivers
		}
		if a.publishRetry(ctx, log, env) {
			a.commit(ctx, log, asg, rec)
		}

	case retry.PermanentFailure:
		if a.deadLetter(ctx, log, env, herr) {
			a.commit(ctx, log, asg, rec)
		}
	}
}

// invoke runs the handler under its timeout with panic containment.
func (a *Agent) invoke(ctx context.Context, env *envelope.Envelope) (payload envelope.Payload, err error) {
	hctx, cancel := context.WithTimeout(ctx, a.stage.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()

	payload, err = a.stage.Handler.Handle(hctx, env)
	if err != nil {
		opts := []errors.Option{
			errors.WithStage(a.stage.Name),
			errors.WithCorrelationID(env.CorrelationID),
		}
		msg := "stage " + a.stage.Name + " handler"
		if errors.AsPipelineError(err) == nil &&
			!stderrors.Is(err, context.DeadlineExceeded) &&
			!stderrors.Is(err, context.Canceled) {
			// No explicit classification. Retry capped by the attempt
			// count instead of dead-lettering on first sight.
			err = errors.WrapWithCode(err, errors.ErrCodeHandler, msg, opts...)
		} else {
			err = errors.Wrap(err, msg, opts...)
		}
	}
	return payload, err
}

// publishNext publishes the successor envelope to every output topic.
// Returns false (and skips the commit) if any publish fails, so the whole
// attempt is redelivered rather than half-applied.
func (a *Agent) publishNext(ctx context.Context, log *logging.Logger, env *envelope.Envelope, payload envelope.Payload) bool {
	for _, topic := range a.route.Outputs {
		next := env.Next(a.destinationName(topic), payload)
		if !a.publish(ctx, log, topic, next) {
			return false
		}
		log.Produce(a.stage.Name, topic)
		event := trace.EventProduced
		if topic == a.completion {
			event = trace.EventCompleted
		}
		a.record(trace.FromEnvelope(event, topic, next, time.Now().UTC()))
	}
	return true
}

// destinationName resolves the stage name an output topic feeds. The
// completion topic has no consuming stage; the producing stage signs it.
func (a *Agent) destinationName(topic string) string {
	if topic == a.completion {
		return a.stage.Name
	}
	if s, err := a.graph.StageByInputTopic(topic); err == nil {
		return s.Name
	}
	return a.stage.Name
}

// publishRetry republishes the envelope to the stage's own input topic with
// the attempt count incremented.
func (a *Agent) publishRetry(ctx context.Context, log *logging.Logger, env *envelope.Envelope) bool {
	again := env.Retry()
	if !a.publish(ctx, log, a.route.Input, again) {
		return false
	}
	a.record(trace.FromEnvelope(trace.EventRetried, a.route.Input, again, time.Now().UTC()))
	return true
}

// deadLetter publishes the envelope to the stage's dead-letter topic with
// error context attached.
func (a *Agent) deadLetter(ctx context.Context, log *logging.Logger, env *envelope.Envelope, cause error) bool {
	ec := envelope.ErrorContextFor(cause, a.stage.Name)
	dead := env.DeadLetter(ec)
	if !a.publish(ctx, log, a.route.DeadLetter, dead) {
		return false
	}
	log.DeadLetter(a.stage.Name, a.route.DeadLetter, ec.Kind, dead.AttemptCount, cause)
	a.record(trace.FromEnvelope(trace.EventDeadLettered, a.route.DeadLetter, dead, time.Now().UTC()))
	return true
}

// quarantine dead-letters a record whose bytes never decoded into an
// envelope. The raw bytes ride along in the payload for manual inspection.
func (a *Agent) quarantine(ctx context.Context, asg *broker.Assignment, rec *broker.Record, cause error) {
	raw, _ := json.Marshal(string(rec.Value))
	env := envelope.New(trace.NewCorrelationID(), envelope.NewPayload("quarantined record", raw))
	env.Stage = a.ordinal
	env.StageName = a.stage.Name

	log := a.logger.WithTraceID(env.CorrelationID)
	if a.deadLetter(ctx, log, env, cause) {
		a.commit(ctx, log, asg, rec)
	}
}

// publish encodes and publishes one envelope, keyed by correlation id.
func (a *Agent) publish(ctx context.Context, log *logging.Logger, topic string, env *envelope.Envelope) bool {
	data, err := envelope.Encode(env)
	if err != nil {
		log.Error("encode failed", map[string]interface{}{
			"stage": a.stage.Name,
			"topic": topic,
			"error": err.Error(),
		})
		return false
	}
	if err := a.broker.Publish(ctx, topic, pipeline.PartitionKey(env), data); err != nil {
		log.Error("publish failed", map[string]interface{}{
			"stage": a.stage.Name,
			"topic": topic,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// commit marks the input record settled. A revoked partition is not an
// error: the new owner redelivers and the idempotent handler re-runs.
func (a *Agent) commit(ctx context.Context, log *logging.Logger, asg *broker.Assignment, rec *broker.Record) {
	if err := asg.Commit(ctx, rec); err != nil {
		if err == broker.ErrRevoked {
			log.PartitionRevoked(a.stage.Name, asg.Topic, asg.Partition)
			return
		}
		log.Error("commit failed", map[string]interface{}{
			"stage":  a.stage.Name,
			"topic":  asg.Topic,
			"offset": rec.Offset,
			"error":  err.Error(),
		})
	}
}

func (a *Agent) record(t trace.Transition) {
	if a.recorder != nil {
		a.recorder.Record(t)
	}
}
