// Command coursepipe runs the course-creation pipeline.
//
// Subcommands:
//
//	work    run a worker: one agent per pipeline stage
//	submit  publish course requests from a JSON file
//	trace   reconstruct task histories from a transition log
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coursepipe/coursepipe/broker"
	"github.com/coursepipe/coursepipe/config"
	"github.com/coursepipe/coursepipe/course"
	"github.com/coursepipe/coursepipe/logging"
	"github.com/coursepipe/coursepipe/orchestrator"
	"github.com/coursepipe/coursepipe/ratelimit"
	"github.com/coursepipe/coursepipe/reasoning"
	"github.com/coursepipe/coursepipe/shutdown"
	"github.com/coursepipe/coursepipe/trace"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "work":
		err = runWork(os.Args[2:])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "trace":
		err = runTrace(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: coursepipe <command> [flags]

commands:
  work    run a worker process
  submit  publish course requests from a JSON file
  trace   reconstruct task histories from a transition log

run "coursepipe <command> -h" for command flags`)
}

func runWork(args []string) error {
	fs := flag.NewFlagSet("work", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.toml", "configuration file")
	logLevel := fs.String("log-level", "", "override the configured log level")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := cfg.Worker.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(level))

	b, cleanup, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}

	provider, err := reasoning.NewProvider(cfg.Provider.Reasoning())
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	if cfg.Provider.RateLimit > 0 {
		ml := ratelimit.NewMemoryLimiter()
		ml.SetCapacity(provider.Name(), cfg.Provider.RateLimit, cfg.Provider.RateWindow.Std())
		limiter = ml
	}

	sink, err := course.NewDirSink(cfg.Completion.Dir)
	if err != nil {
		return err
	}

	graph, err := course.NewGraph(course.GraphConfig{
		Provider:       provider,
		Sink:           sink,
		Limiter:        limiter,
		Logger:         logger,
		Templates:      cfg.Pipeline.Templates,
		Retry:          cfg.Pipeline.Retry(),
		HandlerTimeout: cfg.Pipeline.HandlerTimeout.Std(),
	})
	if err != nil {
		return err
	}

	var recorder *trace.Recorder
	if cfg.Worker.TraceLog != "" {
		recorder = trace.NewRecorder()
	}

	worker, err := orchestrator.New(orchestrator.Config{
		Broker:      b,
		Graph:       graph,
		GroupPrefix: cfg.Worker.GroupPrefix,
		Stages:      cfg.Worker.Stages,
		Logger:      logger,
		Recorder:    recorder,
	})
	if err != nil {
		return err
	}

	coordinator := shutdown.NewCoordinator(shutdown.Config{
		DefaultTimeout:  cfg.Worker.ShutdownTimeout.Std(),
		ContinueOnError: true,
		OnProgress: func(r shutdown.HandlerResult) {
			fields := map[string]interface{}{
				"handler":  r.Name,
				"duration": r.Duration.String(),
			}
			if r.Err != nil {
				fields["error"] = r.Err.Error()
			}
			logger.Debug("shutdown_handler", fields)
		},
	})
	worker.RegisterShutdown(coordinator)
	coordinator.RegisterFuncWithPhase("broker", func(ctx context.Context) error {
		cleanup()
		return nil
	}, shutdown.PhaseConnections)
	if recorder != nil {
		path := cfg.Worker.TraceLog
		coordinator.RegisterFuncWithPhase("trace-log", func(ctx context.Context) error {
			return writeTraceLog(path, recorder)
		}, shutdown.PhaseConnections)
	}
	coordinator.HandleSignals()

	err = worker.Run(context.Background())

	// A signal-triggered shutdown is already running; a worker failure
	// starts one. Either way, wait for the phases to finish.
	serr := coordinator.ShutdownWithTimeout(cfg.Worker.ShutdownTimeout.Std())
	if serr == shutdown.ErrAlreadyShutdown {
		<-coordinator.Done()
		serr = coordinator.Err()
	}
	if err != nil {
		return err
	}
	return serr
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.toml", "configuration file")
	file := fs.String("file", "courses.json", "JSON file of course requests")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(cfg.Worker.LogLevel))

	reqs, err := course.ReadRequests(*file)
	if err != nil {
		return err
	}

	b, cleanup, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := course.Submit(ctx, b, course.StageOrder[0], reqs, logger)
	for i, id := range ids {
		fmt.Printf("%s\t%s\n", id, reqs[i].Title)
	}
	return err
}

func runTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	logPath := fs.String("log", "", "transition log file (JSONL)")
	id := fs.String("id", "", "correlation id; empty lists all tasks")
	fs.Parse(args)

	if *logPath == "" {
		return fmt.Errorf("trace requires -log")
	}
	f, err := os.Open(*logPath)
	if err != nil {
		return err
	}
	defer f.Close()

	transitions, err := trace.ReadLog(f)
	if err != nil {
		return err
	}

	if *id == "" {
		for _, cid := range trace.Correlations(transitions) {
			h := trace.Reconstruct(cid, transitions)
			fmt.Printf("%s\t%s\n", cid, historyStatus(h))
		}
		return nil
	}

	h := trace.Reconstruct(*id, transitions)
	if len(h.Transitions) == 0 {
		return fmt.Errorf("no transitions for %s", *id)
	}
	for _, t := range h.Transitions {
		line := fmt.Sprintf("%s\t%-13s\tstage=%d/%s\ttopic=%s\tattempt=%d",
			t.At.Format(time.RFC3339), t.Event, t.Stage, t.StageName, t.Topic, t.Attempt)
		if t.Error != nil {
			line += "\terror=" + t.Error.Kind
		}
		fmt.Println(line)
	}
	fmt.Println("status:", historyStatus(h))
	return nil
}

func historyStatus(h trace.History) string {
	switch {
	case h.Completed():
		return "completed"
	case h.DeadLettered():
		return "dead-lettered"
	default:
		return fmt.Sprintf("in-flight at stage %d", h.LastStage())
	}
}

// openBroker connects per the configured type. The returned cleanup closes
// the connection; it is safe to call once.
func openBroker(cfg *config.Config, logger *logging.Logger) (broker.Broker, func(), error) {
	switch cfg.Broker.Type {
	case "memory":
		b := broker.NewMemoryBroker(cfg.Broker.Memory())
		return b, func() { b.Close() }, nil
	default:
		b, err := broker.NewKafkaBroker(cfg.Broker.Kafka())
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.Ping(ctx); err != nil {
			b.Close()
			return nil, nil, err
		}
		logger.Info("broker_connected", map[string]interface{}{
			"seeds": fmt.Sprintf("%v", cfg.Broker.Seeds),
		})
		return b, func() { b.Close() }, nil
	}
}

// writeTraceLog flushes recorded transitions to the configured JSONL file.
func writeTraceLog(path string, recorder *trace.Recorder) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = recorder.WriteTo(f)
	return err
}
