package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/tailored-agentic-units/taskrunner/observability"
	"github.com/tailored-agentic-units/taskrunner/pipeline"
	"github.com/tailored-agentic-units/taskrunner/task"
	"github.com/tailored-agentic-units/taskrunner/worker"
)

func main() {
	var (
		items   = flag.Int("items", 10, "Number of demo items to run through the pipeline")
		workers = flag.Int("workers", 4, "Parallel task pool size")
		verbose = flag.Bool("verbose", false, "Enable debug logging to stderr")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	const observerName = "taskrunner-cmd"
	observability.RegisterObserver(observerName, observability.NewSlogObserver(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	registry := task.NewRegistry()

	squareTask, err := registry.DefineTask(task.Definition{
		Config: task.Config{
			ID:       "square",
			Type:     task.TypeParallel,
			PoolSize: *workers,
			Observer: observerName,
		},
		WorkerFactory: func() worker.Worker {
			return worker.NewFuncWorker(map[string]worker.Handler{
				"square": func(ctx context.Context, args any) (any, error) {
					n := args.(int)
					return n * n, nil
				},
			})
		},
	})
	if err != nil {
		log.Fatalf("failed to define task: %v", err)
	}

	logger.Info("task registered", slog.String("task_id", squareTask.ID()))

	demoItems := func(yield func(int) bool) {
		for i := 1; i <= *items; i++ {
			if !yield(i) {
				return
			}
		}
	}

	fn := func(ctx context.Context, n int) (int, error) {
		result, err := squareTask.Call(ctx, "square", n, task.CallOptions{})
		if err != nil {
			return 0, err
		}
		return result.(int), nil
	}

	start := time.Now()
	results := pipeline.Map[int, int](ctx, demoItems, *workers, fn, pipeline.Options[int]{
		ErrorPolicy: pipeline.Continue,
		OnError: func(item int, err error) {
			logger.Warn("item failed", slog.Int("item", item), slog.String("error", err.Error()))
		},
	})

	count := 0
	for v, err := range results {
		if err != nil {
			continue
		}
		fmt.Printf("result: %d\n", v)
		count++
	}

	logger.Info("pipeline complete",
		slog.Int("completed", count),
		slog.Duration("elapsed", time.Since(start)),
	)

	squareTask.Dispose(ctx)
}
