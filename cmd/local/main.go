package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nemanja-m/gobatch/examples/grep"
	"github.com/nemanja-m/gobatch/examples/wordcount"
	"github.com/nemanja-m/gobatch/internal/coordinator/storage"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/local"
	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/stream"
	"github.com/nemanja-m/gobatch/pkg/task"
	"github.com/nemanja-m/gobatch/pkg/tasks"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		input      = flag.String("input", "", "comma separated input glob patterns")
		output     = flag.String("output", "", "output TSV file, - for stdout")
		partitions = flag.Int("partitions", 4, "number of output partitions")
		jobName    = flag.String("job", "wordcount", "job to run (wordcount, grep)")
		pattern    = flag.String("pattern", "", "regular expression for the grep job")
		user       = flag.String("user", "local", "user owning the submitted jobs")
		resume     = flag.String("resume", "", "resurrect a cancelled job of a persistent ledger and export its output")
	)
	flag.Parse()

	cfg, err := config.LoadLocal(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	if *resume == "" && *input == "" {
		logger.Fatal("Input pattern must be specified using the -input flag")
	}
	if *output == "" {
		logger.Fatal("Output file must be specified using the -output flag")
	}
	if *partitions <= 0 {
		logger.Fatal("Number of partitions must be positive", "partitions", *partitions)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := storage.Open(ctx, cfg.Ledger)
	if err != nil {
		logger.Fatal("Failed to open ledger", "backend", cfg.Ledger.Backend, "error", err)
	}
	defer closeStore()

	taskRegistry, pluginRegistry, err := registries()
	if err != nil {
		logger.Fatal("Failed to register tasks", "error", err)
	}

	engine := local.NewEngine(store, taskRegistry, pluginRegistry, local.Config{
		RootPath:      cfg.Ledger.RootPath,
		Workers:       cfg.Workers,
		LeaseDuration: cfg.Ledger.LeaseDuration,
		Retry:         cfg.Ledger.Retry,
	}, logger)

	var result []byte
	if *resume != "" {
		logger.Info("Resuming job", "job_id", *resume)
		result, err = engine.Resume(ctx, *resume)
	} else {
		result, err = run(ctx, engine, *user, *jobName, *input, *pattern, *partitions)
	}
	if err != nil {
		logger.Fatal("Job failed", "error", err)
	}

	m, err := manifest.Decode(result)
	if err != nil {
		logger.Fatal("Job output is not a dataset", "error", err)
	}
	if err := export(m, *output); err != nil {
		logger.Fatal("Failed to export output", "output", *output, "error", err)
	}
	logger.Info("Job completed successfully", "records", m.Records(), "chunks", len(m.Chunks))
}

func registries() (*task.Registry, *plugin.Registry, error) {
	taskRegistry := task.NewRegistry()
	if err := tasks.Register(taskRegistry); err != nil {
		return nil, nil, err
	}
	pluginRegistry := plugin.NewRegistry()
	for _, register := range []func(*plugin.Registry) error{
		plugin.RegisterBuiltins,
		wordcount.Register,
		grep.Register,
	} {
		if err := register(pluginRegistry); err != nil {
			return nil, nil, err
		}
	}
	return taskRegistry, pluginRegistry, nil
}

// run imports the input files and runs the named job over them.
func run(ctx context.Context, engine *local.Engine, user, jobName, input, pattern string, partitions int) ([]byte, error) {
	var job func(manifest.Manifest) (task.Task, error)
	switch jobName {
	case "wordcount":
		job = func(m manifest.Manifest) (task.Task, error) {
			return wordcount.Job(m, partitions, tasks.Params{}), nil
		}
	case "grep":
		job = func(m manifest.Manifest) (task.Task, error) {
			return grep.Job(m, pattern, partitions, tasks.Params{})
		}
	default:
		return nil, fmt.Errorf("unknown job %q, available jobs: wordcount, grep", jobName)
	}

	imported, err := engine.Run(ctx, user, &tasks.Import{Patterns: strings.Split(input, ",")})
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	m, err := manifest.Decode(imported)
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		return nil, fmt.Errorf("no files matched the input pattern: %s", input)
	}

	t, err := job(m)
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx, user, t)
}

func export(m manifest.Manifest, output string) error {
	var w io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return stream.ExportTSV(m, w)
}
