// Command pick-runner serializes CI jobs on a named lock kept in a shared
// reference store.
//
//	pick-runner run -key deploy-runner -- ./deploy.sh
//	pick-runner status -key deploy-runner
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Borealin/pick-runner-action/v1/adapter"
	"github.com/Borealin/pick-runner-action/v1/config"
	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
	"github.com/Borealin/pick-runner-action/v1/lock"
	"github.com/Borealin/pick-runner-action/v1/logger"
	"github.com/Borealin/pick-runner-action/v1/metrics"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitTimeout  = 75 // EX_TEMPFAIL
	exitCanceled = 130
)

const usage = `usage: pick-runner <command> [flags]

commands:
  run [flags] -- command [args...]   run command while holding the lock
  status [flags]                     show the current holder of the lock
`

// errInvalidConfig marks setup failures caused by flags or settings.
var errInvalidConfig = errors.New("invalid configuration")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	switch args[0] {
	case "run":
		return runCommand(ctx, args[1:], stdout, stderr)
	case "status":
		return statusCommand(ctx, args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	}
	fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
	return exitUsage
}

// commonFlags are shared by every subcommand and override the loaded config.
type commonFlags struct {
	configPath    string
	backend       string
	key           string
	timeout       time.Duration
	retryInterval time.Duration
	logLevel      string
	logFormat     string
	logFile       string
	trace         bool
	metricsFile   string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", os.Getenv("PICK_RUNNER_CONFIG"), "YAML config file")
	fs.StringVar(&f.backend, "backend", "", "reference store: github, redis, sql, nats or memory")
	fs.StringVar(&f.key, "key", "", "lock key")
	fs.DurationVar(&f.timeout, "timeout", 0, "give up acquiring after this long")
	fs.DurationVar(&f.retryInterval, "retry-interval", 0, "wait between attempts while the lock is held")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: console or json")
	fs.StringVar(&f.logFile, "log-file", "", "also write logs to this rotated file")
	fs.BoolVar(&f.trace, "trace", false, "print OpenTelemetry spans to stderr")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")
}

// load reads the config and applies the flags that were set explicitly.
func (f *commonFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "backend":
			cfg.Backend = f.backend
		case "key":
			cfg.Key = f.key
		case "timeout":
			cfg.Timeout = config.Duration(f.timeout)
		case "retry-interval":
			cfg.RetryInterval = config.Duration(f.retryInterval)
		case "log-level":
			cfg.Log.Level = f.logLevel
		case "log-format":
			cfg.Log.Format = f.logFormat
		case "log-file":
			cfg.Log.File = f.logFile
		case "trace":
			cfg.Trace = f.trace
		case "metrics-file":
			cfg.MetricsFile = f.metricsFile
		}
	})
	return cfg, cfg.Validate()
}

// env is what a subcommand needs once the flags are parsed.
type env struct {
	cfg      *config.Config
	log      *zap.Logger
	store    adapter.RefStore
	registry *prometheus.Registry
	closers  []func() error
}

func setup(ctx context.Context, cf *commonFlags, fs *flag.FlagSet, stderr io.Writer) (*env, error) {
	cfg, err := cf.load(fs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	var (
		logOut  = stderr
		logFile io.Closer
	)
	if cfg.Log.File != "" {
		f := logger.FileWriter(cfg.Log.File)
		logOut, logFile = io.MultiWriter(stderr, f), f
	}
	log, _, err := logger.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	e := &env{cfg: cfg, log: log}
	e.closers = append(e.closers, func() error {
		_ = log.Sync()
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	})

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		otel.SetTracerProvider(tp)
		e.closers = append(e.closers, func() error { return tp.Shutdown(ctx) })
	}
	if cfg.MetricsFile != "" {
		e.registry = metrics.NewRegistry()
		metrics.RegisterLockMetrics(e.registry)
		e.closers = append(e.closers, func() error {
			return prometheus.WriteToTextfile(cfg.MetricsFile, e.registry)
		})
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		e.close()
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, closeStore)
	return e, nil
}

// setupExitCode maps a setup error to exitUsage for bad settings and to
// exitFailure for everything else, such as an unreachable store.
func setupExitCode(err error) int {
	if errors.Is(err, errInvalidConfig) {
		return exitUsage
	}
	return exitFailure
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	skipOnTimeout := fs.Bool("skip-on-timeout", false, "exit 0 instead of 75 when the lock is not acquired")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	command := fs.Args()
	if len(command) == 0 {
		fmt.Fprintln(stderr, "run: missing command after flags")
		return exitUsage
	}

	e, err := setup(ctx, &cf, fs, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return setupExitCode(err)
	}
	defer e.close()

	client := lock.NewClient(e.store,
		lock.WithLogger(e.log),
		lock.WithHolder(e.cfg.Workflow, e.cfg.Job),
	)
	ok, err := lock.WithLock(ctx, client, e.cfg.Key,
		time.Duration(e.cfg.Timeout), time.Duration(e.cfg.RetryInterval),
		func(ctx context.Context) error {
			if err := writeOutputs(map[string]string{"acquired": "true", "key": e.cfg.Key}); err != nil {
				e.log.Warn("failed to write step outputs", zap.Error(err))
			}
			cmd := exec.CommandContext(ctx, command[0], command[1:]...)
			cmd.Stdin = os.Stdin
			cmd.Stdout = stdout
			cmd.Stderr = stderr
			return cmd.Run()
		})

	var exitErr *exec.ExitError
	switch {
	case err == nil && !ok:
		if werr := writeOutputs(map[string]string{"acquired": "false", "key": e.cfg.Key}); werr != nil {
			e.log.Warn("failed to write step outputs", zap.Error(werr))
		}
		e.log.Warn("lock not acquired before timeout", zap.String("key", e.cfg.Key),
			zap.Duration("timeout", time.Duration(e.cfg.Timeout)))
		if *skipOnTimeout {
			return exitOK
		}
		return exitTimeout
	case err == nil:
		return exitOK
	case !ok:
		e.log.Error("lock acquisition failed", zap.Error(err))
		return exitFailure
	case errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.As(err, &exitErr):
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
		return exitCanceled
	}
	e.log.Error("command failed", zap.Error(err))
	return exitFailure
}

func statusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cf commonFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	e, err := setup(ctx, &cf, fs, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return setupExitCode(err)
	}
	defer e.close()

	rec, err := e.store.Read(ctx, lock.RefName(e.cfg.Key))
	if errors.Is(err, warperrors.ErrNotFound) {
		fmt.Fprintf(stdout, "%s: free\n", e.cfg.Key)
		return exitFailure
	}
	if err != nil {
		e.log.Error("status read failed", zap.Error(err))
		return exitFailure
	}
	now := time.Now()
	fmt.Fprintf(stdout, "%s: held\n", e.cfg.Key)
	fmt.Fprintf(stdout, "  workflow: %s\n  job: %s\n  holder: %s\n", rec.Metadata.WorkflowID, rec.Metadata.JobID, rec.Metadata.Holder)
	fmt.Fprintf(stdout, "  created: %s (%s ago)\n", rec.CreatedAt.UTC().Format(time.RFC3339), now.Sub(rec.CreatedAt).Truncate(time.Second))
	fmt.Fprintf(stdout, "  expired: %t\n", lock.IsExpired(rec, lock.DefaultTTL, now))
	return exitOK
}

// writeOutputs appends step outputs to $GITHUB_OUTPUT when running inside
// GitHub Actions.
func writeOutputs(kv map[string]string) error {
	path := os.Getenv("GITHUB_OUTPUT")
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, k := range []string{"acquired", "key"} {
		if v, ok := kv[k]; ok {
			fmt.Fprintf(&b, "%s=%s\n", k, v)
		}
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
