package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/invoketrace/invoketrace/internal/config"
	"github.com/invoketrace/invoketrace/internal/observability"
	"github.com/invoketrace/invoketrace/internal/record"
	"github.com/invoketrace/invoketrace/internal/version"
)

const defaultConfigPath = "invoketrace.yaml"

const recordWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runRepro(nil, os.Stdout, os.Stderr)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "repro":
		return runRepro(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  invoketrace repro [--config path/to/invoketrace.yaml] [--binder context|shared-slot] [--delay DURATION] [--delayed-function NAME]")
	fmt.Fprintln(out, "  invoketrace version")
	fmt.Fprintln(out, "  invoketrace config validate [--config path/to/invoketrace.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  invoketrace config validate [--config path/to/invoketrace.yaml]")
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func newLogger(out io.Writer) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(observability.NewTraceLogHandler(jsonHandler))
}

func shutdownRecordWriter(logger *slog.Logger, writer *record.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending records before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending records before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func attachRecordWriterFailureLogging(logger *slog.Logger, writer *record.Writer, otelRuntime *observability.Runtime) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure record.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if otelRuntime != nil {
			otelRuntime.RecordWriteFailure(failure.Operation, failure.FailedCount)
		}
		logger.Error(
			"record persistence failed; dropped records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}
