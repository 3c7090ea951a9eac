package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/invoketrace/invoketrace/internal/binder"
	"github.com/invoketrace/invoketrace/internal/config"
	"github.com/invoketrace/invoketrace/internal/modelcall"
	"github.com/invoketrace/invoketrace/internal/observability"
	"github.com/invoketrace/invoketrace/internal/record"
	"github.com/invoketrace/invoketrace/internal/version"
)

// invocationSpec is one concurrently running model invocation in the repro
// run. Each one expects its own function id back on its trace record.
type invocationSpec struct {
	FunctionID string
	Prompt     string
}

var reproInvocations = []invocationSpec{
	{FunctionID: "fruit-generation", Prompt: "Name one fruit. Reply with a single word."},
	{FunctionID: "color-generation", Prompt: "Name one color. Reply with a single word."},
	{FunctionID: "animal-generation", Prompt: "Name one animal. Reply with a single word."},
}

type invocationResult struct {
	Spec   invocationSpec
	Record *record.Record
	Text   string
	Err    error
}

var signalNotifyContext = signal.NotifyContext

func runRepro(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("repro", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	binderMode := flagSet.String("binder", "", "Trace binder: context (isolated) or shared-slot (reproduces contamination)")
	delay := flagSet.Duration("delay", -1, "Extra post-response work for the delayed invocation (e.g. 500ms)")
	delayedFunction := flagSet.String("delayed-function", "", "Function id that receives the extra delay")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "repro does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	if *binderMode != "" {
		cfg.Repro.Binder = *binderMode
	}
	if *delay >= 0 {
		cfg.Repro.DelayMS = int(delay.Milliseconds())
	}
	if *delayedFunction != "" {
		cfg.Repro.DelayedFunction = *delayedFunction
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}
	if cfg.Model.APIKey == "" {
		fmt.Fprintln(errOut, "model api key is required; set OPENAI_API_KEY or model.api_key")
		return 1
	}

	logger := newLogger(errOut)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelRuntime, otelErr := observability.Setup(ctx, cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	writer, cleanup, err := newRecordWriter(cfg, logger, otelRuntime)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer cleanup()

	b, err := newReproBinder(cfg.Repro.Binder, logger, writer, otelRuntime)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}

	client, err := modelcall.NewClient(modelcall.Options{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.Upstream,
		HTTPClient: &http.Client{
			Transport: otelRuntime.WrapHTTPTransport(nil),
			Timeout:   time.Duration(cfg.Model.TimeoutMS) * time.Millisecond,
		},
		Binder: b,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize model client: %v\n", err)
		return 1
	}

	logger.Info(
		"starting repro run",
		"binder", cfg.Repro.Binder,
		"invocations", len(reproInvocations),
		"delay_ms", cfg.Repro.DelayMS,
		"delayed_function", cfg.Repro.DelayedFunction,
		"model", cfg.Model.Name,
	)

	results := executeRepro(ctx, b, client, cfg)
	return reportRepro(out, cfg, results)
}

// newRecordWriter builds the async persistence pipeline for the configured
// storage driver. The cleanup function flushes the writer and closes the
// store; it is safe to call when the driver is "none".
func newRecordWriter(cfg config.Config, logger *slog.Logger, otelRuntime *observability.Runtime) (*record.Writer, func(), error) {
	var store record.RecordStore
	var closeStore func() error

	switch cfg.Storage.Driver {
	case config.StorageDriverNone:
		return nil, func() {}, nil
	case config.StorageDriverSQLite:
		sqliteStore, err := record.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize sqlite storage: %w", err)
		}
		store = sqliteStore
		closeStore = sqliteStore.Close
	case config.StorageDriverPostgres:
		postgresStore, err := record.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize postgres storage: %w", err)
		}
		store = postgresStore
		closeStore = postgresStore.Close
	default:
		return nil, nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}

	writer := record.NewWriter(store, cfg.Storage.QueueSize)
	attachRecordWriterFailureLogging(logger, writer, otelRuntime)
	writer.Start(context.Background())

	cleanup := func() {
		shutdownRecordWriter(logger, writer, recordWriterShutdownTimeout)
		if err := closeStore(); err != nil {
			logger.Error("failed to close record store", "error", err)
		}
	}
	return writer, cleanup, nil
}

func newReproBinder(mode string, logger *slog.Logger, writer *record.Writer, otelRuntime *observability.Runtime) (binder.Binder, error) {
	sinks := []binder.Sink{binder.LogSink{Logger: logger}}
	if writer != nil {
		sinks = append(sinks, binder.WriterSink{Writer: writer, Logger: logger, OnDrop: otelRuntime.RecordQueueDrop})
	}
	if otelRuntime.Enabled() {
		sinks = append(sinks, binder.OTelSink{Tracer: otelRuntime.Tracer()})
	}

	opts := []binder.Option{binder.WithSink(binder.MultiSink(sinks...))}
	switch mode {
	case config.BinderContext:
		return binder.NewContextBinder(opts...), nil
	case config.BinderSharedSlot:
		return binder.NewSharedSlotBinder(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported repro.binder %q", mode)
	}
}

// executeRepro starts every invocation concurrently and waits for all of
// them. Undelayed invocations hand their trace identity to the model client
// via the request telemetry config; a delayed invocation keeps working after
// its response arrives, so the harness begins and ends that one itself.
func executeRepro(ctx context.Context, b binder.Binder, client *modelcall.Client, cfg config.Config) []invocationResult {
	delay := time.Duration(cfg.Repro.DelayMS) * time.Millisecond
	delayedFunction := cfg.Repro.DelayedFunction
	if delayedFunction == "" && delay > 0 {
		delayedFunction = reproInvocations[1].FunctionID
	}

	results := make([]invocationResult, len(reproInvocations))
	var wg sync.WaitGroup
	for i, spec := range reproInvocations {
		wg.Add(1)
		go func(i int, spec invocationSpec) {
			defer wg.Done()
			results[i] = runInvocation(ctx, b, client, cfg, spec, delay, delayedFunction)
		}(i, spec)
	}
	wg.Wait()
	return results
}

func runInvocation(ctx context.Context, b binder.Binder, client *modelcall.Client, cfg config.Config, spec invocationSpec, delay time.Duration, delayedFunction string) invocationResult {
	if delay <= 0 || spec.FunctionID != delayedFunction {
		result, err := client.GenerateText(ctx, modelcall.Request{
			Model:     cfg.Model.Name,
			Prompt:    spec.Prompt,
			MaxTokens: cfg.Model.MaxTokens,
			Telemetry: modelcall.TelemetryConfig{
				IsEnabled:  true,
				FunctionID: spec.FunctionID,
				Metadata:   map[string]any{"test_case": spec.FunctionID},
			},
		})
		if err != nil {
			return invocationResult{Spec: spec, Err: err}
		}
		return invocationResult{Spec: spec, Record: result.Record, Text: result.Text}
	}

	// The delayed invocation keeps working after the model responds, so its
	// trace window outlives the client call and the harness owns Begin/End.
	invCtx, _ := b.Begin(ctx, binder.Invocation{
		FunctionID: spec.FunctionID,
		Metadata:   map[string]any{"test_case": spec.FunctionID},
	})

	result, err := client.GenerateText(invCtx, modelcall.Request{
		Model:     cfg.Model.Name,
		Prompt:    spec.Prompt,
		MaxTokens: cfg.Model.MaxTokens,
	})

	// The model response has arrived; this invocation keeps working while
	// its peers begin and end around it.
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	binder.SetAttribute(invCtx, "delayed_ms", delay.Milliseconds())

	outcome := binder.Outcome{
		Provider: "openai",
		Model:    cfg.Model.Name,
		Prompt:   spec.Prompt,
	}
	text := ""
	if err != nil {
		outcome.Err = err
	} else {
		text = result.Text
		outcome.Model = result.Model
		outcome.Completion = result.Text
		outcome.InputTokens = result.Usage.InputTokens
		outcome.OutputTokens = result.Usage.OutputTokens
		outcome.TotalTokens = result.Usage.TotalTokens
	}

	rec := b.End(invCtx, outcome)
	return invocationResult{Spec: spec, Record: rec, Text: text, Err: err}
}

// reportRepro prints the expected-versus-actual table and returns the
// process exit code: 0 when every record is bound to its own invocation, 1
// when any invocation failed or any record carries another invocation's
// identity.
func reportRepro(out io.Writer, cfg config.Config, results []invocationResult) int {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INVOCATION\tEXPECTED\tACTUAL\tRECORD ID\tLATENCY MS\tSTATUS")

	failed := false
	contaminated := false
	recordIDs := make(map[string]string)

	for _, res := range results {
		expected := res.Spec.FunctionID
		actual := "-"
		recordID := "-"
		latency := "-"
		status := "ok"

		switch {
		case res.Err != nil:
			failed = true
			status = "failed: " + res.Err.Error()
		case res.Record == nil:
			contaminated = true
			status = "contaminated: no trace record emitted"
		default:
			actual = res.Record.FunctionID
			recordID = res.Record.ID
			latency = fmt.Sprintf("%d", res.Record.LatencyMS)
			if actual != expected {
				contaminated = true
				status = "contaminated: traced as " + actual
			} else if owner, seen := recordIDs[res.Record.ID]; seen {
				contaminated = true
				status = "contaminated: record shared with " + owner
			}
			recordIDs[res.Record.ID] = expected
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", res.Spec.FunctionID, expected, actual, recordID, latency, status)
	}
	_ = w.Flush()

	switch {
	case failed:
		fmt.Fprintln(out, "\nresult: run failed before isolation could be judged")
		return 1
	case contaminated:
		fmt.Fprintf(out, "\nresult: trace contamination detected with binder=%s\n", cfg.Repro.Binder)
		return 1
	default:
		fmt.Fprintf(out, "\nresult: all %d invocations kept their own trace identity with binder=%s\n", len(results), cfg.Repro.Binder)
		return 0
	}
}
