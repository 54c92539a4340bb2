// Command sigma renders YAML machine definitions as Mermaid state diagrams.
//
//	sigma [-q] [-env FILE] [-direction LR] [-theme dark] [-highlight a,b] [-o out.mmd] def.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amp-labs/sigma/config"
	"github.com/amp-labs/sigma/logger"
	"github.com/amp-labs/sigma/statemachine"
	"github.com/amp-labs/sigma/statemachine/visualizer"
	"github.com/amp-labs/sigma/telemetry"
	"go.opentelemetry.io/otel"
)

const app = "sigma"

var errUsage = errors.New("usage: sigma [flags] definition.yaml")

type options struct {
	envFile   string
	output    string
	direction string
	theme     string
	highlight string
	compact   bool
	quiet     bool
	path      string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2) //nolint:gocritic
	}

	if err := config.LoadEnvFiles(opts.envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Diagrams go to stdout, so logs never do.
	logger.ConfigureLogging(ctx, app, func(o *logger.Options) {
		o.Output = os.Stderr
	})

	rt, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("loading runtime settings", "error", err)
	}

	telemetryConfig, err := telemetry.LoadConfigFromEnv(ctx, rt.Environment)
	if err != nil {
		logger.Fatal("loading telemetry settings", "error", err)
	}

	if telemetryConfig.ServiceName == "" {
		telemetryConfig.ServiceName = app
	}

	if err := telemetry.Initialize(ctx, telemetryConfig); err != nil {
		logger.Fatal("initializing telemetry", "error", err)
	}

	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()

		if err := telemetry.Shutdown(flushCtx); err != nil {
			slog.Warn("flushing telemetry", "error", err)
		}
	}()

	if opts.quiet {
		ctx = logger.WithMuted(ctx, true)
	}

	if err := run(ctx, opts); err != nil {
		logger.Get(ctx).Error("rendering failed", "path", opts.path, "error", err)

		cancel()
		os.Exit(1) //nolint:gocritic
	}
}

func parseFlags(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet(app, flag.ContinueOnError)
	fs.StringVar(&opts.envFile, "env", ".env", "env file to load, skipped when missing")
	fs.StringVar(&opts.output, "o", "-", "output file, - for stdout")
	fs.StringVar(&opts.direction, "direction", "TB", "diagram direction, TB or LR")
	fs.StringVar(&opts.theme, "theme", "default", "color theme, default or dark")
	fs.StringVar(&opts.highlight, "highlight", "", "comma separated states to highlight")
	fs.BoolVar(&opts.compact, "compact", false, "omit activity and guard details")
	fs.BoolVar(&opts.quiet, "q", false, "discard log output")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if fs.NArg() != 1 {
		return options{}, errUsage
	}

	opts.path = fs.Arg(0)

	return opts, nil
}

func (o options) visualizer() visualizer.Options {
	v := visualizer.DefaultOptions().
		WithDirection(o.direction).
		WithTheme(o.theme).
		WithShowActivities(!o.compact).
		WithShowGuards(!o.compact)

	if o.highlight != "" {
		v = v.WithHighlightPath(strings.Split(o.highlight, ","))
	}

	return v
}

func run(ctx context.Context, opts options) error {
	ctx = logger.WithSubsystem(ctx, app+"/render")

	ctx, span := otel.Tracer(app).Start(ctx, "render")
	defer span.End()

	data, err := os.ReadFile(opts.path)
	if err != nil {
		return err
	}

	topo, err := statemachine.LoadTopology(data)
	if err != nil {
		return err
	}

	diagram, err := visualizer.GenerateMermaidWithOptions(topo, opts.visualizer())
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout

	if opts.output != "-" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}

		defer f.Close()

		out = f
	}

	if _, err := io.WriteString(out, diagram); err != nil {
		return err
	}

	logger.Get(ctx).Debug("rendered definition", "name", topo.Name, "states", len(topo.States), "path", opts.path)

	return nil
}
