package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/internal/observability"
	"github.com/signalsfoundry/manet-simulator/internal/sim"
	"github.com/signalsfoundry/manet-simulator/model"
	"github.com/signalsfoundry/manet-simulator/timectrl"
)

// Configuration keys. Each is a flag, a MANET_* environment variable and a
// key in the --config file.
const (
	keyConfig          = "config"
	keyStopTime        = "stopTime"
	keyCourseChange    = "useCourseChangeCallback"
	keyScenario        = "scenario"
	keyTraffic         = "traffic"
	keyNodesPerCluster = "nodesPerCluster"
	keyOutputDir       = "output-dir"
	keyPcap            = "pcap"
	keyAnimation       = "animation"
	keyLogLevel        = "log-level"
	keyLogFormat       = "log-format"
	keyLogBackend      = "log-backend"
	keyMetricsAddr     = "metrics-addr"
	keyRealtime        = "realtime"
	keySummary         = "summary"
	keySeed            = "seed"
	keyTraceExporter   = "tracing-exporter"
	keyTraceEndpoint   = "tracing-endpoint"
	keyTraceRatio      = "tracing-sample-ratio"
)

const clockTick = 100 * time.Millisecond

// app carries the per-invocation state shared by the commands.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "manet-sim",
		Short: "Run a mobile ad-hoc network scenario",
		Long: `Builds a three-cluster wireless ad-hoc network (static, random waypoint and
random walk clusters), installs traffic between them and runs it to the stop
time, writing one packet capture per cluster, an event log and an animation file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	registerFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(newValidateCmd(a))
	return rootCmd
}

// registerFlags declares every configuration key on flags.
func registerFlags(flags *pflag.FlagSet) {
	flags.String(keyConfig, "", "configuration file (yaml or toml)")
	flags.Float64(keyStopTime, core.DefaultStopTime.Seconds(), "simulation stop time in seconds (at least 10)")
	flags.Bool(keyCourseChange, false, "print every node course change to stdout")
	flags.String(keyScenario, "", "scenario descriptor file (.yaml, .toml or .json); the stock scenario is used when empty")
	flags.String(keyTraffic, model.FlowStream.String(), "stock scenario traffic: stream or request-response")
	flags.Int(keyNodesPerCluster, core.DefaultNodesPerCluster, "nodes in each stock cluster")
	flags.String(keyOutputDir, ".", "directory for trace outputs")
	flags.Bool(keyPcap, true, "write one packet capture per cluster")
	flags.Bool(keyAnimation, true, "write the animation file")
	flags.String(keyLogLevel, "info", "log level: debug, info, warn or error")
	flags.String(keyLogFormat, "text", "log format: text or json")
	flags.String(keyLogBackend, "slog", "log backend: slog or zap")
	flags.String(keyMetricsAddr, "", "serve /metrics and /healthz on this address while running")
	flags.Bool(keyRealtime, false, "pace simulated time against the wall clock")
	flags.Bool(keySummary, false, "print a per-flow table after the run")
	flags.Uint64(keySeed, sim.DefaultSeed, "seed of the mobility random streams")
	flags.String(keyTraceExporter, observability.ExporterNone, "lifecycle span exporter: none, stdout or otlp")
	flags.String(keyTraceEndpoint, observability.DefaultOTLPEndpoint, "OTLP gRPC collector address")
	flags.Float64(keyTraceRatio, 1, "fraction of runs traced")
}

// loadConfig binds flags, MANET_* environment variables and the optional
// config file into one viper instance. Flags win over the environment,
// which wins over the file.
func (a *app) loadConfig(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("MANET")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := a.v.GetString(keyConfig); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read config %s: %v", core.ErrConfig, path, err)
		}
	}
	return nil
}

func (a *app) logger() logging.Logger {
	return logging.New(logging.Config{
		Level:   a.v.GetString(keyLogLevel),
		Format:  a.v.GetString(keyLogFormat),
		Backend: a.v.GetString(keyLogBackend),
		Writer:  a.stderr,
	})
}

// scenario returns the descriptor named by --scenario, or the stock
// scenario sized by --nodesPerCluster and --traffic. Explicitly set flags
// override values from the descriptor.
func (a *app) scenario() (core.Scenario, error) {
	stop := timectrl.Seconds(a.v.GetFloat64(keyStopTime))

	var scn core.Scenario
	if path := a.v.GetString(keyScenario); path != "" {
		loaded, err := core.LoadScenarioFile(path)
		if err != nil {
			return core.Scenario{}, err
		}
		scn = loaded
		if a.v.IsSet(keyStopTime) {
			scn.Config.StopTime = stop
		}
		if a.v.IsSet(keyCourseChange) {
			scn.Config.CourseChangeTracing = a.v.GetBool(keyCourseChange)
		}
		if a.v.IsSet(keyPcap) {
			scn.Config.Trace.Capture = a.v.GetBool(keyPcap)
		}
		if a.v.IsSet(keyAnimation) && !a.v.GetBool(keyAnimation) {
			scn.Config.Trace.Animation = ""
		}
		return scn, nil
	}

	kind, err := model.ParseFlowKind(a.v.GetString(keyTraffic))
	if err != nil {
		return core.Scenario{}, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	scn = core.DefaultScenario(stop, a.v.GetInt(keyNodesPerCluster), kind)
	scn.Config.CourseChangeTracing = a.v.GetBool(keyCourseChange)
	scn.Config.Trace.Capture = a.v.GetBool(keyPcap)
	if !a.v.GetBool(keyAnimation) {
		scn.Config.Trace.Animation = ""
	}
	return scn, nil
}

func (a *app) run(ctx context.Context) error {
	log := a.logger()

	scn, err := a.scenario()
	if err != nil {
		return err
	}

	tp, shutdown, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Exporter:    a.v.GetString(keyTraceExporter),
		Endpoint:    a.v.GetString(keyTraceEndpoint),
		SampleRatio: a.v.GetFloat64(keyTraceRatio),
		Writer:      a.stderr,
	}, log)
	if err != nil {
		return fmt.Errorf("%w: tracing: %v", core.ErrConfig, err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	reg := prometheus.NewRegistry()
	scenarioMetrics, err := observability.NewScenarioCollector(reg)
	if err != nil {
		return fmt.Errorf("register scenario metrics: %w", err)
	}
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("register engine metrics: %w", err)
	}

	mode := timectrl.Accelerated
	if a.v.GetBool(keyRealtime) {
		mode = timectrl.RealTime
	}
	eng := sim.New(
		sim.WithOutputDir(a.v.GetString(keyOutputDir)),
		sim.WithLogger(log),
		sim.WithMetrics(engineMetrics),
		sim.WithClock(timectrl.NewTimeController(clockTick, mode)),
		sim.WithSeed(a.v.GetUint64(keySeed)),
	)
	runner := core.NewScenarioRunner(scn, eng, log,
		core.WithRunnerMetrics(scenarioMetrics),
		core.WithCourseChangeWriter(a.stdout),
		core.WithTracer(tp.Tracer("github.com/signalsfoundry/manet-simulator/core")),
	)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	if addr := a.v.GetString(keyMetricsAddr); addr != "" {
		g.Go(func() error {
			return observability.Serve(runCtx, addr, reg, log)
		})
	}

	var summary core.Summary
	g.Go(func() error {
		defer cancel()
		var runErr error
		summary, runErr = runner.Run(runCtx)
		return runErr
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if a.v.GetBool(keySummary) {
		writeFlowTable(a.stdout, eng.FlowStats())
	}
	fmt.Fprintf(a.stdout, "Simulation complete: %d clusters, %d nodes, %d flows, %s simulated in %s (run %s)\n",
		summary.Clusters, summary.Nodes, summary.Flows, summary.StopTime, summary.WallTime.Round(time.Millisecond), summary.RunID)
	return nil
}

// execute runs the command tree with args and returns the process exit
// code. Failures produce exactly one diagnostic line on stderr.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "manet-sim: %s\n", oneLine(err))
		return 1
	}
	return 0
}

// oneLine flattens joined errors into a single line.
func oneLine(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
