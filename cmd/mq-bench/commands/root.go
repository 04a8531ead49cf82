// Package commands wires the CLI surface: one subcommand per benchmark role,
// global flags for snapshot cadence and logging, and exit codes the
// orchestration scripts branch on (0 ok, 2 config, 3 connect, 4 runtime).
package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hpcclab/mq-bench/internal/config"
	"github.com/hpcclab/mq-bench/internal/logging"
	"github.com/hpcclab/mq-bench/internal/roles"
	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "mq-bench",
	Short: "Throughput and latency benchmark for message-oriented middleware",
	Long: `mq-bench drives or terminates traffic against a broker under test and
emits periodic CSV statistics. One binary, one role per invocation:

  mq-bench pub    open-loop publisher
  mq-bench sub    subscriber measuring end-to-end latency
  mq-bench req    request/reply load generator
  mq-bench qry    query responder
  mq-bench mt-pub multi-topic publisher
  mq-bench mt-sub multi-topic subscriber`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.Float64("snapshot-interval", 0, "seconds between statistics snapshots (default 5)")
	pf.String("log-level", "", "log level: info, debug or trace")
	pf.String("metrics-addr", "", "optional address to expose /metrics and /healthz on")

	rootCmd.AddCommand(pubCmd, subCmd, reqCmd, qryCmd, mtPubCmd, mtSubCmd, versionCmd)
}

// Execute runs the CLI and maps the resulting error onto the exit code
// contract.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	switch transport.KindOf(err) {
	case transport.KindConfig:
		return 2
	case transport.KindConnect:
		return 3
	default:
		return 4
	}
}

// runtimeEnv is everything a role command resolves before traffic starts.
type runtimeEnv struct {
	logger zerolog.Logger
	env    *config.Env
}

// setup loads environment defaults and builds the logger, applying global
// flag overrides.
func setup(cmd *cobra.Command) (*runtimeEnv, error) {
	envCfg, err := config.LoadEnv()
	if err != nil {
		return nil, transport.Wrap(transport.KindConfig, err)
	}
	if v, _ := cmd.Flags().GetFloat64("snapshot-interval"); v > 0 {
		envCfg.SnapshotInterval = time.Duration(v * float64(time.Second))
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		envCfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		envCfg.MetricsAddr = v
	}
	logger := logging.New(logging.Config{Level: envCfg.LogLevel, Format: envCfg.LogFormat})
	return &runtimeEnv{logger: logger, env: envCfg}, nil
}

// engineFlags registers the connection flags shared by every role command.
func engineFlags(cmd *cobra.Command) {
	cmd.Flags().String("engine", "", "engine tag: distributed-bus, mqtt, redis, amqp, nats or mock")
	cmd.Flags().StringArray("connect", nil, "adapter option as key=value (repeatable)")
	cmd.Flags().String("endpoint", "", "distributed-bus locator, shorthand for --connect endpoint=...")
	cmd.Flags().String("csv", "", "snapshot CSV path (default stdout)")
}

// resolveTransport parses the engine tag plus connect bag and dials the
// broker. The returned dial function opens additional handles with the same
// configuration for roles that run without a shared transport.
func resolveTransport(ctx context.Context, cmd *cobra.Command, logger zerolog.Logger) (transport.Transport, func(context.Context) (transport.Transport, error), error) {
	tokens, _ := cmd.Flags().GetStringArray("connect")
	opts, err := config.ParseConnect(tokens)
	if err != nil {
		return nil, nil, transport.Wrap(transport.KindConfig, err)
	}
	engineTag, _ := cmd.Flags().GetString("engine")
	if ep, _ := cmd.Flags().GetString("endpoint"); ep != "" {
		opts.Set("endpoint", ep)
		if engineTag == "" {
			engineTag = string(transport.EngineDistBus)
		}
	}
	if engineTag == "" {
		return nil, nil, transport.Errf(transport.KindConfig, "an engine is required (--engine or --endpoint)")
	}
	engine, err := transport.ParseEngine(engineTag)
	if err != nil {
		return nil, nil, err
	}

	dial := func(ctx context.Context) (transport.Transport, error) {
		return transport.Connect(ctx, engine, opts, logger)
	}
	tr, err := dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	return tr, dial, nil
}

// signalContext derives the role context: cancelled by SIGINT/SIGTERM, and by
// the duration timer for roles whose lifetime is not scheduler-bound.
func signalContext(duration time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if duration <= 0 {
		return ctx, stop
	}
	dctx, cancel := context.WithTimeout(ctx, duration)
	return dctx, func() {
		cancel()
		stop()
	}
}

// runRole performs the common command tail: dial, build, execute.
func runRole(cmd *cobra.Command, duration time.Duration, build func(*roles.Common) (roles.Role, error)) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(duration)
	defer stop()

	tr, dial, err := resolveTransport(ctx, cmd, rt.logger)
	if err != nil {
		rt.logger.Error().Err(err).Msg("failed to connect")
		return err
	}

	csvPath, _ := cmd.Flags().GetString("csv")
	common := &roles.Common{
		Logger:           rt.logger,
		Stats:            stats.New(rt.logger),
		Transport:        tr,
		Dial:             dial,
		SnapshotInterval: rt.env.SnapshotInterval,
		CSVPath:          csvPath,
		GraceTimeout:     rt.env.GraceTimeout,
		MetricsAddr:      rt.env.MetricsAddr,
	}
	role, err := build(common)
	if err != nil {
		// The handle is already open; close it before the config error exits.
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tr.Shutdown(shutCtx)
		rt.logger.Error().Err(err).Msg("invalid role configuration")
		return err
	}
	if err := common.Execute(ctx, role); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Error().Err(err).Msg("run failed")
		return err
	}
	return nil
}

func secondsFlag(cmd *cobra.Command, name string) time.Duration {
	v, _ := cmd.Flags().GetFloat64(name)
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
