package main

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/ivibench/pkg/bench"
	"github.com/jingkaihe/ivibench/pkg/logging"
	"github.com/jingkaihe/ivibench/pkg/rpc"
)

// rpcEventBuffer is how many events an RPC client may lag behind.
const rpcEventBuffer = 256

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring up the bench and serve until interrupted",
	Long: `Bring up the bench: announce the vehicle on the CAN bus, restore the
persisted ignition position and poll both displays.

With --rpc, line-delimited JSON-RPC requests are read from stdin and
responses and events are written to stdout. The bench shuts down when
stdin is closed.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().Bool("rpc", false, "Serve JSON-RPC on stdin/stdout")
	upCmd.Flags().String("metrics-addr", "", "Serve /metrics and /healthz on this address")
	upCmd.Flags().Duration("shutdown-timeout", 0, "Bound guest shutdown (0 uses the stop and kill timeouts)")
	upCmd.Flags().Bool("watch-config", true, "Reload ignition timings when the config file changes")

	viper.BindPFlag("up.rpc", upCmd.Flags().Lookup("rpc"))
	viper.BindPFlag("metrics_addr", upCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("up.shutdown_timeout", upCmd.Flags().Lookup("shutdown-timeout"))
	viper.BindPFlag("up.watch_config", upCmd.Flags().Lookup("watch-config"))

	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	var opts []bench.Option
	opts = append(opts, bench.WithLogger(logger))
	var sink *rpc.EventSink
	if viper.GetBool("up.rpc") {
		sink = rpc.NewEventSink(rpcEventBuffer, logging.EventCANFrame)
		opts = append(opts, bench.WithSinks(sink))
	}

	b, err := bench.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := closeContext(viper.GetDuration("up.shutdown_timeout"))
		defer closeCancel()
		if err := b.Close(closeCtx); err != nil {
			logger.Warn("bench shutdown incomplete", "error", err)
		}
	}()

	if err := b.Up(ctx); err != nil {
		return err
	}
	if viper.GetBool("up.watch_config") {
		watchIgnitionConfig(b, logger)
	}

	if sink != nil {
		// Not waited for; it may be blocked reading stdin.
		go func() {
			defer cancel()
			if err := rpc.RunRPC(ctx, b, sink.Events(), logger); err != nil {
				logger.Error("rpc session ended", "error", err)
			}
		}()
	}
	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutting down", "run_id", b.RunID())
	return nil
}

// watchIgnitionConfig applies ignition timing edits to the running bench.
// Other settings need a restart.
func watchIgnitionConfig(b *bench.Bench, logger *slog.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := loadConfig()
		if err != nil {
			logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		b.Ignition().SetDelays(cfg.Ignition)
		logger.Info("ignition timings reloaded",
			"file", e.Name,
			"transition_delay", cfg.Ignition.TransitionDelay,
			"engine_start_duration", cfg.Ignition.EngineStartDuration,
			"long_press_threshold", cfg.Ignition.LongPressThreshold,
		)
	})
	viper.WatchConfig()
}
