package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oarkflow/log"
	"github.com/spf13/cobra"

	"github.com/canbusio/canguard"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "canguard",
		Short:         "Passive CAN-bus intrusion detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	root.AddCommand(serveCmd(), replayCmd(), checkConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "canguard:", err)
		os.Exit(1)
	}
}

func newLogger() log.Logger {
	return log.Logger{
		Level:      log.InfoLevel,
		TimeFormat: "15:04:05",
		Writer:     &log.ConsoleWriter{ColorOutput: true},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the bus (or a replay directory) and raise alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := canguard.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := canguard.NewMetrics()

			var ledger *canguard.DetectionLedger
			if cfg.Ledger.Path != "" {
				ledger, err = canguard.NewDetectionLedger(cfg.Ledger.Path, cfg.Ledger.Batch)
				if err != nil {
					return fmt.Errorf("open ledger: %w", err)
				}
				defer ledger.Close()
			}

			sinks := canguard.NewSinkRegistry()
			hub := canguard.NewAlertHub()
			sinks.Register(hub)
			if cfg.Alerts.Log {
				sinks.Register(&canguard.LogAlertSink{Logger: logger})
			}
			if cfg.Alerts.Webhook.URL != "" {
				sinks.Register(canguard.NewWebhookAlertSink(cfg.Alerts.Webhook.URL))
			}
			if cfg.Alerts.MQTT.Broker != "" {
				sink, err := canguard.NewMQTTAlertSink(cfg.Alerts.MQTT.Broker, cfg.Alerts.MQTT.ClientID, cfg.Alerts.MQTT.Topic)
				if err != nil {
					return fmt.Errorf("mqtt sink: %w", err)
				}
				defer sink.Close()
				sinks.Register(sink)
			}
			if cfg.Alerts.Redis.Addr != "" {
				sink, err := canguard.NewRedisAlertSink(cfg.Alerts.Redis.Addr, cfg.Alerts.Redis.Channel, cfg.Alerts.Redis.Recent)
				if err != nil {
					return fmt.Errorf("redis sink: %w", err)
				}
				defer sink.Close()
				sinks.Register(sink)
			}

			engine, err := canguard.NewEngine(cfg, sinks, ledger, metrics, logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			var source canguard.FrameSource
			if cfg.Source.ReplayDir != "" {
				source, err = canguard.NewReplaySource(ctx, cfg.Source.ReplayDir, cfg.Source.Rate, logger)
			} else {
				source, err = canguard.NewSocketCANSource(ctx, cfg.Source.Interface)
			}
			if err != nil {
				return fmt.Errorf("open frame source: %w", err)
			}
			defer source.Close()

			api := canguard.NewAPIServer(engine, hub, metrics)
			go func() {
				if err := api.Listen(cfg.API.Addr); err != nil {
					logger.Error().Err(err).Msg("api server stopped")
				}
			}()
			defer api.Shutdown()

			logger.Info().
				Str("api", cfg.API.Addr).
				Int("learning_frames", cfg.Learning.Frames).
				Msg("canguard started")

			for {
				select {
				case <-ctx.Done():
					logger.Info().Msg("shutting down")
					return nil
				case f, ok := <-source.Frames():
					if !ok {
						if err := source.Err(); err != nil {
							return fmt.Errorf("frame source: %w", err)
						}
						logger.Info().Msg("frame source drained")
						return nil
					}
					engine.Process(f)
				}
			}
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <capture.log> [more...]",
		Short: "Run candump captures through the detector and print a summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := canguard.LoadConfig(configPath)
			if err != nil {
				return err
			}
			// One-shot analysis: no ledger, no network sinks, no pacing.
			cfg.Ledger.Path = ""
			logger := newLogger()

			sinks := canguard.NewSinkRegistry()
			if cfg.Alerts.Log {
				sinks.Register(&canguard.LogAlertSink{Logger: logger})
			}
			engine, err := canguard.NewEngine(cfg, sinks, nil, canguard.NewMetrics(), logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			var parsed, skipped int
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read capture %s: %w", path, err)
				}
				for _, line := range canguard.SplitCandumpLines(data) {
					f, ok := canguard.ParseCandumpLine(line)
					if !ok {
						skipped++
						continue
					}
					parsed++
					engine.Process(f)
				}
			}

			fmt.Printf("frames:    %d (%d lines skipped)\n", parsed, skipped)
			fmt.Printf("anomalies: %d\n", engine.AnomalyCount())
			count, capacity := engine.Baselines().Occupancy()
			fmt.Printf("baselines: %d/%d\n", count, capacity)
			fmt.Printf("dominant:  %.0f%%\n", engine.Window().DominantShare()*100)
			return nil
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective range table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := canguard.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: %d ranges, window %d @ %.0f%%, %d baselines\n",
				len(cfg.Ranges), cfg.Window.Size, cfg.Window.DominanceRatio*100, cfg.Baseline.Capacity)
			for _, r := range cfg.Ranges {
				fmt.Printf("  %-16s 0x%03X-0x%03X  values %d..%d\n", r.Domain, r.Start, r.End, r.MinValue, r.MaxValue)
			}
			return nil
		},
	}
}
