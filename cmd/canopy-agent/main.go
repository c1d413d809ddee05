// Package main implements a demonstration field agent: it connects to a
// canopy server, reports simulated environment telemetry, and applies
// set_state commands to simulated actuators.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/canopy/agent"
	"github.com/c360/canopy/gateway"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	URL      string
	APIKey   string
	Device   string
	Interval time.Duration
	LogLevel string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "canopy-agent",
		Short:         "Demonstration canopy field agent",
		Long:          "Connects to a canopy server, reports simulated temperature and humidity, and logs actuator commands as it applies them.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://localhost:8080/agent", "gateway WebSocket URL")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "agent API key")
	cmd.Flags().StringVar(&opts.Device, "device", "tent", "simulated device name")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 10*time.Second, "reporting interval")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "info", "debug, info, warn, or error")
	_ = cmd.MarkFlagRequired("api-key")

	return cmd
}

func run(opts *options) error {
	logger := newLogger(opts.LogLevel)

	// actuators holds the simulated output states the server drives.
	var mu sync.Mutex
	actuators := make(map[string]float64)

	client := agent.NewClient(agent.Config{
		URL:    opts.URL,
		APIKey: opts.APIKey,
	}, func(device string, value float64) {
		mu.Lock()
		actuators[device] = value
		mu.Unlock()
		logger.Info("actuator set", "device", device, "value", value)
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	logger.Info("agent running", "url", opts.URL, "device", opts.Device)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			temp, hum := simulate(time.Since(start))
			err := client.SendReadings([]gateway.Reading{
				{Device: opts.Device, Channel: "temperature", Timestamp: time.Now().UnixMilli(), Value: &temp},
				{Device: opts.Device, Channel: "humidity", Timestamp: time.Now().UnixMilli(), Value: &hum},
			})
			if err != nil {
				logger.Warn("send failed, batch queued", "error", err)
			}
		}
	}
}

// simulate produces a slow sinusoidal day cycle around comfortable
// baselines.
func simulate(elapsed time.Duration) (temperature, humidity float64) {
	phase := elapsed.Seconds() / 600 * 2 * math.Pi
	temperature = 24 + 6*math.Sin(phase)
	humidity = 55 + 15*math.Cos(phase/2)
	return temperature, humidity
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
