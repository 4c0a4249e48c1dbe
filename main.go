package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrsingh-rishi/emotion-stream/capture"
	"github.com/mrsingh-rishi/emotion-stream/config"
	"github.com/mrsingh-rishi/emotion-stream/logging"
	"github.com/mrsingh-rishi/emotion-stream/mockanalyzer"
	"github.com/mrsingh-rishi/emotion-stream/output"
	"github.com/mrsingh-rishi/emotion-stream/session"
	"github.com/mrsingh-rishi/emotion-stream/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	duration time.Duration
	meter    bool
)

var rootCmd = &cobra.Command{
	Use:          "emotion-stream",
	Short:        "Stream microphone audio to an emotion analyzer",
	SilenceUsage: true,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Record from the default microphone and print emotion predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()
		return listen(cfg, logger)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := capture.ListInputDevices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("no input devices found")
			return nil
		}
		for _, d := range devices {
			fmt.Println(d)
		}
		return nil
	},
}

var mockCmd = &cobra.Command{
	Use:   "mock-analyzer",
	Short: "Run a local stand-in for the emotion analyzer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serveMock(cfg, logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./emotion-stream.yaml)")
	config.AddLogFlags(rootCmd.PersistentFlags())

	config.AddClientFlags(listenCmd.Flags())
	listenCmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	listenCmd.Flags().BoolVar(&meter, "meter", false, "print an input level meter")

	config.AddServerFlags(mockCmd.Flags())

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(mockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func listen(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device := capture.NewPortAudioDevice(capture.PortAudioOptions{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		FramesPerBuffer: cfg.FramesPerBuffer,
		Logger:          logger,
	})

	var ctrl *session.Controller
	recorder := capture.NewSession(device, capture.Options{
		ChunkInterval: cfg.ChunkInterval,
		FrameInterval: cfg.FrameInterval,
		WindowSize:    cfg.WindowSize,
		Logger:        logger,
		OnDeviceLost:  func(err error) { ctrl.DeviceLost(err) },
	})
	tr := transport.New(transport.Options{
		ServerURL:      cfg.ServerURL,
		ConnectTimeout: cfg.ConnectTimeout,
		OutboxSize:     cfg.OutboxSize,
		Logger:         logger,
	})
	console := output.NewConsole(os.Stdout, cfg.HistorySize, logger)
	ctrl = session.New(recorder, tr, console, session.Options{Logger: logger})

	id, err := ctrl.StartSession(ctx)
	if err != nil {
		return err
	}
	logger.Info("session started", zap.String("session_id", id), zap.String("server", cfg.ServerURL))

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}
	var meterTick <-chan time.Time
	if meter {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		meterTick = ticker.C
	}

	ended := ctrl.Ended()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nstopping...")
			return ctrl.StopSession()
		case <-deadline:
			return ctrl.StopSession()
		case <-ended:
			return ctrl.Err()
		case <-meterTick:
			if recorder.State() == capture.Active {
				console.PrintWindow(recorder.Window())
			}
		}
	}
}

func serveMock(cfg *config.Config, logger *zap.Logger) error {
	srv := mockanalyzer.New(mockanalyzer.Options{
		MaxConnections: cfg.MaxConnections,
		Jitter:         0.3,
		Logger:         logger,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(cfg.MockAddr) }()
	logger.Info("mock analyzer listening", zap.String("addr", cfg.MockAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-sig:
		fmt.Println("\nshutting down...")
		return srv.Shutdown()
	}
}
