// ABOUTME: Entry point for the PipeCast relay server
// ABOUTME: Cobra CLI wiring, logging setup, and graceful shutdown
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipecast/pipecast-go/internal/config"
	"github.com/pipecast/pipecast-go/internal/server"
)

var (
	version = "0.1.0"
	cfgFile string
	useTUI  bool
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "pipecast-server",
	Short: "PipeCast PCM relay server",
	Long:  `PipeCast relays raw PCM audio between WebSocket clients and the host's audio tools (aplay/arecord).`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pipecast-server v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/pipecast/pipecast.yaml)")
	runCmd.Flags().BoolVar(&useTUI, "tui", false, "show the status TUI")
	runCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	srv := server.New(server.Config{
		Port:          cfg.Port,
		Name:          cfg.Name,
		RenderTool:    cfg.RenderTool,
		CaptureTool:   cfg.CaptureTool,
		EnableMDNS:    cfg.EnableMDNS,
		UseTUI:        useTUI || cfg.UseTUI,
		DrainInterval: time.Duration(cfg.DrainIntervalMs) * time.Millisecond,
		SafetyMargin:  time.Duration(cfg.SafetyMarginMs) * time.Millisecond,
		CloseGrace:    time.Duration(cfg.CloseGraceMs) * time.Millisecond,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		srv.Stop()
	}()

	return srv.Start()
}

// setupLogging configures the process-wide handler once; components
// receive child loggers from the server.
func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if debug || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}

	// With the TUI active, stdout belongs to bubbletea.
	tui := useTUI || cfg.UseTUI

	out := io.Writer(os.Stdout)
	if tui {
		out = io.Discard
	}
	closeLog := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		if tui {
			out = f
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
		closeLog = func() { f.Close() }
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, closeLog, nil
}
