// Framelink runs a lockstep game session relay.
//
// The server command hosts one session: it admits participants through a
// ticket handshake, gathers their initial snapshots, starts the game once
// everyone has loaded, and batches channel frames into periodic snapshots.
// The client command runs a demo participant against a server.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/util"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
  ___                  _ _      _   
 | __| _ __ _ _ __  ___| (_)_ _ | |__
 | _| '_/ _' | '  \/ -_) | | ' \| / /
 |_||_| \__,_|_|_|_\___|_|_|_||_|_\_\
                          v%s
`

func main() {
	rootCmd := &cobra.Command{
		Use:           "framelink",
		Short:         "Lockstep game session relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", config.DefaultConfigDir, "configuration directory")

	rootCmd.AddCommand(
		serverCmd(),
		clientCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("framelink %s (%s) %s %s/%s\n", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads the configuration and reconfigures the logger from it.
func loadConfig(cmd *cobra.Command, prefix string) (*config.Config, error) {
	// Defaults first, reconfigured after config load
	logCfg := util.DefaultLogConfig()
	logCfg.Prefix = prefix
	if err := util.InitLogger(logCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dir, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logging := cfg.GetApplicationData().Logging
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
		Prefix:     prefix,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", version).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	return cfg, nil
}

// logValidation logs warnings and errors and reports whether cfg is usable.
func logValidation(result *config.ValidationResult) bool {
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	for _, e := range result.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}
	return result.IsValid()
}

// startWithRetry attempts to start a listener with retry on bind errors.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
