// Command siteagent runs the site defect agent: the webhook gate that admits
// bridge events, the worker pool that processes them, and maintenance
// commands.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-site-agent/internal/config"
	"github.com/tbourn/go-site-agent/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "siteagent",
		Short:         "Construction-site defect agent for group chats",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringSlice("env-file", []string{".env"}, "dotenv files to load before reading the environment")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

// loadConfig reads dotenv files named by --env-file, then the environment,
// and configures the global logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	loadEnvFiles(files)

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogger(cfg)
	return cfg, nil
}

// loadEnvFiles loads each existing file; real environment variables win.
func loadEnvFiles(paths []string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
		}
	}
}

func setupLogger(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.OTEL.ServiceName).Logger()
}
