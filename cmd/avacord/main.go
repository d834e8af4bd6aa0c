// Package main runs a range of gateway shards from a configuration file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avacord/internal/config"
	"github.com/vyrodovalexey/avacord/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	path, err := config.ResolveConfigPath(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if flags.logLevel != "" {
		cfg.Observability.Logging.Level = flags.logLevel
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avacord",
		observability.String("version", version),
		observability.String("config", path),
	)

	if err := run(path, cfg, logger); err != nil {
		logger.Error("avacord stopped with error", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("avacord", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault("AVACORD_CONFIG_PATH", "avacord.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("AVACORD_LOG_LEVEL", ""),
		"Log level override (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("avacord version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(cfg *config.Config) (observability.Logger, error) {
	l := cfg.Observability.Logging
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  l.Level,
		Format: l.Format,
		Output: l.Output,
	})
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
