package main

import (
	"context"
	"fmt"
	"os"

	"sessiondb/internal/app"
	"sessiondb/pkg/config"
	"sessiondb/pkg/logger"
	"sessiondb/pkg/shutdown"
)

// build metadata, set via ldflags during release builds
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	logger.Init(os.Getenv("SESSIONDB_LOG_LEVEL"))

	flags := config.ParseConfigFlags()
	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	envCfg, envRes := config.ParseConfigEnvs()
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve config: %v\n", err)
		os.Exit(1)
	}
	if lvl := eff.Config.Logging.Level; lvl != "" {
		logger.Init(lvl)
	}

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited", err, eff.DBPath, 0)
	}
}
