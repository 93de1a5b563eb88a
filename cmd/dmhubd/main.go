package main

import (
	"context"
	"fmt"
	"os"

	"github.com/matheus3301/dmhub/internal/config"
	"github.com/matheus3301/dmhub/internal/daemon"
	"github.com/matheus3301/dmhub/internal/datadir"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
)

func main() {
	dataDirFlag := pflag.String("data-dir", "", "data directory (overrides $"+datadir.EnvVar+")")
	configFlag := pflag.String("config", "", "config file (default <data-dir>/config.toml)")
	listenFlag := pflag.String("listen", "", "public listen address (overrides config)")
	pflag.Parse()

	dir := datadir.Resolve(*dataDirFlag)
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = datadir.ConfigPath(dir)
	}

	cfg, err := config.Resolve(context.Background(), cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dir, Config: cfg}),
	)

	app.Run()
}
