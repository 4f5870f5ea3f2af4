package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/technosupport/theftguard/internal/backend"
	"github.com/technosupport/theftguard/internal/config"
	"github.com/technosupport/theftguard/internal/console"
	"github.com/technosupport/theftguard/internal/dvr"
	"github.com/technosupport/theftguard/internal/logging"
	"github.com/technosupport/theftguard/internal/state"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "theftguard-console",
		Usage: "Realtime connection and state layer of the theft-detection console",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config.yaml (default: ./config.yaml or ./configs/config.yaml)",
			},
			&cli.StringFlag{
				Name:    "mode",
				Usage:   "Runtime mode: dev or prod (overrides the build mode)",
				EnvVars: []string{"THEFTGUARD_MODE"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Connect to the backend and serve the local API",
				Action: runCommand,
			},
			{
				Name:  "configure-dvr",
				Usage: "Send DVR credentials to the backend once and report the result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ip", Required: true, Usage: "DVR address (host or host:port)"},
					&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
					&cli.StringFlag{Name: "password", Aliases: []string{"p"}, EnvVars: []string{"THEFTGUARD_DVR_PASSWORD"}},
				},
				Action: configureDVRCommand,
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("theftguard-console %s (commit %s, built %s, mode %s)\n", Version, Commit, BuildDate, config.BuildMode)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if mode := c.String("mode"); mode != "" && mode != cfg.Mode {
		url, err := config.ResolveAPIURL(mode)
		if err != nil {
			return nil, nil, err
		}
		cfg.Mode = mode
		cfg.APIURL = url
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runCommand(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := console.New(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("graceful shutdown error", zap.Error(err))
		return err
	}
	return nil
}

func configureDVRCommand(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	client := backend.NewClient(backend.Config{BaseURL: cfg.APIURL, Timeout: cfg.Backend.Timeout}, logger, nil)
	store := state.NewStore()
	configurator := dvr.NewConfigurator(client, store, nil, logger, nil)

	res, err := configurator.Configure(c.Context, dvr.Credentials{
		IP:       c.String("ip"),
		Username: c.String("username"),
		Password: c.String("password"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("dvr connected: %t\n", res.Connected)
	if res.Message != "" {
		fmt.Printf("message: %s\n", res.Message)
	}
	for _, cam := range res.Cameras {
		fmt.Printf("  camera %d: %s (%s)\n", cam.ID, cam.Name, cam.Status)
	}
	return nil
}
