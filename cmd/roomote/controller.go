package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/roomote-orchestrator/internal/dispatcher"
)

var metricsAddr string

func init() {
	controllerCmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the worker pool controller",
		RunE:  runController,
	}
	controllerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for /metrics and /healthz")
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	forced, err := dispatcher.ParseEnvironment(cfg.Dispatcher.Environment)
	if err != nil {
		return err
	}
	env := dispatcher.DetectEnvironment(forced, dispatcher.SystemHost())

	spec, err := spawnSpec(cfg)
	if err != nil {
		return err
	}
	if env != dispatcher.EnvBare {
		// Host paths mean nothing inside the worker's container.
		spec.ConfigPath = ""
	}

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	d := dispatcher.New(dispatcher.Config{
		PollInterval:    cfg.Dispatcher.PollInterval.Std(),
		ReclaimInterval: cfg.Queue.ReclaimInterval.Std(),
		MaxWorkers:      cfg.Dispatcher.MaxWorkers,
		Environment:     env,
		Spec:            spec,
	}, dispatcher.Deps{
		Queue:   q,
		Spawner: dispatcher.ExecSpawner{Stdout: os.Stdout, Stderr: os.Stderr},
		Logger:  slog.Default(),
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		if !d.Running() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "workers": d.Tracked()})
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.Start(gctx)
		<-gctx.Done()
		return d.Stop()
	})
	g.Go(func() error {
		slog.Info("metrics listening", "addr", metricsAddr)
		if err := e.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
