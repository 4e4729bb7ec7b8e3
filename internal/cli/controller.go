package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/etlorch/internal/controller"
	"github.com/me/etlorch/internal/jobs"
	"github.com/me/etlorch/internal/metrics"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/internal/observability"
	"github.com/me/etlorch/internal/registry"
	"github.com/me/etlorch/internal/server"
	"github.com/me/etlorch/internal/source"
)

func newControllerCmd() *cobra.Command {
	var (
		addr      string
		namespace string
		noServer  bool
	)
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run one control loop per registered pipeline until every run finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if namespace != "" {
				cfg.Controller.Namespace = namespace
			}
			if err := cfg.ValidateController(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runController(cmd.Context(), noServer)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Ops listen address for /healthz, /metrics and /api/v1 (or METRICS_ADDR)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Namespace jobs are created in (or NAMESPACE)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the ops HTTP server")
	return cmd
}

func runController(ctx context.Context, noServer bool) error {
	shutdown, err := observability.InitTracing(ctx, "etl-controller", cfg.Controller.Tracing)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	reg, err := registry.Open(cfg.Registry.Driver, cfg.Registry.DSN, logger)
	if err != nil {
		return err
	}
	defer reg.Close()
	if err := reg.Migrate(ctx); err != nil {
		return err
	}

	if cfg.Source.DSN == "" {
		return errors.New("source DSN is required (POSTGRES_CONNECTION or SOURCE_DSN)")
	}
	catalog, err := source.NewPostgres(ctx, cfg.Source.DSN, cfg.Source.Schema, logger)
	if err != nil {
		return err
	}
	defer catalog.Close()

	store, err := objstore.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}

	client, err := jobs.NewClientset(cfg.Jobs.Kubeconfig)
	if err != nil {
		return err
	}
	renderer, err := jobs.NewRenderer(cfg.Jobs, cfg.Controller.Namespace, cfg.Controller.Name, cfg.WorkerEnv())
	if err != nil {
		return err
	}

	m := metrics.New()
	tracker := controller.NewTracker()
	ctrl := controller.New(cfg.Controller, controller.Deps{
		Registry:          reg,
		Catalog:           catalog,
		Store:             store,
		Runtime:           jobs.NewKubeRuntime(client, cfg.Controller.Namespace, logger),
		Renderer:          renderer,
		Metrics:           m,
		Tracker:           tracker,
		Logger:            logger,
		DestinationSuffix: cfg.Warehouse.DestinationSuffix,
	})

	if noServer || cfg.Server.Addr == "" {
		return ctrl.Run(ctx)
	}

	// The ops server lives as long as the loops do.
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	srv := server.New(cfg.Server, reg, tracker, m, logger)

	var g errgroup.Group
	g.Go(func() error {
		return srv.ListenAndServe(srvCtx)
	})
	runErr := ctrl.Run(ctx)
	stopServer()
	if err := g.Wait(); err != nil {
		logger.Error("ops server failed", "error", err)
	}
	return runErr
}
