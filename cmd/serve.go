package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	transit "github.com/citydash/transit"
	"github.com/citydash/transit/api"
	"github.com/citydash/transit/collector"
	"github.com/citydash/transit/config"
	"github.com/citydash/transit/downloader"
	"github.com/citydash/transit/fanout"
	"github.com/citydash/transit/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the departures API and realtime collector",
	RunE:  serve,
}

func serve(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	provider, err := newCache(cfg)
	if err != nil {
		return err
	}

	var repo transit.ScheduleRepository = transit.NewRepository(store)
	if provider != nil {
		cached := transit.NewCachedRepository(repo, provider, logger)
		if cfg.Cache.TTL > 0 {
			cached.TTL = cfg.Cache.TTL
		}
		repo = cached
	}

	snapshots := collector.NewSnapshotStore()
	hub := fanout.NewHub(snapshots, logger)
	if cfg.Fanout.QueueCapacity > 0 {
		hub.QueueCapacity = cfg.Fanout.QueueCapacity
	}
	if cfg.Fanout.ReorderWindow > 0 {
		hub.ReorderWindow = cfg.Fanout.ReorderWindow
	}

	sources, err := collectorSources(cfg)
	if err != nil {
		return err
	}
	coll := collector.NewCollector(
		downloader.NewMemory(),
		snapshots,
		hub.Publish,
		logger,
		sources,
	)
	if cfg.Collector.DegradedAfter > 0 {
		coll.DegradedAfter = cfg.Collector.DegradedAfter
	}
	if cfg.Collector.DegradedIntervalFactor > 0 {
		coll.DegradedIntervalFactor = cfg.Collector.DegradedIntervalFactor
	}

	queries := transit.NewQueryService(repo, snapshots, logger)
	if cfg.Query.MaxLimit > 0 {
		queries.MaxLimit = cfg.Query.MaxLimit
	}
	server := api.NewServer(queries, hub, coll, logger)

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	server.RegisterRoutes(engine)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coll.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func collectorSources(cfg *config.Config) ([]collector.Source, error) {
	sources := make([]collector.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		kind := model.FeedKind(src.Kind)
		switch kind {
		case model.FeedKindTripUpdates, model.FeedKindVehiclePositions, model.FeedKindAlerts:
		default:
			return nil, fmt.Errorf("source '%s' has unknown kind '%s'", src.ID, src.Kind)
		}
		sources = append(sources, collector.Source{
			ID:           src.ID,
			URL:          src.URL,
			Kind:         kind,
			Headers:      src.Headers,
			PollInterval: src.PollInterval,
			Timeout:      src.Timeout,
		})
	}
	return sources, nil
}
