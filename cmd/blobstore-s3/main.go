package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/koustreak/blobstore-s3/internal/blobstore"
	"github.com/koustreak/blobstore-s3/internal/config"
	"github.com/koustreak/blobstore-s3/internal/logger"
	"github.com/koustreak/blobstore-s3/internal/provider"
	"github.com/koustreak/blobstore-s3/internal/registry"
	"github.com/koustreak/blobstore-s3/internal/rpc"
	"github.com/koustreak/blobstore-s3/internal/server"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML host configuration",
		EnvVars: []string{"BLOBSTORE_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address to listen on (overrides server.listen)",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error (overrides log.level)",
	},
	&cli.StringFlag{
		Name:  "log-format",
		Usage: "json or console (overrides log.format)",
	},
}

func main() {
	app := &cli.App{
		Name:   "blobstore-s3",
		Usage:  "Serve the blobstore interface over S3 for linked tenants",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	if v := cCtx.String("listen-addr"); v != "" {
		cfg.Server.Listen = v
	}
	if v := cCtx.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cCtx.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	log := logger.New(logCfg).With().Str("instance", uuid.NewString()).Logger()
	logger.SetGlobal(log)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var sink blobstore.ChunkSink
	if cfg.Download.CallbackURL != "" {
		sink = server.NewHTTPSink(cfg.Download.CallbackURL, &http.Client{Timeout: cfg.Download.Timeout})
	} else {
		log.Warn("download.callback_url is not set, start_download will be refused")
	}

	reg := registry.New(log)
	svc := blobstore.New(reg, blobstore.Options{
		Sink:                sink,
		ChunkSize:           cfg.Download.ChunkSize,
		MaxChunkSize:        cfg.Download.MaxChunkSize,
		MaxUploadBytes:      cfg.Upload.MaxBytes,
		UploadIdleTimeout:   cfg.Upload.IdleTimeout,
		MaxUploadsPerTenant: cfg.Upload.MaxSessionsPerTenant,
		DownloadTimeout:     cfg.Download.Timeout,
		ListPageSize:        cfg.List.PageSize,
		Logger:              log,
	})
	prov := provider.New(reg, svc, nil, log)
	defer prov.Shutdown()

	router := rpc.New(svc, rpc.Options{
		Interface: cfg.RPC.Interface,
		Metrics:   rpc.NewMetrics(promReg),
		Logger:    log,
	})

	ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Static links fail the start: a configured tenant that cannot be served
	// is an operator error.
	tenants := make([]string, 0, len(cfg.Links))
	for id := range cfg.Links {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)
	for _, id := range tenants {
		if err := prov.Link(ctx, id, cfg.Links[id]); err != nil {
			return err
		}
	}

	srv := server.New(&server.Config{
		ListenAddr: cfg.Server.Listen,
		Gatherer:   promReg,
		Log:        log,
	}, router, prov)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
