package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"
	_ "net/http/pprof"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	"github.com/roomcap/roomcap/archive"
	"github.com/roomcap/roomcap/config"
	"github.com/roomcap/roomcap/filter"
	"github.com/roomcap/roomcap/ingest"
	"github.com/roomcap/roomcap/liveapi"
	"github.com/roomcap/roomcap/rooms"
	"github.com/roomcap/roomcap/store"
	"github.com/roomcap/roomcap/upload"
	"github.com/roomcap/roomcap/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error())
		os.Exit(-1)
	}
}

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to the JSONC capture config (rooms, filters, endpoints)",
		Value:   "roomcap.jsonc",
		EnvVars: []string{"ROOMCAP_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "db-url",
		Usage:   "database connection string",
		Value:   "sqlite://data/roomcap/roomcap.sqlite",
		EnvVars: []string{"DATABASE_URL"},
	},
	&cli.IntFlag{
		Name:    "max-db-conn",
		Usage:   "limit on size of database connection pool",
		Value:   40,
		EnvVars: []string{"MAX_DB_CONNECTIONS"},
	},
}

func run(args []string) error {

	app := cli.App{
		Name:    "roomcap",
		Usage:   "live-stream room chat capture daemon",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"ROOMCAP_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the capture daemon",
			Action: runServe,
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:    "bind",
					Usage:   "IP or address, and port, to listen on for the HTTP API",
					Value:   ":2590",
					EnvVars: []string{"ROOMCAP_API_BIND"},
				},
				&cli.StringFlag{
					Name:    "metrics-listen",
					Usage:   "IP or address, and port, to listen on for prometheus metrics",
					Value:   ":2591",
					EnvVars: []string{"ROOMCAP_METRICS_LISTEN"},
				},
				&cli.StringFlag{
					Name:    "admin-password",
					Usage:   "secret password/token for accessing admin endpoints (random is used if not set)",
					EnvVars: []string{"ROOMCAP_ADMIN_PASSWORD"},
				},
				&cli.DurationFlag{
					Name:    "archive-interval",
					Usage:   "period between archive+upload passes",
					Value:   2 * time.Hour,
					EnvVars: []string{"ROOMCAP_ARCHIVE_INTERVAL"},
				},
				&cli.DurationFlag{
					Name:    "config-reload-interval",
					Usage:   "how often to poll the config file for changes",
					Value:   30 * time.Second,
					EnvVars: []string{"ROOMCAP_CONFIG_RELOAD_INTERVAL"},
				},
				&cli.StringFlag{
					Name:    "env",
					Value:   "dev",
					Usage:   "declared hosting environment (prod, qa, etc); used in traces",
					EnvVars: []string{"ENVIRONMENT"},
				},
				&cli.StringFlag{
					Name:    "otel-exporter-otlp-endpoint",
					EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
				},
			}, commonFlags...),
		},
		&cli.Command{
			Name:   "compact",
			Usage:  "run one compaction pass and exit",
			Action: runCompact,
			Flags:  commonFlags,
		},
		&cli.Command{
			Name:   "upload",
			Usage:  "run one upload pass and exit",
			Action: runUpload,
			Flags:  commonFlags,
		},
		&cli.Command{
			Name:   "reset-ledger",
			Usage:  "clear the upload ledger so every archive re-uploads",
			Action: runResetLedger,
			Flags:  commonFlags,
		},
	}
	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// openStore loads the capture config and the database for any subcommand.
func openStore(cctx *cli.Context, logger *slog.Logger) (*config.Config, *store.GormStore, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	dburl := cctx.String("db-url")
	maxConn := cctx.Int("max-db-conn")
	logger.Info("configuring database", "url", dburl, "maxConn", maxConn)
	db, err := cliutil.SetupDatabase(dburl, maxConn)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewGormStore(db)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func compactorConfig(cfg *config.Config) *archive.CompactorConfig {
	ccfg := archive.DefaultCompactorConfig()
	ccfg.RetentionDays = cfg.RetentionDays
	ccfg.UploadLogRetentionDays = cfg.UploadLogRetentionDays
	ccfg.RoomSnapshotRetentionDays = cfg.SnapshotRetentionDays
	return ccfg
}

func uploaderConfig(cfg *config.Config) *upload.UploaderConfig {
	ucfg := upload.DefaultUploaderConfig()
	ucfg.Endpoints = cfg.Endpoints
	ucfg.PageSize = cfg.PageSize
	ucfg.FetchTimeout = cfg.FetchTimeout()
	return ucfg
}

func runServe(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	cfg, st, err := openStore(cctx, logger)
	if err != nil {
		return err
	}

	apiCfg := liveapi.DefaultClientConfig()
	apiCfg.FetchTimeout = cfg.FetchTimeout()
	apiCfg.UID = cfg.UID
	apiCfg.DeviceID = cfg.DeviceID
	api := liveapi.NewClient(apiCfg, logger)

	buf := ingest.NewBuffer(st, logger)
	pipeline := &ingest.Pipeline{
		Filter: filter.New(cfg.IgnoreCommands, cfg.DedupCommands),
		Buffer: buf,
	}

	sup := rooms.NewSupervisor(nil, api, pipeline, st, logger)
	sup.SetNotifier(newLogNotifier(logger, cfg.NotifyRooms()))

	compactor := archive.NewCompactor(st, compactorConfig(cfg), logger)
	uploader := upload.NewUploader(st, uploaderConfig(cfg), logger)

	svcConfig := DefaultServiceConfig()
	svcConfig.ArchiveInterval = cctx.Duration("archive-interval")
	if cctx.IsSet("admin-password") {
		svcConfig.AdminPassword = cctx.String("admin-password")
	} else {
		var rblob [10]byte
		_, _ = rand.Read(rblob[:])
		svcConfig.AdminPassword = base64.URLEncoding.EncodeToString(rblob[:])
		logger.Info("generated random admin password", "username", "admin", "password", svcConfig.AdminPassword)
	}

	svc := NewService(st, pipeline, sup, compactor, uploader, svcConfig, logger)

	// start metrics endpoint
	go func() {
		if err := svc.StartMetrics(cctx.String("metrics-listen")); err != nil {
			logger.Error("failed to start metrics endpoint", "err", err)
			os.Exit(1)
		}
	}()

	if err := setupOTEL(cctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go buf.Run(ctx)
	go sup.Run(ctx)
	go svc.RunArchival(ctx)
	sup.Sync(ctx, cfg.EnabledRoomIDs())

	go config.Watch(ctx, cctx.String("config"), cctx.Duration("config-reload-interval"), logger, func(next *config.Config) {
		pipeline.Filter.SetCommandSets(next.IgnoreCommands, next.DedupCommands)
		sup.SetNotifier(newLogNotifier(logger, next.NotifyRooms()))
		compactor.SetConfig(compactorConfig(next))
		uploader.SetConfig(uploaderConfig(next))
		sup.Sync(ctx, next.EnabledRoomIDs())
	})

	svcErr := make(chan error, 1)
	go func() {
		svcErr <- svc.StartAPI(cctx.String("bind"))
	}()

	logger.Info("startup complete", "rooms", len(cfg.EnabledRoomIDs()))
	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-svcErr:
		if err != nil {
			logger.Error("error during startup", "err", err)
		}
		logger.Info("shutting down")
	}

	cancel()
	if err := svc.Shutdown(); err != nil {
		logger.Error("error during shutdown", "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func runCompact(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)
	cfg, st, err := openStore(cctx, logger)
	if err != nil {
		return err
	}
	return archive.NewCompactor(st, compactorConfig(cfg), logger).RunPass(cctx.Context)
}

func runUpload(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)
	cfg, st, err := openStore(cctx, logger)
	if err != nil {
		return err
	}
	return upload.NewUploader(st, uploaderConfig(cfg), logger).RunPass(cctx.Context)
}

func runResetLedger(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)
	_, st, err := openStore(cctx, logger)
	if err != nil {
		return err
	}
	if err := st.ClearLedger(cctx.Context); err != nil {
		return err
	}
	logger.Info("upload ledger cleared")
	return nil
}
