package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	_ "github.com/lib/pq"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry"
	"github.com/shelfmark/custodian/runtime"
	"github.com/shelfmark/custodian/web"
	"github.com/shelfmark/custodian/workers"
)

var version = "Dev"

func main() {
	config := runtime.LoadConfig("custodian.toml")

	// if we have a custom version, use it
	if version != "Dev" {
		config.Version = version
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		log.Fatalf("invalid log level %s", config.LogLevel)
	}

	// configure our logger
	logHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logHandler))

	logger := slog.With("comp", "main")
	logger.Info("starting custodian", "version", config.Version)

	// if we have a DSN entry, try to initialize it
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:           config.SentryDSN,
			EnableTracing: false,
		})
		if err != nil {
			log.Fatalf("error initiating sentry client, error %s, dsn %s", err, config.SentryDSN)
		}

		defer sentry.Flush(2 * time.Second)

		logger = slog.New(
			slogmulti.Fanout(
				logHandler,
				slogsentry.Option{Level: slog.LevelError}.NewSentryHandler(),
			),
		)
		logger = logger.With("release", config.Version)
		slog.SetDefault(logger)
	}

	rt, err := runtime.NewRuntime(config)
	if err != nil {
		logger.Error("error creating runtime", "error", err)
		os.Exit(1)
	}
	if err := rt.Start(); err != nil {
		logger.Error("unable to start runtime", "error", err)
		os.Exit(1)
	}

	service := workers.NewService(rt)
	service.Start()

	server := web.NewServer(rt, service)
	server.Start()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("stopping", "signal", <-ch)

	// stop scheduling new poll cycles and let in-flight cycles drain
	server.Stop()
	service.Stop()
	rt.Stop()
}
