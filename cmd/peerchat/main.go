package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerchat/internal/config"
	"peerchat/internal/constants"
	"peerchat/internal/database"
	"peerchat/internal/models"
	"peerchat/internal/notify"
	"peerchat/internal/pubsub"
	"peerchat/internal/retry"
	"peerchat/internal/service"
	"peerchat/internal/tracing"
	"peerchat/internal/validation"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message bodies)")
	configPath = flag.String("config", constants.DefaultConfigPath, "Path to configuration file")
	envPath    = flag.String("env", ".env", "Path to .env file")
	hostFlag   = flag.String("host", "", "Listen host (overrides config)")
	portFlag   = flag.Int("port", -1, "Listen port, 0 picks any free port (overrides config)")
	nickFlag   = flag.String("nickname", "", "Nickname (overrides config)")
	daemon     = flag.Bool("daemon", false, "Run without the interactive shell")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("peerchat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	if *daemon {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx = configureLogging(ctx, logger, cfg.LogLevel, *verbose)

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Debug("Starting peerchat")

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	shell := NewShell(os.Stdin, os.Stdout, time.Local)
	defer shell.Close()

	if cfg.Node.Nickname == "" {
		if *daemon {
			return fmt.Errorf("a nickname is required in daemon mode")
		}
		answer, err := shell.Prompt(ctx, "Enter your nickname: ")
		if err != nil {
			return fmt.Errorf("you must provide a nickname: %w", err)
		}
		cfg.Node.Nickname = answer
	}
	if err := validation.ValidateNickname(cfg.Node.Nickname); err != nil {
		return fmt.Errorf("invalid nickname: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notifications.Enabled {
		notifier = notify.NewDesktopNotifier(cfg.Notifications.AppName)
	}

	node, err := service.NewNode(*cfg, db, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer func() {
		if err := node.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop node cleanly")
		}
	}()

	var topics TopicService
	if cfg.PubSub.Enabled {
		svc, err := startPubSub(ctx, cfg.PubSub, db, notifier, node, logger)
		if err != nil {
			logger.Warnf("Pub/sub unavailable: %v", err)
		} else {
			topics = svc
			defer svc.Close()
		}
	}

	watcher := config.NewConfigWatcher(*configPath, cfg, 0, logger)
	watcher.OnConfigChange(config.LogLevelUpdater(logger, *verbose))
	go watcher.Start(ctx)

	var serverErrCh <-chan error
	if cfg.Admin.Enabled {
		server := NewServer(node, cfg.Admin.Addr, logger)
		errCh, err := server.Start()
		if err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		serverErrCh = errCh
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to shutdown admin server gracefully")
			}
		}()
	}

	shellDone := make(chan error, 1)
	if *daemon {
		logger.WithField("port", node.Port()).Info("Running in daemon mode")
	} else {
		go func() { shellDone <- shell.Run(ctx, node, topics) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-shellDone:
		return err
	case err, ok := <-serverErrCh:
		if ok && err != nil {
			return fmt.Errorf("admin server error: %w", err)
		}
	}
	return nil
}

func applyFlags(cfg *models.Config) {
	if *hostFlag != "" {
		cfg.Node.Host = *hostFlag
	}
	if *portFlag >= 0 {
		cfg.Node.Port = *portFlag
	}
	if *nickFlag != "" {
		cfg.Node.Nickname = *nickFlag
	}
}

// configureLogging sets the logger level and returns ctx carrying the verbose
// flag. Everything started from the returned ctx, including the listener and
// scheduler loops, logs message bodies only when verbose is set.
func configureLogging(ctx context.Context, logger *logrus.Logger, level string, verbose bool) context.Context {
	configureLogLevel(logger, level, verbose)
	return service.WithVerbose(ctx, verbose)
}

func configureLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message bodies will be logged")
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// openDatabase opens the store with exponential backoff, covering a
// database file briefly locked by another process.
func openDatabase(ctx context.Context, path string, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultDatabaseInitBackoffMs * time.Millisecond,
		MaxDelay:     constants.DefaultMaxBackoffMs * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseInitAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

func startPubSub(ctx context.Context, cfg models.PubSubConfig, db *database.Database, notifier notify.Notifier, node *service.Node, logger *logrus.Logger) (*pubsub.Service, error) {
	broker := pubsub.NewRedisBroker(pubsub.NewRedisClient(cfg), logger)

	pingCtx, cancel := context.WithTimeout(ctx, constants.DefaultSendTimeoutSec*time.Second)
	defer cancel()
	if err := broker.Ping(pingCtx); err != nil {
		_ = broker.Close()
		return nil, err
	}

	svc := pubsub.NewService(broker, db, notifier, node.Nickname(), logger)
	svc.SetObserver(topicEvents(node.Events()))
	logger.WithField("redis_addr", cfg.RedisAddr).Info("Pub/sub connected")
	return svc, nil
}

// topicEvents forwards recorded topic traffic onto the node's event hub.
func topicEvents(hub *service.EventHub) pubsub.Observer {
	return func(env pubsub.Envelope, status models.MessageStatus, id int64) {
		kind := service.EventPublished
		if status == models.MessageStatusReceived {
			kind = service.EventReceived
		}
		hub.Publish(service.Event{
			Kind:      kind,
			MessageID: id,
			Sender:    env.From,
			Receiver:  env.Topic,
			Topic:     env.Topic,
			Status:    status,
			Body:      env.Message,
		})
	}
}
