package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/convomux/convomux/internal/analysis"
	"github.com/convomux/convomux/internal/api"
	"github.com/convomux/convomux/internal/channel"
	"github.com/convomux/convomux/internal/cleanup"
	"github.com/convomux/convomux/internal/dispatch"
	"github.com/convomux/convomux/internal/events"
	"github.com/convomux/convomux/internal/lockfile"
	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/queue"
	"github.com/convomux/convomux/internal/store"
	"github.com/convomux/convomux/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Convomux state data
	DefaultStateDir = "/var/lib/convomux"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "convomux.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One Convomux per state directory
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping Convomux with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "redis_set", *flags.redisAddr != "")
	if err := run(flags); err != nil {
		slog.Error("Convomux failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("Convomux exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseDSN   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	WSTokenSecret string
	RedisAddr     string
	WebchatURL    string
	WebchatSecret string
	TwilioFrom    string
	TwilioSecret  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	wsTokenSecret *string
	redisAddr     *string
	webchatURL    *string
	webchatSecret *string
}

// initializeLogger sets up structured logging. Debug level unless
// CONVOMUX_DEBUG is explicitly disabled.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CONVOMUX_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		StateDir:      os.Getenv("CONVOMUX_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		WSTokenSecret: os.Getenv("WS_TOKEN_SECRET"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		WebchatURL:    os.Getenv("WEBCHAT_ENDPOINT"),
		WebchatSecret: os.Getenv("WEBCHAT_WEBHOOK_SECRET"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioSecret:  os.Getenv("TWILIO_WEBHOOK_SECRET"),
	}

	// DATABASE_URL is the legacy name for the application DSN
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
		if config.DatabaseDSN != "" {
			slog.Debug("Using DATABASE_URL as DATABASE_DSN", "dsn_set", true)
		}
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONVOMUX_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("CONVOMUX_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"CONVOMUX_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"WS_TOKEN_SECRET_SET", config.WSTokenSecret != "",
		"REDIS_ADDR", config.RedisAddr,
		"WEBCHAT_ENDPOINT_SET", config.WebchatURL != "",
		"TWILIO_FROM_SET", config.TwilioFrom != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for Convomux data (overrides $CONVOMUX_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseDSN, "database DSN for the application store (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		wsTokenSecret: flag.String("ws-token-secret", config.WSTokenSecret, "HMAC secret for WebSocket auth tokens (overrides $WS_TOKEN_SECRET)"),
		redisAddr:     flag.String("redis-addr", config.RedisAddr, "Redis address for cross-instance event fan-out (overrides $REDIS_ADDR)"),
		webchatURL:    flag.String("webchat-endpoint", config.WebchatURL, "webchat delivery endpoint (overrides $WEBCHAT_ENDPOINT)"),
		webchatSecret: flag.String("webchat-secret", config.WebchatSecret, "webchat webhook signing secret (overrides $WEBCHAT_WEBHOOK_SECRET)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"wsTokenSecretSet", *flags.wsTokenSecret != "",
		"redisAddr", *flags.redisAddr,
		"webchatEndpointSet", *flags.webchatURL != "")

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	// Ensure the database directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildStore opens the application store based on the configured DSN
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildRegistry registers every channel adapter with usable configuration
func buildRegistry(flags Flags) *channel.Registry {
	registry := channel.NewRegistry()

	if *flags.webchatURL != "" {
		webchat, err := channel.NewWebchatAdapter(
			channel.WithWebchatEndpoint(*flags.webchatURL),
			channel.WithWebchatSecret(*flags.webchatSecret),
		)
		if err != nil {
			slog.Warn("Webchat adapter not registered", "error", err)
		} else {
			registry.Register(webchat)
			slog.Info("Webchat adapter registered")
		}
	} else {
		slog.Debug("No webchat endpoint configured, skipping webchat adapter")
	}

	// The Twilio adapter reads its remaining credentials from the environment
	twilioAdapter, err := channel.NewTwilioAdapter()
	if err != nil {
		slog.Warn("Twilio adapter not registered", "error", err)
	} else {
		registry.Register(twilioAdapter)
		slog.Info("Twilio adapter registered")
	}

	return registry
}

// run wires the modules together and serves until interrupted
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := buildRegistry(flags)
	retrier := channel.NewRetrier(channel.DefaultBackoffBase)

	broadcaster := events.NewBroadcaster()

	var wsHandler *events.WSHandler
	if *flags.wsTokenSecret != "" {
		wsHandler = events.NewWSHandler(broadcaster, *flags.wsTokenSecret)
	} else {
		slog.Warn("No WebSocket token secret configured, realtime stream disabled")
	}

	var bridge *events.RedisBridge
	if *flags.redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *flags.redisAddr})
		defer redisClient.Close()
		bridge = events.NewRedisBridge(redisClient, broadcaster)
		slog.Info("Redis event bridge configured", "addr", *flags.redisAddr)
	}

	q := queue.NewQueue(st,
		queue.WithNotifier(broadcaster),
		queue.WithWorkerCount(util.ParseIntEnv("QUEUE_WORKERS", queue.DefaultWorkerCount)),
		queue.WithPollInterval(util.ParseDurationEnv("QUEUE_POLL_INTERVAL", queue.DefaultPollInterval)),
	)
	if *flags.openaiKey != "" {
		client, err := analysis.NewClient(analysis.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		analysis.RegisterHandlers(q, client)
	} else {
		slog.Warn("No OpenAI API key configured, analysis jobs will not execute")
	}

	deliver := func(ctx context.Context, m models.ScheduledMessage) error {
		adapter, err := registry.Get(m.ChannelType)
		if err != nil {
			return err
		}
		_, err = retrier.Send(ctx, adapter, m.ConversationID, m.Content, nil)
		return err
	}
	dispatcher := dispatch.NewDispatcher(st, deliver,
		dispatch.WithNotifier(broadcaster),
		dispatch.WithTickInterval(util.ParseDurationEnv("DISPATCH_TICK_INTERVAL", dispatch.DefaultTickInterval)),
	)

	// Clear any claims left behind by a previous crash before polling starts
	if err := q.RecoverStale(); err != nil {
		slog.Error("Failed to recover stale jobs", "error", err)
	}
	if err := dispatcher.RecoverStale(); err != nil {
		slog.Error("Failed to recover stale scheduled messages", "error", err)
	}

	sweeper := cleanup.NewRunner(st)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	deps := api.Deps{
		Queue:       q,
		Dispatcher:  dispatcher,
		Registry:    registry,
		Retrier:     retrier,
		Dedup:       st,
		Broadcaster: broadcaster,
	}
	if wsHandler != nil {
		deps.WS = wsHandler
	}
	server := api.NewServer(deps, apiOpts...)

	go q.Run(ctx)
	go dispatcher.Run(ctx)
	if bridge != nil {
		go bridge.Run(ctx)
	}

	return server.Run(ctx)
}
