package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BranchLine/CallFlow/internal/api"
	"github.com/BranchLine/CallFlow/internal/chat"
	"github.com/BranchLine/CallFlow/internal/lockfile"
	"github.com/BranchLine/CallFlow/internal/nlu"
	"github.com/BranchLine/CallFlow/internal/recovery"
	"github.com/BranchLine/CallFlow/internal/scheduler"
	"github.com/BranchLine/CallFlow/internal/store"
	"github.com/BranchLine/CallFlow/internal/telephony"
	"github.com/BranchLine/CallFlow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CallFlow state data
	DefaultStateDir = "/var/lib/callflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "callflow.db"
	// DefaultChatDBFileName is the default SQLite database for the chat channel
	DefaultChatDBFileName = "whatsmeow.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Hold the state directory lock for the life of the process
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(flags); err != nil {
		slog.Error("CallFlow failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("CallFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	TwilioSID   string
	TwilioToken string
	ChatEnabled bool
	ChatDSN     string
	ChatCompany string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	twilioSID   *string
	twilioToken *string
	chatEnabled *bool
	chatDSN     *string
	chatCompany *string
	qrOutput    *string
	numeric     *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("CALLFLOW_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		ChatEnabled: util.ParseBoolEnv("CHAT_ENABLED", false),
		ChatDSN:     os.Getenv("CHAT_DB_DSN"),
		ChatCompany: os.Getenv("CHAT_COMPANY_KEY"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CALLFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Default to SQLite in the state directory when no database URL is provided
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.ChatDSN == "" {
		config.ChatDSN = filepath.Join(config.StateDir, DefaultChatDBFileName)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CALLFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "",
		"CHAT_ENABLED", config.ChatEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for CallFlow data (overrides $CALLFLOW_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the flow and session store (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for utterance analysis (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		twilioSID:   flag.String("twilio-account-sid", config.TwilioSID, "Twilio account SID for call control (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken: flag.String("twilio-auth-token", config.TwilioToken, "Twilio auth token for call control (overrides $TWILIO_AUTH_TOKEN)"),
		chatEnabled: flag.Bool("chat", config.ChatEnabled, "enable the WhatsApp chat channel (overrides $CHAT_ENABLED)"),
		chatDSN:     flag.String("chat-db-dsn", config.ChatDSN, "database DSN for the chat channel session store (overrides $CHAT_DB_DSN)"),
		chatCompany: flag.String("chat-company", config.ChatCompany, "company key served by the chat channel (overrides $CHAT_COMPANY_KEY)"),
		qrOutput:    flag.String("qr-output", "", "path to write chat login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric chat login code instead of QR code"),
	}

	flag.Parse()

	// Keep a relocated state directory and the default SQLite path in sync
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildStore selects a store backend from the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	// End sessions orphaned by the previous process before serving traffic
	sweeper, err := recovery.NewSweeper(recovery.WithStore(st))
	if err != nil {
		return err
	}
	if ended, err := sweeper.Run(ctx); err != nil {
		slog.Error("Startup sweep failed", "error", err)
	} else if ended > 0 {
		slog.Info("Startup sweep ended orphaned sessions", "count", ended)
	}

	apiOpts := []api.Option{api.WithStore(st)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.openaiKey != "" {
		analyzer, err := nlu.NewClient(nlu.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithAnalyzer(analyzer))
	} else {
		slog.Info("No OpenAI API key configured, utterance analysis disabled")
	}
	if *flags.twilioSID != "" && *flags.twilioToken != "" {
		calls, err := telephony.NewClient(
			telephony.WithAccountSID(*flags.twilioSID),
			telephony.WithAuthToken(*flags.twilioToken),
		)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithCallController(calls))
	} else {
		slog.Info("Twilio credentials not configured, call control disabled")
	}

	server, err := api.NewServer(apiOpts...)
	if err != nil {
		return err
	}

	if *flags.chatEnabled {
		if *flags.chatCompany == "" {
			return fmt.Errorf("chat channel requires a company key (set -chat-company or $CHAT_COMPANY_KEY)")
		}
		chatOpts := []chat.Option{chat.WithDBDSN(*flags.chatDSN)}
		if *flags.qrOutput != "" {
			chatOpts = append(chatOpts, chat.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			chatOpts = append(chatOpts, chat.WithNumericCode())
		}
		channel, err := chat.NewClient(chatOpts...)
		if err != nil {
			return err
		}
		defer channel.Close()
		server.AttachChatChannel(*flags.chatCompany, channel)
		slog.Info("Chat channel attached", "company", *flags.chatCompany)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.RegisterMaintenance(st, 0, 0); err != nil {
		return err
	}

	slog.Info("Bootstrapping CallFlow")
	return server.Run(ctx)
}
