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
	"time"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"

	"github.com/ChatLabHQ/ChatLab/internal/api"
	"github.com/ChatLabHQ/ChatLab/internal/bot"
	"github.com/ChatLabHQ/ChatLab/internal/chat"
	"github.com/ChatLabHQ/ChatLab/internal/lockfile"
	"github.com/ChatLabHQ/ChatLab/internal/notify"
	"github.com/ChatLabHQ/ChatLab/internal/store"
	"github.com/ChatLabHQ/ChatLab/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatLab state data
	DefaultStateDir = "/var/lib/chatlab"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatlab.db"
	// DefaultCredentialsFileName is the default admin credentials filename
	DefaultCredentialsFileName = "admin_credentials.json"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := store.FromDSN(*flags.dbDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err, "dsn_set", *flags.dbDSN != "")
		os.Exit(1)
	}
	defer st.Close()

	responder := buildResponder(flags)
	notifier := notify.FromEnv()
	hub := chat.NewHub()

	srv, err := api.NewServer(st, responder, hub, notifier, buildAPIOptions(flags)...)
	if err != nil {
		slog.Error("Failed to build API server", "error", err)
		os.Exit(1)
	}
	if config.AdminUser != "" && config.AdminPass != "" {
		if err := srv.SetAdminCredentials(config.AdminUser, config.AdminPass); err != nil {
			slog.Error("Failed to store admin credentials", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := store.NewSessionSweeper(st, 0, time.Duration(config.InactivityMinutes)*time.Minute)
	sweeper.OnAbandon(func(sessionID string) {
		hub.CloseSession(sessionID)
		notifyAbandoned(ctx, st, notifier, sessionID)
	})
	go sweeper.Run(ctx)

	printParticipantQR(flags)

	slog.Info("Bootstrapping ChatLab", "api_addr", *flags.apiAddr, "dsn_set", *flags.dbDSN != "")
	if err := srv.Run(ctx); err != nil {
		slog.Error("ChatLab failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatLab exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	StateDir          string
	OpenAIKey         string
	OpenAIBaseURL     string
	BotModel          string
	APIAddr           string
	PublicURL         string
	AdminUser         string
	AdminPass         string
	InactivityMinutes int
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	openaiBaseURL *string
	botModel      *string
	apiAddr       *string
	publicURL     *string
	printQR       *bool
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
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          util.GetenvDefault("CHATLAB_STATE_DIR", DefaultStateDir),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		BotModel:          os.Getenv("CHATLAB_BOT_MODEL"),
		APIAddr:           os.Getenv("API_ADDR"),
		PublicURL:         os.Getenv("CHATLAB_PUBLIC_URL"),
		AdminUser:         os.Getenv("CHATLAB_ADMIN_USERNAME"),
		AdminPass:         os.Getenv("CHATLAB_ADMIN_PASSWORD"),
		InactivityMinutes: util.ParseIntEnv("CHATLAB_INACTIVITY_MINUTES", 0),
	}

	// Default to SQLite in the state directory when no database URL is set.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CHATLAB_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_BASE_URL_SET", config.OpenAIBaseURL != "",
		"CHATLAB_BOT_MODEL", config.BotModel,
		"API_ADDR", config.APIAddr,
		"CHATLAB_PUBLIC_URL", config.PublicURL,
		"ADMIN_CREDENTIALS_SET", config.AdminUser != "" && config.AdminPass != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for ChatLab data (overrides $CHATLAB_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "API key for the chat completion endpoint (overrides $OPENAI_API_KEY)"),
		openaiBaseURL: flag.String("openai-base-url", config.OpenAIBaseURL, "base URL for an OpenAI-compatible endpoint (overrides $OPENAI_BASE_URL)"),
		botModel:      flag.String("bot-model", config.BotModel, "default chat bot model (overrides $CHATLAB_BOT_MODEL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:     flag.String("public-url", config.PublicURL, "public base URL participants join through (overrides $CHATLAB_PUBLIC_URL)"),
		printQR:       flag.Bool("qr", true, "print the participant join link as a terminal QR code"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiBaseURLSet", *flags.openaiBaseURL != "",
		"botModel", *flags.botModel,
		"apiAddr", *flags.apiAddr,
		"publicURL", *flags.publicURL)

	// Follow the state directory when the DSN defaulted from it.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "postgresql://") {
		dbDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildResponder constructs the bot client. ChatLab runs without one; chat
// sessions then simply get no bot replies.
func buildResponder(flags Flags) bot.Responder {
	if *flags.openaiKey == "" && *flags.openaiBaseURL == "" {
		slog.Warn("No completion endpoint configured, bot replies disabled")
		return nil
	}
	var botOpts []bot.Option
	if *flags.openaiKey != "" {
		botOpts = append(botOpts, bot.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiBaseURL != "" {
		botOpts = append(botOpts, bot.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.botModel != "" {
		botOpts = append(botOpts, bot.WithDefaultModel(*flags.botModel))
	}
	client, err := bot.NewClient(botOpts...)
	if err != nil {
		slog.Error("Failed to build bot client, bot replies disabled", "error", err)
		return nil
	}
	return client
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithCredentialsFile(filepath.Join(*flags.stateDir, DefaultCredentialsFileName)),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// notifyAbandoned sends the abandonment notification for a swept session.
func notifyAbandoned(ctx context.Context, st store.Store, notifier notify.Notifier, sessionID string) {
	experimentName := ""
	sess, err := st.GetSession(sessionID)
	if err == nil && sess != nil && sess.ExperimentID != "" {
		if exp, err := st.GetExperiment(sess.ExperimentID); err == nil && exp != nil {
			experimentName = exp.Name
		}
	}
	if err := notifier.SessionAbandoned(ctx, experimentName, sessionID); err != nil {
		slog.Warn("Abandonment notification failed", "error", err, "session_id", sessionID)
	}
}

// printParticipantQR renders the participant join link as a QR code so
// lab-room devices can be pointed at the study without typing a URL.
func printParticipantQR(flags Flags) {
	if !*flags.printQR || *flags.publicURL == "" {
		return
	}
	joinURL := strings.TrimSuffix(*flags.publicURL, "/") + "/chat"
	slog.Info("Participant join link", "url", joinURL)
	qrterminal.GenerateHalfBlock(joinURL, qrterminal.L, os.Stdout)
}
