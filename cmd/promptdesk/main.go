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
	"time"

	"github.com/BTreeMap/PromptDesk/internal/api"
	"github.com/BTreeMap/PromptDesk/internal/cache"
	"github.com/BTreeMap/PromptDesk/internal/evolution"
	"github.com/BTreeMap/PromptDesk/internal/flow"
	"github.com/BTreeMap/PromptDesk/internal/genai"
	"github.com/BTreeMap/PromptDesk/internal/lockfile"
	"github.com/BTreeMap/PromptDesk/internal/messaging"
	"github.com/BTreeMap/PromptDesk/internal/metrics"
	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/responder"
	"github.com/BTreeMap/PromptDesk/internal/store"
	"github.com/BTreeMap/PromptDesk/internal/util"
	"github.com/BTreeMap/PromptDesk/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PromptDesk state data
	DefaultStateDir = "/var/lib/promptdesk"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "promptdesk.db"
	// DefaultWhatsAppDBFileName is the default linked-device session database
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// userAgent identifies PromptDesk to the Evolution API
	userAgent = "PromptDesk/1.0"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PromptDesk")
	if err := run(ctx, flags); err != nil {
		slog.Error("PromptDesk failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PromptDesk exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	APIAddr           string
	OpenAIKey         string
	OpenAIModel       string
	RedisURL          string
	PreSendDelay      time.Duration
	TransferOnKeyword bool
	NameReply         string
	LinkedDevice      bool
	WhatsAppDSN       string
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	apiAddr           *string
	openaiKey         *string
	openaiModel       *string
	redisURL          *string
	preSendDelay      *time.Duration
	transferOnKeyword *bool
	nameReply         *string
	linkedDevice      *bool
	waDSN             *string
	qrOutput          *string
	numeric           *bool
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
		StateDir:          os.Getenv("PROMPTDESK_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIAddr:           os.Getenv("API_ADDR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		PreSendDelay:      util.ParseDurationEnv("PRE_SEND_DELAY", flow.DefaultPreSendDelay),
		TransferOnKeyword: util.ParseBoolEnv("TRANSFER_ON_KEYWORD", false),
		NameReply:         os.Getenv("BOT_NAME_REPLY"),
		LinkedDevice:      util.ParseBoolEnv("WHATSAPP_LINKED_DEVICE", false),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PROMPTDESK_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.NameReply == "" {
		config.NameReply = flow.DefaultNameReply
	}

	slog.Debug("environment variables loaded",
		"PROMPTDESK_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"REDIS_URL_SET", config.RedisURL != "",
		"PRE_SEND_DELAY", config.PreSendDelay,
		"TRANSFER_ON_KEYWORD", config.TransferOnKeyword,
		"WHATSAPP_LINKED_DEVICE", config.LinkedDevice,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for PromptDesk data (overrides $PROMPTDESK_STATE_DIR)"),
		dbDSN:             fs.String("db-dsn", config.DatabaseURL, "application database DSN; empty means SQLite in the state directory (overrides $DATABASE_URL)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:         fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key used when settings hold none (overrides $OPENAI_API_KEY)"),
		openaiModel:       fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		redisURL:          fs.String("redis-url", config.RedisURL, "Redis URL for attendance markers and distributed locks (overrides $REDIS_URL)"),
		preSendDelay:      fs.Duration("pre-send-delay", config.PreSendDelay, "pause before replies are sent (overrides $PRE_SEND_DELAY)"),
		transferOnKeyword: fs.Bool("transfer-on-keyword", config.TransferOnKeyword, "hand conversations to a human on transfer keywords (overrides $TRANSFER_ON_KEYWORD)"),
		nameReply:         fs.String("name-reply", config.NameReply, "fixed answer to name questions (overrides $BOT_NAME_REPLY)"),
		linkedDevice:      fs.Bool("whatsapp-linked-device", config.LinkedDevice, "connect a linked WhatsApp device (overrides $WHATSAPP_LINKED_DEVICE)"),
		waDSN:             fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "linked-device session database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:          fs.String("qr-output", "", "path to write login QR code"),
		numeric:           fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"redisURL_set", *flags.redisURL != "",
		"preSendDelay", *flags.preSendDelay,
		"transferOnKeyword", *flags.transferOnKeyword,
		"linkedDevice", *flags.linkedDevice)

	return flags
}

// databaseDSN returns the application DSN, defaulting to SQLite in the state directory.
func databaseDSN(flags Flags) string {
	if *flags.dbDSN != "" {
		return *flags.dbDSN
	}
	return filepath.Join(*flags.stateDir, DefaultDBFileName)
}

// whatsAppDSN returns the linked-device session DSN. A Postgres application
// database is shared; otherwise a separate SQLite file is used.
func whatsAppDSN(flags Flags) string {
	if *flags.waDSN != "" {
		return *flags.waDSN
	}
	if dsn := databaseDSN(flags); store.DetectDSNType(dsn) == "postgres" {
		return dsn
	}
	return "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	dsn := databaseDSN(flags)
	if store.DetectDSNType(dsn) == "sqlite3" {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	responders, err := responder.NewFactory(func(err error) {
		metrics.RecordResponderFallback()
	}, buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	flowOpts := buildFlowOptions(flags)
	if *flags.redisURL != "" {
		rc, err := cache.NewRedis(cache.WithRedisURL(*flags.redisURL))
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rc.Close()
		flowOpts = append(flowOpts, flow.WithLocker(rc), flow.WithAttendance(rc))
	}

	evo := evolution.NewClient(evolution.WithUserAgent(userAgent))
	routerOpts := []messaging.RouterOption{
		messaging.WithEvolution(evo),
		messaging.WithTwilioFactory(messaging.DefaultTwilioFactory),
	}
	var wa *whatsapp.Client
	if *flags.linkedDevice {
		wa, err = whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to start linked device: %w", err)
		}
		defer wa.Disconnect()
		routerOpts = append(routerOpts, messaging.WithWhatsmeow(wa))
	}

	orch := flow.NewOrchestrator(flow.Deps{
		Conversations: st,
		Settings:      st,
		Prompts:       st,
		Channels:      st,
		Dedup:         st,
		Dispatcher:    messaging.NewRouter(routerOpts...),
		Responders:    responders,
	}, flowOpts...)
	go func() {
		<-ctx.Done()
		orch.Close()
	}()

	if wa != nil {
		wa.OnInbound(func(evt models.InboundEvent) {
			go orch.Handle(ctx, evt)
		})
	}

	return api.NewServer(orch, st, evo, buildAPIOptions(flags)...).Run(ctx)
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(whatsAppDSN(flags))}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildGenAIOptions constructs options shared by every responder client
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildFlowOptions constructs orchestrator configuration options
func buildFlowOptions(flags Flags) []flow.Option {
	flowOpts := []flow.Option{
		flow.WithPreSendDelay(*flags.preSendDelay),
		flow.WithTransferOnKeyword(*flags.transferOnKeyword),
	}
	if *flags.nameReply != "" {
		flowOpts = append(flowOpts, flow.WithNameReply(*flags.nameReply))
	}
	if *flags.openaiKey != "" {
		flowOpts = append(flowOpts, flow.WithFallbackAPIKey(*flags.openaiKey))
	}
	return flowOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
