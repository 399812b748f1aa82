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

	"github.com/BTreeMap/NiaCoach/internal/api"
	"github.com/BTreeMap/NiaCoach/internal/documents"
	"github.com/BTreeMap/NiaCoach/internal/genai"
	"github.com/BTreeMap/NiaCoach/internal/lock"
	"github.com/BTreeMap/NiaCoach/internal/lockfile"
	"github.com/BTreeMap/NiaCoach/internal/store"
	"github.com/BTreeMap/NiaCoach/internal/util"
	"github.com/BTreeMap/NiaCoach/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for NiaCoach state data
	DefaultStateDir = "/var/lib/niacoach"
	// DefaultAppDBFileName is the default SQLite database for profiles, transcripts and queues
	DefaultAppDBFileName = "niacoach.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// DefaultBreakerFailures is how many consecutive model failures open the circuit
	DefaultBreakerFailures = 5
)

func main() {
	initializeLogger("")

	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	stateLock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags, config)
	apiOpts := buildAPIOptions(flags, config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	slog.Info("Bootstrapping NiaCoach with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "app_dsn_type", store.DetectDSNType(*flags.appDBDSN), "api_addr", *flags.apiAddr)
	runErr := api.Run(ctx, waOpts, storeOpts, genaiOpts, apiOpts)
	stop()

	if err := stateLock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("NiaCoach failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("NiaCoach exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	LogLevel         string

	OpenAIKey       string
	OpenAIModel     string
	GenAIDebug      bool
	BreakerFailures int
	BreakerTimeout  time.Duration

	APIAddr        string
	PersonaFile    string
	JobPoll        time.Duration
	OutboxPoll     time.Duration
	ShutdownPeriod time.Duration

	UseTwilio       bool
	TwilioPublicURL string

	GoogleCredentials string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	openaiKey     *string
	apiAddr       *string
	personaFile   *string
	useTwilio     *bool
}

// initializeLogger sets up structured logging. Unknown or empty levels mean debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:      os.Getenv("NIACOACH_STATE_DIR"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		LogLevel:      os.Getenv("NIACOACH_LOG_LEVEL"),

		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		GenAIDebug:      util.ParseBoolEnv("GENAI_DEBUG", false),
		BreakerFailures: util.ParseIntEnv("GENAI_BREAKER_FAILURES", DefaultBreakerFailures),
		BreakerTimeout:  util.ParseDurationEnv("GENAI_BREAKER_TIMEOUT", 30*time.Second),

		APIAddr:        os.Getenv("API_ADDR"),
		PersonaFile:    os.Getenv("PERSONA_FILE"),
		JobPoll:        util.ParseDurationEnv("JOB_POLL_INTERVAL", api.DefaultJobPollInterval),
		OutboxPoll:     util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", api.DefaultOutboxInterval),
		ShutdownPeriod: util.ParseDurationEnv("SHUTDOWN_TIMEOUT", api.DefaultShutdownTimeout),

		UseTwilio:       util.ParseBoolEnv("USE_TWILIO", false),
		TwilioPublicURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		GoogleCredentials: os.Getenv("GOOGLE_CREDENTIALS_FILE"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    util.GetenvDefault("MINIO_BUCKET", "niacoach-exports"),
		MinioUseSSL:    util.ParseBoolEnv("MINIO_USE_SSL", true),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       util.ParseIntEnv("REDIS_DB", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No NIACOACH_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_DSN wins over the older DATABASE_URL name.
	config.ApplicationDBDSN = os.Getenv("DATABASE_DSN")
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No application database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WhatsApp database DSN provided, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}

	slog.Debug("environment variables loaded",
		"NIACOACH_STATE_DIR", config.StateDir,
		"app_dsn_type", store.DetectDSNType(config.ApplicationDBDSN),
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"USE_TWILIO", config.UseTwilio,
		"GOOGLE_CREDENTIALS_SET", config.GoogleCredentials != "",
		"MINIO_ENDPOINT", config.MinioEndpoint,
		"REDIS_ADDR", config.RedisAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for NiaCoach data (overrides $NIACOACH_STATE_DIR)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      flag.String("app-db-dsn", config.ApplicationDBDSN, "database DSN for application data (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		personaFile:   flag.String("persona", config.PersonaFile, "coach persona YAML file (overrides $PERSONA_FILE)"),
		useTwilio:     flag.Bool("twilio", config.UseTwilio, "use Twilio instead of a linked WhatsApp device (overrides $USE_TWILIO)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"persona", *flags.personaFile,
		"twilio", *flags.useTwilio)

	retargetStateDir(config, flags)
	return flags
}

// retargetStateDir moves defaulted database paths into a state directory
// given on the command line. Explicit DSNs are left alone.
func retargetStateDir(config Config, flags Flags) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "state_dir", *flags.stateDir)
	}
	if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
		*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		slog.Debug("Updated application DSN based on state directory", "state_dir", *flags.stateDir)
	}
}

// ensureDirectoriesExist creates the state directory and the parents of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	for _, dsn := range []string{*flags.whatsappDBDSN, *flags.appDBDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
		dirs = append(dirs, filepath.Dir(path))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN == "" {
		return storeOpts
	}
	if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.appDBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, config Config) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true), genai.WithStateDir(*flags.stateDir))
	}
	if config.BreakerFailures > 0 {
		genaiOpts = append(genaiOpts, genai.WithCircuitBreaker(uint32(config.BreakerFailures), config.BreakerTimeout))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server and integration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithPollIntervals(config.JobPoll, config.OutboxPoll),
		api.WithShutdownTimeout(config.ShutdownPeriod),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.personaFile != "" {
		apiOpts = append(apiOpts, api.WithPersonaFile(*flags.personaFile))
	}
	if *flags.useTwilio {
		// Credentials come from TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
		apiOpts = append(apiOpts, api.WithTwilio(config.TwilioPublicURL))
	}
	if config.GoogleCredentials != "" {
		apiOpts = append(apiOpts, api.WithGoogleDocs(documents.WithCredentialsFile(config.GoogleCredentials)))
	}
	if config.MinioEndpoint != "" {
		apiOpts = append(apiOpts, api.WithMinio(documents.MinioOpts{
			Endpoint:  config.MinioEndpoint,
			AccessKey: config.MinioAccessKey,
			SecretKey: config.MinioSecretKey,
			Bucket:    config.MinioBucket,
			Prefix:    "journals/",
			UseSSL:    config.MinioUseSSL,
		}))
	}
	if config.RedisAddr != "" {
		apiOpts = append(apiOpts, api.WithRedisLocker(
			lock.WithRedisAddr(config.RedisAddr),
			lock.WithRedisPassword(config.RedisPassword),
			lock.WithRedisDB(config.RedisDB),
		))
	}
	return apiOpts
}
