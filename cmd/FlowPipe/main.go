package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/mqtt"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsapp.db"
)

var validate = validator.New()

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	flags := parseCommandLineFlags(config)
	if err := flags.apply(&config); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(config, flags)
	twilioOpts := buildTwilioOptions(config)
	storeOpts := buildStoreOptions(config)
	genaiOpts := buildGenAIOptions(config)
	apiOpts := buildAPIOptions(config)

	slog.Info("Bootstrapping FlowPipe with configured modules", "provider", config.Provider)
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds the resolved process configuration.
type Config struct {
	StateDir      string        `validate:"required"`
	DatabaseURL   string
	WhatsAppDSN   string
	APIAddr       string        `default:":8080" validate:"required"`
	Provider      string        `default:"whatsapp" validate:"oneof=whatsapp twilio mock"`
	DefaultFlow   string
	SeedFile      string
	Workers       int           `default:"4" validate:"min=1,max=256"`
	PollInterval  time.Duration `default:"1s" validate:"min=10ms"`
	ActionTimeout time.Duration `default:"30s" validate:"min=1ms"`

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string
	TwilioValidate   bool

	OpenAIKey string
	RedisAddr string `validate:"omitempty,hostname_port"`

	MQTTBroker   string `validate:"omitempty,url"`
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
}

// Validate checks cross-field requirements that tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Provider == api.ProviderTwilio {
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" {
			return fmt.Errorf("twilio provider requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
	}
	return nil
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	provider      *string
	defaultFlow   *string
	seedFile      *string
	workers       *int
	pollInterval  *time.Duration
	actionTimeout *time.Duration
	openaiKey     *string
	redisAddr     *string
	mqttBroker    *string
}

// initializeLogger installs a text logger; FLOWPIPE_LOG_LEVEL overrides the
// debug default.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(os.Getenv("FLOWPIPE_LOG_LEVEL"))}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelDebug
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := defaults.Set(&config); err != nil {
		slog.Warn("failed to apply config defaults", "error", err)
	}

	config.StateDir = os.Getenv("FLOWPIPE_STATE_DIR")
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	config.DatabaseURL = os.Getenv("DATABASE_URL")
	config.WhatsAppDSN = os.Getenv("WHATSAPP_DB_DSN")
	if v := os.Getenv("API_ADDR"); v != "" {
		config.APIAddr = v
	}
	if v := os.Getenv("FLOWPIPE_PROVIDER"); v != "" {
		config.Provider = strings.ToLower(v)
	}
	config.DefaultFlow = os.Getenv("FLOWPIPE_DEFAULT_FLOW")
	config.SeedFile = os.Getenv("FLOWPIPE_SEED_FILE")
	config.Workers = util.ParseIntEnv("FLOWPIPE_WORKERS", config.Workers)
	config.PollInterval = util.ParseDurationEnv("FLOWPIPE_POLL_INTERVAL", config.PollInterval)
	config.ActionTimeout = util.ParseDurationEnv("FLOWPIPE_ACTION_TIMEOUT", config.ActionTimeout)

	config.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	config.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	config.TwilioFrom = os.Getenv("TWILIO_FROM_NUMBER")
	config.TwilioWebhookURL = os.Getenv("TWILIO_WEBHOOK_URL")
	config.TwilioValidate = util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true)

	config.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	config.RedisAddr = os.Getenv("REDIS_ADDR")
	config.MQTTBroker = os.Getenv("MQTT_BROKER")
	config.MQTTClientID = os.Getenv("MQTT_CLIENT_ID")
	config.MQTTUsername = os.Getenv("MQTT_USERNAME")
	config.MQTTPassword = os.Getenv("MQTT_PASSWORD")

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"API_ADDR", config.APIAddr,
		"FLOWPIPE_PROVIDER", config.Provider,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_ADDR", config.RedisAddr,
		"MQTT_BROKER", config.MQTTBroker)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	fs := flag.CommandLine
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		provider:      fs.String("provider", config.Provider, "messaging provider: whatsapp, twilio or mock (overrides $FLOWPIPE_PROVIDER)"),
		defaultFlow:   fs.String("default-flow", config.DefaultFlow, "flow started for contacts without a session (overrides $FLOWPIPE_DEFAULT_FLOW)"),
		seedFile:      fs.String("seed-file", config.SeedFile, "YAML file with flows and automations (overrides $FLOWPIPE_SEED_FILE)"),
		workers:       fs.Int("workers", config.Workers, "job runner workers (overrides $FLOWPIPE_WORKERS)"),
		pollInterval:  fs.Duration("poll-interval", config.PollInterval, "job and outbox poll interval (overrides $FLOWPIPE_POLL_INTERVAL)"),
		actionTimeout: fs.Duration("action-timeout", config.ActionTimeout, "per-action timeout (overrides $FLOWPIPE_ACTION_TIMEOUT)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		redisAddr:     fs.String("redis-addr", config.RedisAddr, "Redis address for the session lock (overrides $REDIS_ADDR)"),
		mqttBroker:    fs.String("mqtt-broker", config.MQTTBroker, "MQTT broker URL (overrides $MQTT_BROKER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"provider", *flags.provider,
		"workers", *flags.workers)

	return flags
}

// apply copies flag values into config, fills derived DSNs and validates the result.
func (f Flags) apply(config *Config) error {
	config.StateDir = *f.stateDir
	config.DatabaseURL = *f.dbDSN
	config.APIAddr = *f.apiAddr
	config.Provider = strings.ToLower(*f.provider)
	config.DefaultFlow = *f.defaultFlow
	config.SeedFile = *f.seedFile
	config.Workers = *f.workers
	config.PollInterval = *f.pollInterval
	config.ActionTimeout = *f.actionTimeout
	config.OpenAIKey = *f.openaiKey
	config.RedisAddr = *f.redisAddr
	config.MQTTBroker = *f.mqttBroker
	config.resolveDSNs()
	return config.Validate()
}

// resolveDSNs defaults both databases to SQLite files in the state directory.
func (c *Config) resolveDSNs() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", c.DatabaseURL)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// ensureDirectoriesExist creates the state directory and the directory of a
// file-based application database.
func ensureDirectoriesExist(config Config) error {
	dirs := []string{config.StateDir}
	if store.DetectDSNType(config.DatabaseURL) != "postgres" {
		dirs = append(dirs, filepath.Dir(config.DatabaseURL))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", config.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	var genaiOpts []genai.Option
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithProvider(config.Provider),
		api.WithStateDir(config.StateDir),
		api.WithWorkers(config.Workers),
		api.WithPollInterval(config.PollInterval),
		api.WithActionTimeout(config.ActionTimeout),
	}
	if config.DefaultFlow != "" {
		apiOpts = append(apiOpts, api.WithDefaultFlow(config.DefaultFlow))
	}
	if config.SeedFile != "" {
		apiOpts = append(apiOpts, api.WithSeedFile(config.SeedFile))
	}
	if config.RedisAddr != "" {
		apiOpts = append(apiOpts, api.WithRedisAddr(config.RedisAddr))
	}
	if config.MQTTBroker != "" {
		var mqttOpts []mqtt.Option
		if config.MQTTClientID != "" {
			mqttOpts = append(mqttOpts, mqtt.WithClientID(config.MQTTClientID))
		}
		if config.MQTTUsername != "" {
			mqttOpts = append(mqttOpts, mqtt.WithCredentials(config.MQTTUsername, config.MQTTPassword))
		}
		apiOpts = append(apiOpts, api.WithMQTTBroker(config.MQTTBroker, mqttOpts...))
	}
	if config.Provider == api.ProviderTwilio && config.TwilioValidate && config.TwilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhookValidation(config.TwilioAuthToken, config.TwilioWebhookURL))
	}
	return apiOpts
}
