package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Valkey     ValkeyConfig
	Nats       NatsConfig
	EventBus   EventBusConfig
	RPC        RPCConfig
	GreenAPI   GreenAPIConfig
	Telegram   TelegramConfig
	WorkerPool WorkerPoolConfig
	AutoReply  AutoReplyConfig
	Ingest     IngestConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	Environment        string
	BaseUrl            string
	TrustedProxies     []string
	CorsAllowedOrigins []string
	ServerID           string
	StorageDir         string
	// AdminToken guards the operator routes (X-Admin-Token). Empty disables
	// them entirely.
	AdminToken string
	// SecretKey seals provider tokens at rest. Empty stores them as given.
	SecretKey string
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string // File path for SQLite, DB Name for Postgres
}

type ValkeyConfig struct {
	Enabled   bool
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

type NatsConfig struct {
	Servers       []string
	User          string
	Password      string
	SubjectPrefix string
}

type EventBusConfig struct {
	Driver        string // memory, valkey, postgres
	NotifyChannel string
}

type RPCConfig struct {
	Transport string // memory, valkey, nats
	Timeout   time.Duration
}

type GreenAPIConfig struct {
	WebhookURL        string
	WebhookToken      string
	PollInterval      time.Duration
	QRRefreshInterval time.Duration
	RefreshCooldown   time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
}

type TelegramConfig struct {
	Token       string
	WebHost     string
	MaxFileSize int64
}

type WorkerPoolConfig struct {
	Size      int
	QueueSize int
}

type AutoReplyConfig struct {
	Interval time.Duration
}

type IngestConfig struct {
	DedupTTL time.Duration
}

// Global provides access to the loaded configuration globally.
var Global *Config

// LoadEnvFiles reads .env from dir into the process environment. Variables
// already set win over the file.
func LoadEnvFiles(dir string) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
}

// LoadConfig loads configuration from flags, environment variables or defaults.
func LoadConfig() (*Config, error) {
	viper.AutomaticEnv()
	storageDir := getEnv("APP_STORAGE_DIR", "storages")

	appCfg := AppConfig{
		Version:            "v1.0.0",
		Port:               getEnv("APP_PORT", "3000"),
		Debug:              getEnvBool("APP_DEBUG", false),
		Environment:        getEnv("APP_ENV", "development"),
		BaseUrl:            getEnv("APP_BASE_URL", "http://localhost:3000"),
		TrustedProxies:     getEnvList("APP_TRUSTED_PROXIES", nil),
		CorsAllowedOrigins: getEnvList("APP_CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		ServerID:           getEnv("SERVER_ID", ""),
		StorageDir:         storageDir,
		AdminToken:         getEnv("APP_ADMIN_TOKEN", ""),
		SecretKey:          getEnv("APP_SECRET_KEY", ""),
	}

	dbDriver := strings.ToLower(getEnv("DB_DRIVER", "sqlite"))
	dbName := filepath.Join(storageDir, "bridge.db")
	if dbDriver == "postgres" {
		dbName = "bridge"
	}
	dbCfg := DatabaseConfig{
		Driver:   dbDriver,
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		Name:     getEnv("DB_NAME", dbName),
	}

	valkeyCfg := ValkeyConfig{
		Enabled:   getEnvBool("VALKEY_ENABLED", false),
		Address:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
		Password:  getEnv("VALKEY_PASSWORD", ""),
		DB:        getEnvInt("VALKEY_DB", 0),
		KeyPrefix: getEnv("VALKEY_KEY_PREFIX", "azbridge:"),
	}

	busDriver := "memory"
	switch {
	case valkeyCfg.Enabled:
		busDriver = "valkey"
	case dbDriver == "postgres":
		busDriver = "postgres"
	}
	rpcTransport := "memory"
	if valkeyCfg.Enabled {
		rpcTransport = "valkey"
	}
	natsServers := getEnvList("NATS_URL", nil)
	if len(natsServers) > 0 {
		rpcTransport = "nats"
	}

	cfg := &Config{
		App:      appCfg,
		Database: dbCfg,
		Valkey:   valkeyCfg,
		Nats: NatsConfig{
			Servers:       natsServers,
			User:          getEnv("NATS_USER", ""),
			Password:      getEnv("NATS_PASSWORD", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "azbridge.rpc"),
		},
		EventBus: EventBusConfig{
			Driver:        strings.ToLower(getEnv("EVENTBUS_DRIVER", busDriver)),
			NotifyChannel: getEnv("EVENTBUS_NOTIFY_CHANNEL", "bridge_events"),
		},
		RPC: RPCConfig{
			Transport: strings.ToLower(getEnv("RPC_TRANSPORT", rpcTransport)),
			Timeout:   getEnvDuration("RPC_TIMEOUT", 10*time.Second),
		},
		GreenAPI: GreenAPIConfig{
			WebhookURL:        getEnv("GREENAPI_WEBHOOK_URL", ""),
			WebhookToken:      getEnv("GREENAPI_WEBHOOK_TOKEN", ""),
			PollInterval:      getEnvDuration("GREENAPI_POLL_INTERVAL", 30*time.Second),
			QRRefreshInterval: getEnvDuration("GREENAPI_QR_REFRESH_INTERVAL", 20*time.Second),
			RefreshCooldown:   getEnvDuration("GREENAPI_REFRESH_COOLDOWN", 60*time.Second),
			MaxAttempts:       getEnvInt("GREENAPI_MAX_ATTEMPTS", 3),
			BaseBackoff:       getEnvDuration("GREENAPI_BASE_BACKOFF", 500*time.Millisecond),
		},
		Telegram: TelegramConfig{
			Token:       getEnv("TELEGRAM_BOT_TOKEN", ""),
			WebHost:     getEnv("TELEGRAM_WEB_HOST", hostOf(appCfg.BaseUrl)),
			MaxFileSize: getEnvInt64("TELEGRAM_MAX_FILE_SIZE", 20*1024*1024),
		},
		WorkerPool: WorkerPoolConfig{
			Size:      getEnvInt("MESSAGE_WORKER_POOL_SIZE", 20),
			QueueSize: getEnvInt("MESSAGE_WORKER_QUEUE_SIZE", 1000),
		},
		AutoReply: AutoReplyConfig{Interval: getEnvDuration("AUTO_REPLY_INTERVAL", 24*time.Hour)},
		Ingest:    IngestConfig{DedupTTL: getEnvDuration("INGEST_DEDUP_TTL", 24*time.Hour)},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Global = cfg
	return cfg, nil
}
