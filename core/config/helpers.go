package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Validate rejects combinations the processes cannot start with.
func (c *Config) Validate() error {
	err := validation.Errors{
		"DB_DRIVER":                validation.Validate(c.Database.Driver, validation.In("sqlite", "postgres")),
		"EVENTBUS_DRIVER":          validation.Validate(c.EventBus.Driver, validation.In("memory", "valkey", "postgres")),
		"RPC_TRANSPORT":            validation.Validate(c.RPC.Transport, validation.In("memory", "valkey", "nats")),
		"RPC_TIMEOUT":              validation.Validate(c.RPC.Timeout, validation.Min(time.Second)),
		"GREENAPI_POLL_INTERVAL":   validation.Validate(c.GreenAPI.PollInterval, validation.Min(time.Second)),
		"AUTO_REPLY_INTERVAL":      validation.Validate(c.AutoReply.Interval, validation.Min(time.Minute)),
		"MESSAGE_WORKER_POOL_SIZE": validation.Validate(c.WorkerPool.Size, validation.Min(1), validation.Max(1000)),
	}.Filter()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.EventBus.Driver == "valkey" && !c.Valkey.Enabled {
		return fmt.Errorf("invalid configuration: EVENTBUS_DRIVER=valkey requires VALKEY_ENABLED")
	}
	if c.RPC.Transport == "valkey" && !c.Valkey.Enabled {
		return fmt.Errorf("invalid configuration: RPC_TRANSPORT=valkey requires VALKEY_ENABLED")
	}
	if c.EventBus.Driver == "postgres" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid configuration: EVENTBUS_DRIVER=postgres requires DB_DRIVER=postgres")
	}
	if c.RPC.Transport == "nats" && len(c.Nats.Servers) == 0 {
		return fmt.Errorf("invalid configuration: RPC_TRANSPORT=nats requires NATS_URL")
	}
	return nil
}

// PostgresDSN is the keyword/value DSN shared by GORM and the LISTEN
// connection.
func (d DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port)
}

// Helpers. Keys are looked up through viper so bound flags win over env.
func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(viper.GetString(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := viper.GetString(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := viper.GetString(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := viper.GetString(key); v != "" {
		vLower := strings.ToLower(v)
		return vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
	}
	return fallback
}

// getEnvDuration accepts Go durations ("45s", "2m") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(viper.GetString(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := viper.GetString(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
