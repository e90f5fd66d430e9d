package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Bot      BotConfig
	Roster   RosterConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
}

// ServerConfig holds operator HTTP API settings. An empty Port disables the API.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
}

// BotConfig holds Telegram settings.
type BotConfig struct {
	Token    string
	Channel  string // @username or numeric id of the announcement channel
	AdminIDs []int64
	Debug    bool
}

// RosterConfig tunes the command surface.
type RosterConfig struct {
	CreatePolicy     string // open | admin
	TransportTimeout time.Duration
	NotifyTimeout    time.Duration
	NotifyWorkers    int
	NotifyMode       string // local | queue
	LockMode         string // local | redis
	LockTTL          time.Duration
	BotWorkers       int
}

// StoreConfig selects the roster store.
type StoreConfig struct {
	Driver          string // file | postgres
	Path            string
	CreateIfMissing bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds credentials for the export archive. An empty bucket disables it.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ExportsBucket        string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	admins, err := parseIDs(getEnv("ADMIN_IDS", ""))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout: getEnvInt("WRITE_TIMEOUT_SEC", 30),
		},
		Bot: BotConfig{
			Token:    getEnv("BOT_TOKEN", ""),
			Channel:  getEnv("CHANNEL_ID", "@kinovinomoz"),
			AdminIDs: admins,
			Debug:    getEnvBool("BOT_DEBUG", false),
		},
		Roster: RosterConfig{
			CreatePolicy:     strings.ToLower(getEnv("CREATE_POLICY", "open")),
			TransportTimeout: getEnvDuration("TRANSPORT_TIMEOUT", 10*time.Second),
			NotifyTimeout:    getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
			NotifyWorkers:    getEnvInt("NOTIFY_WORKERS", 1),
			NotifyMode:       strings.ToLower(getEnv("NOTIFY_MODE", "local")),
			LockMode:         strings.ToLower(getEnv("LOCK_MODE", "local")),
			LockTTL:          getEnvDuration("LOCK_TTL", 30*time.Second),
			BotWorkers:       getEnvInt("BOT_WORKERS", 8),
		},
		Store: StoreConfig{
			Driver:          strings.ToLower(getEnv("ROSTER_STORE", "file")),
			Path:            getEnv("ROSTER_STORE_PATH", "bot_roster.json"),
			CreateIfMissing: getEnvBool("ROSTER_STORE_CREATE", false),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "roster"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ExportsBucket:        getEnv("AWS_S3_EXPORTS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Roster.CreatePolicy {
	case "open", "admin":
	default:
		return fmt.Errorf("CREATE_POLICY must be open or admin, got %q", c.Roster.CreatePolicy)
	}
	switch c.Roster.NotifyMode {
	case "local", "queue":
	default:
		return fmt.Errorf("NOTIFY_MODE must be local or queue, got %q", c.Roster.NotifyMode)
	}
	switch c.Roster.LockMode {
	case "local", "redis":
	default:
		return fmt.Errorf("LOCK_MODE must be local or redis, got %q", c.Roster.LockMode)
	}
	switch c.Store.Driver {
	case "file", "postgres":
	default:
		return fmt.Errorf("ROSTER_STORE must be file or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "file" && c.Roster.LockMode == "redis" {
		return fmt.Errorf("LOCK_MODE=redis needs a shared store, set ROSTER_STORE=postgres")
	}
	return nil
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *Config) NeedsRedis() bool {
	return c.Roster.NotifyMode == "queue" || c.Roster.LockMode == "redis"
}

// parseIDs reads a comma-separated list of numeric ids.
func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, v := range splitTrim(s, ",") {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", v)
		}
		out = append(out, id)
	}
	return out, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("15s") or plain seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
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

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
