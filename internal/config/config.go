// internal/config/config.go
// Loads server configuration from an optional JSON file and environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erilali/chathub/internal/logger"
	"github.com/nats-io/nats.go"
)

// Storage backends for the message log and credential store.
const (
	StorageMemory = "memory"
	StorageNATS   = "nats"
	StorageRedis  = "redis"
)

// Blob store backends.
const (
	BlobsDisk   = "disk"
	BlobsS3     = "s3"
	BlobsMemory = "memory"
)

// RateLimitConfig caps inbound frames per connection. PerSecond 0 turns the
// limit off; frames over the limit are dropped, not queued.
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

type ServerConfig struct {
	Addr           string          `json:"addr"`
	StaticDir      string          `json:"static_dir"`
	AllowedOrigins []string        `json:"allowed_origins"`
	MaxFrameSize   int64           `json:"max_frame_size"`
	SendBuffer     int             `json:"send_buffer"`
	SendTimeout    Duration        `json:"send_timeout"`
	HistoryLimit   int             `json:"history_limit"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
}

type NATSConfig struct {
	URL       string   `json:"url"`
	Stream    string   `json:"stream"`
	Subject   string   `json:"subject"`
	Bucket    string   `json:"bucket"`
	Retention Duration `json:"retention"`
}

type RedisConfig struct {
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Key        string `json:"key"`
	UsersKey   string `json:"users_key"`
	MaxHistory int64  `json:"max_history"`
}

type S3Config struct {
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

type StorageConfig struct {
	Backend   string      `json:"backend"`
	Blobs     string      `json:"blobs"`
	UploadDir string      `json:"upload_dir"`
	NATS      NATSConfig  `json:"nats"`
	Redis     RedisConfig `json:"redis"`
	S3        S3Config    `json:"s3"`
}

// Config is the complete runtime configuration.
type Config struct {
	Server  ServerConfig     `json:"server"`
	Storage StorageConfig    `json:"storage"`
	Logger  logger.LogConfig `json:"logger"`
}

// Duration decodes either a Go duration string ("5s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			StaticDir:      "static",
			AllowedOrigins: []string{"*"},
			MaxFrameSize:   10<<20 + 64<<10,
			SendBuffer:     256,
			SendTimeout:    Duration(5 * time.Second),
			HistoryLimit:   50,
			RateLimit:      RateLimitConfig{PerSecond: 20, Burst: 40},
		},
		Storage: StorageConfig{
			Backend:   StorageMemory,
			Blobs:     BlobsDisk,
			UploadDir: "uploads",
			NATS: NATSConfig{
				URL:       nats.DefaultURL,
				Stream:    "CHAT",
				Subject:   "chat.messages",
				Bucket:    "USERS",
				Retention: Duration(30 * 24 * time.Hour),
			},
			Redis: RedisConfig{
				Addr:       "localhost:6379",
				Key:        "chathub:history",
				UsersKey:   "chathub:users",
				MaxHistory: 10000,
			},
			S3: S3Config{
				Prefix: "uploads/",
				Region: "us-east-1",
			},
		},
		Logger: logger.DefaultLogConfig(),
	}
}

// Load reads the JSON file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		switch {
		case err == nil:
			defer file.Close()
			if err := json.NewDecoder(file).Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("decode %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, err
		}
	}
	applyEnv(&cfg, os.Getenv)
	return sanitize(cfg), nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("CHATHUB_ADDR", &cfg.Server.Addr)
	setString("CHATHUB_STATIC_DIR", &cfg.Server.StaticDir)
	setString("CHATHUB_STORAGE", &cfg.Storage.Backend)
	setString("CHATHUB_BLOBS", &cfg.Storage.Blobs)
	setString("CHATHUB_UPLOAD_DIR", &cfg.Storage.UploadDir)
	setString("CHATHUB_LOG_LEVEL", &cfg.Logger.Level)
	setString("NATS_URL", &cfg.Storage.NATS.URL)
	setString("REDIS_ADDR", &cfg.Storage.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	setString("S3_BUCKET", &cfg.Storage.S3.Bucket)
	setString("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	setString("S3_REGION", &cfg.Storage.S3.Region)
	setString("AWS_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKey)
	setString("AWS_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretKey)

	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.Server.AllowedOrigins = cfg.Server.AllowedOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, p)
			}
		}
	}
	if v := getenv("CHATHUB_MAX_FRAME_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Server.MaxFrameSize = n
		}
	}
	if v := getenv("CHATHUB_SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Server.SendTimeout = Duration(d)
		}
	}
	if v := getenv("CHATHUB_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Server.RateLimit.PerSecond = f
		}
	}
	if v := getenv("CHATHUB_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logger.LogToJSON = b
		}
	}
}

func sanitize(cfg Config) Config {
	def := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.MaxFrameSize <= 0 {
		cfg.Server.MaxFrameSize = def.Server.MaxFrameSize
	}
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = def.Server.SendBuffer
	}
	if cfg.Server.SendTimeout <= 0 {
		cfg.Server.SendTimeout = def.Server.SendTimeout
	}
	if cfg.Server.HistoryLimit <= 0 {
		cfg.Server.HistoryLimit = def.Server.HistoryLimit
	}
	if cfg.Server.RateLimit.PerSecond < 0 {
		cfg.Server.RateLimit.PerSecond = def.Server.RateLimit.PerSecond
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case StorageMemory, StorageNATS, StorageRedis:
	default:
		cfg.Storage.Backend = def.Storage.Backend
	}
	cfg.Storage.Blobs = strings.ToLower(cfg.Storage.Blobs)
	switch cfg.Storage.Blobs {
	case BlobsDisk, BlobsS3, BlobsMemory:
	default:
		cfg.Storage.Blobs = def.Storage.Blobs
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = def.Storage.UploadDir
	}
	if cfg.Storage.NATS.Stream == "" {
		cfg.Storage.NATS.Stream = def.Storage.NATS.Stream
	}
	if cfg.Storage.NATS.Subject == "" {
		cfg.Storage.NATS.Subject = def.Storage.NATS.Subject
	}
	if cfg.Storage.NATS.Bucket == "" {
		cfg.Storage.NATS.Bucket = def.Storage.NATS.Bucket
	}
	if cfg.Storage.Redis.Key == "" {
		cfg.Storage.Redis.Key = def.Storage.Redis.Key
	}
	if cfg.Storage.Redis.UsersKey == "" {
		cfg.Storage.Redis.UsersKey = def.Storage.Redis.UsersKey
	}
	return cfg
}
