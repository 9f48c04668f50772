package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr    string
	GinMode string

	// Upstream
	UpstreamURL      string
	UpstreamProvider string
	DefaultModel     string
	UpstreamTimeout  time.Duration
	StreamChunkSize  int
	DefaultStream    bool
	DebugLogging     bool

	// History: none | memory | redis | sql
	HistoryBackend  string
	MaxHistoryTurns int
	HistoryTTL      time.Duration

	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// rabbitMQ, empty URL disables async jobs
	RabbitURL   string
	RabbitQueue string

	// Optional bearer auth for /api routes
	JWTSecret string
}

// Load reads defaults, then the JSON config file (CONFIG_FILE, default config.json),
// then the environment (including a .env file). Later sources win.
func Load() Config {
	// .env is optional
	_ = godotenv.Load()

	file, err := readFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		log.Printf("[config] ignoring config file: %v", err)
	}
	return build(file)
}

// readFile decodes a flat JSON object. A missing file is not an error.
func readFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func build(file map[string]any) Config {
	get := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		switch v := file[key].(type) {
		case nil:
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		default:
			return fmt.Sprint(v)
		}
		return def
	}
	getInt := func(key string, def int) int {
		n, err := strconv.Atoi(get(key, strconv.Itoa(def)))
		if err != nil {
			return def
		}
		return n
	}
	getBool := func(key string, def bool) bool {
		b, err := strconv.ParseBool(get(key, strconv.FormatBool(def)))
		if err != nil {
			return def
		}
		return b
	}
	getDuration := func(key string, def time.Duration) time.Duration {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
		// plain numbers are seconds
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * time.Second
		}
		return def
	}

	return Config{
		Addr:    get("LISTEN_ADDR", ":8000"),
		GinMode: get("GIN_MODE", "release"),

		UpstreamURL:      get("EXTERNAL_API_URL", "http://localhost:11434/api/chat"),
		UpstreamProvider: strings.ToLower(get("UPSTREAM_PROVIDER", "ollama")),
		DefaultModel:     get("OLLAMA_MODEL", "llama3:latest"),
		UpstreamTimeout:  getDuration("UPSTREAM_TIMEOUT", 60*time.Second),
		StreamChunkSize:  getInt("STREAM_CHUNK_SIZE", 1024),
		DefaultStream:    getBool("DEFAULT_STREAM", false),
		DebugLogging:     getBool("DEBUG_LOGGING", false),

		HistoryBackend:  strings.ToLower(get("HISTORY_BACKEND", "memory")),
		MaxHistoryTurns: getInt("MAX_HISTORY_TURNS", 5),
		HistoryTTL:      getDuration("HISTORY_TTL", 0),

		DBDSN:         get("DB_DSN", ""),
		RedisAddr:     get("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: get("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		RabbitURL:   get("RABBIT_URL", ""),
		RabbitQueue: get("RABBIT_QUEUE", "chat_jobs"),

		JWTSecret: get("JWT_SECRET", ""),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}
