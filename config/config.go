package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	StorageProvider  = "postgres"
	StorageMemory    = "memory"
	StorageBolt      = "bolt"
	DeliveryLocal    = "local"
	DeliveryRedis    = "redis"
	DefaultMaxLength = 1000
)

type Config struct {
	AppPort          string
	AppMode          string
	Storage          string
	DBHost           string
	DBUser           string
	DBPassword       string
	DBName           string
	DBPort           string
	DBMaxConns       int
	BoltPath         string
	JWTSecret        string
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	DeliveryMode     string
	MessageRateLimit int
	MaxContentLength int
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:          getEnv("APP_PORT", "8080"),
		AppMode:          getEnv("APP_MODE", "debug"),
		Storage:          getEnv("STORAGE", StorageProvider),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", "postgres"),
		DBName:           getEnv("DB_NAME", "dmsync"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBMaxConns:       getEnvAsInt("DB_MAX_CONNS", 10),
		BoltPath:         getEnv("BOLT_PATH", "dmsync.db"),
		JWTSecret:        getEnv("JWT_SECRET", "change-me"),
		RedisHost:        getEnv("REDIS_HOST", ""),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvAsInt("REDIS_DB", 0),
		DeliveryMode:     getEnv("DELIVERY_MODE", DeliveryLocal),
		MessageRateLimit: getEnvAsInt("MESSAGE_RATE_LIMIT", 60),
		MaxContentLength: getEnvAsInt("MAX_CONTENT_LENGTH", DefaultMaxLength),
	}
}

// RedisEnabled reports whether a Redis host was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
