package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	ClickHouseDSN string
	ServerPort    string
	DebugMode     bool
	LogLevel      string
}

func Load() *Config {
	_ = godotenv.Load() // .env is optional

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		getEnv("CLICKHOUSE_USER", "default"),
		getEnv("CLICKHOUSE_PASSWORD", ""),
		getEnv("CLICKHOUSE_HOST", "localhost"),
		getEnv("CLICKHOUSE_TCP_PORT", "9000"),
		getEnv("CLICKHOUSE_DB", "default"),
	)

	debug, err := strconv.ParseBool(getEnv("DEBUGMODE", "false"))
	if err != nil {
		debug = false
	}

	return &Config{
		ClickHouseDSN: dsn,
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		DebugMode:     debug,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
