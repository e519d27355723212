// Package configs provides process configuration loaded from environment
// variables and the user settings persisted under the data path.
package configs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig holds all process configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DataPath is the root of every persisted file (settings, candles,
	// simulation artifacts, logs).
	DataPath string

	// DBDSN is the ClickHouse connection string.
	DBDSN string

	// LogLevel is a logrus level name.
	LogLevel string

	// ServerPort is the read API listen port.
	ServerPort string

	// Ingester contains settings for the Kafka-to-ClickHouse ingester.
	Ingester IngesterConfig

	// KafkaCandle contains Kafka settings for closed candles.
	KafkaCandle KafkaConfig

	// PublishCandles turns on the collector's Kafka sink.
	PublishCandles bool
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// Topic is the Kafka topic for candle data.
	Topic string

	// GroupID is the consumer group ID for the ingester.
	GroupID string
}

// IngesterConfig holds settings for batch processing.
type IngesterConfig struct {
	// BatchSize is the maximum number of candles to accumulate before flushing.
	BatchSize int

	// BatchTimeoutSeconds is the maximum seconds to wait before flushing.
	BatchTimeoutSeconds int
}

// getDatabaseDSN constructs the ClickHouse DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "user")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "password")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "db")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "perpdesk-data"
	}
	return filepath.Join(home, ".perpdesk")
}

// AppLoad loads all process configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		DataPath:   getEnv("DATAPATH", defaultDataPath()),
		DBDSN:      getDatabaseDSN(),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ServerPort: getEnv("SERVER_PORT", "8080"),
		KafkaCandle: KafkaConfig{
			Broker:  getEnv("KAFKA_BROKER", "localhost:9092"),
			Topic:   getEnv("KAFKA_CANDLE_TOPIC", "perpdesk_candles"),
			GroupID: getEnv("KAFKA_CANDLE_GROUP_ID", "perpdesk-candle-ingester"),
		},
		PublishCandles: getEnvBool("PUBLISH_CANDLES", false),
		Ingester: IngesterConfig{
			BatchSize:           getEnvInt("BATCH_SIZE", 200),
			BatchTimeoutSeconds: getEnvInt("BATCH_TIMEOUT_SECONDS", 5),
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
