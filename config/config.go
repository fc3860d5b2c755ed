package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	Server   ServerConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
	JWT      JWTConfig
	Log      LogConfig
	Kafka    KafkaConfig
}

type ServerConfig struct {
	OpsPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// DispatchConfig tunes the dispatch engine and the notification sweep.
type DispatchConfig struct {
	CallTimeout          time.Duration
	SweepInterval        time.Duration
	SweepShutdownTimeout time.Duration
	NearTurnThreshold    time.Duration
	ProximityThresholdKm float64
	ProximitySuppression time.Duration
	DefaultWaitEstimate  time.Duration
	TradeOfferFanout     int
}

type KafkaConfig struct {
	Brokers              []string
	ProducerRetryMax     int
	ProducerRequiredAcks int
	Enabled              bool
}

type JWTConfig struct {
	Secret string
}

type LogConfig struct {
	Level    string
	Mode     string
	Encoding string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			OpsPort:      getEnvAsInt("SERVER_OPS_PORT", 9090),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			MaxRetries:   getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		},
		Dispatch: DispatchConfig{
			CallTimeout:          getEnvAsDuration("DISPATCH_CALL_TIMEOUT", 5*time.Minute),
			SweepInterval:        getEnvAsDuration("DISPATCH_SWEEP_INTERVAL", 30*time.Second),
			SweepShutdownTimeout: getEnvAsDuration("DISPATCH_SWEEP_SHUTDOWN_TIMEOUT", 30*time.Second),
			NearTurnThreshold:    getEnvAsDuration("DISPATCH_NEAR_TURN_THRESHOLD", 5*time.Minute),
			ProximityThresholdKm: getEnvAsFloat("DISPATCH_PROXIMITY_THRESHOLD_KM", 1.0),
			ProximitySuppression: getEnvAsDuration("DISPATCH_PROXIMITY_SUPPRESSION", 1*time.Hour),
			DefaultWaitEstimate:  getEnvAsDuration("DISPATCH_DEFAULT_WAIT_ESTIMATE", 30*time.Minute),
			TradeOfferFanout:     getEnvAsInt("DISPATCH_TRADE_OFFER_FANOUT", 5),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "jwt-secret"),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Mode:     getEnv("LOG_MODE", "development"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
		Kafka: KafkaConfig{
			Brokers:              getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ProducerRetryMax:     getEnvAsInt("KAFKA_PRODUCER_RETRY_MAX", 3),
			ProducerRequiredAcks: getEnvAsInt("KAFKA_PRODUCER_REQUIRED_ACKS", 1),
			Enabled:              getEnvAsBool("KAFKA_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.OpsPort <= 0 || c.Server.OpsPort > 65535 {
		return fmt.Errorf("invalid ops port: %d", c.Server.OpsPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Dispatch.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}

	if c.Dispatch.ProximityThresholdKm <= 0 {
		return fmt.Errorf("proximity threshold must be positive")
	}

	if c.JWT.Secret == "" || c.JWT.Secret == "jwt-secret" {
		if c.Env == "production" {
			return fmt.Errorf("JWT secret must be set in production")
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	// Split by comma
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
