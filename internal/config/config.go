package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит все настройки приложения
type Config struct {
	Telegram TelegramConfig
	Exchange ExchangeConfig
	Database DatabaseConfig
	AI       AIConfig
	Engine   EngineConfig
	API      APIConfig
	LogLevel string
}

type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   int64
}

type ExchangeConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	WSURL     string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type EngineConfig struct {
	UserID           string
	Symbols          []string
	Mode             string // shadow, pilot, full
	DecisionInterval time.Duration
	PolicyPath       string
	PolicyProfile    string
}

type APIConfig struct {
	Port int
}

// Load загружает конфигурацию из .env файла
func Load() (*Config, error) {
	// Загружаем .env файл (если есть)
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	chatID, err := strconv.ParseInt(getEnv("TELEGRAM_CHAT_ID", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpenConns, err := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}

	maxIdleConns, err := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}

	connMaxLifetime, err := time.ParseDuration(getEnv("DB_CONN_MAX_LIFETIME", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	decisionInterval, err := time.ParseDuration(getEnv("DECISION_INTERVAL", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DECISION_INTERVAL: %w", err)
	}

	apiPort, err := strconv.Atoi(getEnv("API_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %w", err)
	}

	telegramEnabled, err := strconv.ParseBool(getEnv("TELEGRAM_ENABLED", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_ENABLED: %w", err)
	}

	config := &Config{
		Telegram: TelegramConfig{
			Enabled:  telegramEnabled,
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   chatID,
		},
		Exchange: ExchangeConfig{
			APIKey:    getEnv("EXCHANGE_API_KEY", ""),
			APISecret: getEnv("EXCHANGE_API_SECRET", ""),
			BaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.exchange.example.com"),
			WSURL:     getEnv("EXCHANGE_WS_URL", "wss://api.exchange.example.com/ws"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "perp_agent"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    maxOpenConns,
			MaxIdleConns:    maxIdleConns,
			ConnMaxLifetime: connMaxLifetime,
		},
		AI: AIConfig{
			APIKey:  getEnv("AI_API_KEY", ""),
			BaseURL: getEnv("AI_BASE_URL", ""),
			Model:   getEnv("AI_MODEL", "qwen-plus"),
		},
		Engine: EngineConfig{
			UserID:           getEnv("USER_ID", "default"),
			Symbols:          splitSymbols(getEnv("TRADING_SYMBOLS", "BTC,ETH")),
			Mode:             getEnv("ENGINE_MODE", "shadow"),
			DecisionInterval: decisionInterval,
			PolicyPath:       getEnv("POLICY_PATH", "risk_profiles.yaml"),
			PolicyProfile:    getEnv("POLICY_PROFILE", "moderate"),
		},
		API: APIConfig{
			Port: apiPort,
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate проверяет обязательные поля конфигурации
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("EXCHANGE_API_KEY is required")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("EXCHANGE_API_SECRET is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required when telegram is enabled")
	}
	switch c.Engine.Mode {
	case "shadow", "pilot", "full":
	default:
		return fmt.Errorf("invalid ENGINE_MODE: %s", c.Engine.Mode)
	}
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("TRADING_SYMBOLS is required")
	}
	return nil
}

func splitSymbols(raw string) []string {
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(strings.ToUpper(s))
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
