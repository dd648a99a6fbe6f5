package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the inbox service.
type Config struct {
	Port           string
	DatabaseURL    string
	RealtimeSource string // "local" or "postgres"
	APIToken       string
	LogLevel       string
	LogFormat      string

	ClinicID            string
	RoutingDepartmentID string

	MetaWebhookPath   string
	MetaVerifyToken   string
	MetaAppSecret     string
	MetaAccessToken   string
	MetaPhoneNumberID string
	MetaAPIVersion    string
	MetaGraphURL      string

	S3 S3Config

	RabbitMQURL   string
	RabbitMQQueue string
}

// S3Config configures media storage. Storage is disabled when Bucket is empty.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// LoadConfig loads configuration from environment variables.
// A .env file is read first when present; real environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file loaded, relying on environment variables")
	}

	cfg := &Config{
		Port:                os.Getenv("PORT"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RealtimeSource:      os.Getenv("REALTIME_SOURCE"),
		APIToken:            os.Getenv("API_TOKEN"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		LogFormat:           os.Getenv("LOG_FORMAT"),
		ClinicID:            os.Getenv("CLINIC_ID"),
		RoutingDepartmentID: os.Getenv("ROUTING_DEPARTMENT_ID"),
		MetaWebhookPath:     os.Getenv("META_WEBHOOK_PATH"),
		MetaVerifyToken:     os.Getenv("META_VERIFY_TOKEN"),
		MetaAppSecret:       os.Getenv("META_APP_SECRET"),
		MetaAccessToken:     os.Getenv("META_ACCESS_TOKEN"),
		MetaPhoneNumberID:   os.Getenv("META_PHONE_NUMBER_ID"),
		MetaAPIVersion:      os.Getenv("META_API_VERSION"),
		MetaGraphURL:        os.Getenv("META_GRAPH_URL"),
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    os.Getenv("S3_REGION"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: envBool("S3_PATH_STYLE"),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},
		RabbitMQURL:   os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue: os.Getenv("RABBITMQ_QUEUE"),
	}

	cfg.applyDefaults()

	log.Info().
		Str("port", cfg.Port).
		Str("realtimeSource", cfg.RealtimeSource).
		Str("webhookPath", cfg.MetaWebhookPath).
		Bool("s3Enabled", cfg.S3.Enabled()).
		Bool("rabbitEnabled", cfg.RabbitMQURL != "").
		Msg("Configuration loaded")
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "dbdata/inbox.db"
		log.Info().Str("database", c.DatabaseURL).Msg("DATABASE_URL not set, using local sqlite file")
	}
	if c.RealtimeSource == "" {
		c.RealtimeSource = "local"
	}
	if c.ClinicID == "" {
		c.ClinicID = "default"
	}
	if c.MetaWebhookPath == "" {
		c.MetaWebhookPath = "/webhooks/meta"
		log.Info().Str("path", c.MetaWebhookPath).Msg("META_WEBHOOK_PATH not set, using default")
	}
	if c.MetaAPIVersion == "" {
		c.MetaAPIVersion = "v21.0"
	}
	if c.MetaGraphURL == "" {
		c.MetaGraphURL = "https://graph.facebook.com"
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.RabbitMQQueue == "" {
		c.RabbitMQQueue = "zapinbox_messages"
	}
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}
