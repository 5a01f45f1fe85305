package app

import (
	"time"

	"github.com/appointly/appointly/libs/config"
	"github.com/appointly/appointly/services/scheduling-service/internal/channels"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/policy"
)

// Config is read from the environment after an optional .env file.
type Config struct {
	Service     string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TimerSet      string

	KafkaBrokers string
	KafkaGroupID string

	StripeWebhookSecret string

	SMTP         channels.SMTPConfig
	ChatAPIURL   string
	ChatAPIToken string
	SMSAPIURL    string
	SMSAPIToken  string
	MQTT         channels.MQTTConfig
	HTTPTimeout  time.Duration

	RateLimit  int
	RateWindow time.Duration

	Policy domain.Policy
}

func LoadConfig(service string) (Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return Config{}, err
	}
	cfg := Config{
		Service:             config.String("SERVICE_NAME", service),
		RedisAddr:           config.String("REDIS_ADDR", ""),
		RedisPassword:       config.String("REDIS_PASSWORD", ""),
		TimerSet:            config.String("TIMER_SET", "appointly:timers"),
		KafkaBrokers:        config.String("KAFKA_BROKERS", ""),
		KafkaGroupID:        config.String("KAFKA_GROUP_ID", "scheduling-worker"),
		StripeWebhookSecret: config.String("STRIPE_WEBHOOK_SECRET", ""),
		SMTP: channels.SMTPConfig{
			Host:     config.String("SMTP_HOST", ""),
			Port:     config.String("SMTP_PORT", "1025"),
			From:     config.String("SMTP_FROM", ""),
			Username: config.String("SMTP_USERNAME", ""),
			Password: config.String("SMTP_PASSWORD", ""),
		},
		ChatAPIURL:   config.String("CHAT_API_URL", ""),
		ChatAPIToken: config.String("CHAT_API_TOKEN", ""),
		SMSAPIURL:    config.String("SMS_API_URL", ""),
		SMSAPIToken:  config.String("SMS_API_TOKEN", ""),
		MQTT: channels.MQTTConfig{
			Broker:   config.String("MQTT_BROKER", ""),
			ClientID: config.String("MQTT_CLIENT_ID", service),
			Username: config.String("MQTT_USERNAME", ""),
			Password: config.String("MQTT_PASSWORD", ""),
		},
	}

	var err error
	if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = config.Int("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = config.Duration("DELIVERY_HTTP_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit, err = config.Int("RATE_LIMIT_REQUESTS", 120); err != nil {
		return Config{}, err
	}
	if cfg.RateWindow, err = config.Duration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Policy, err = policy.DefaultsFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
