package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// SQS event publishing
	SQSRegion   string
	SQSQueueURL string

	// Push provider
	PushBaseURL        string
	PushTopic          string
	PushKeyID          string
	PushTeamID         string
	PushPrivateKeyPath string

	// Voice provider
	VoiceBaseURL   string
	VoiceAuthToken string
	VoiceCallerID  string

	// Payment webhook
	WebhookSecret string

	// Scheduler
	SchedulerPollSeconds int
	SchedulerBatchSize   int

	// Outbound send budget per channel per minute
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "coach@flourish.local",

		SchedulerPollSeconds: 5,
		SchedulerBatchSize:   50,
		RateLimitPerMinute:   10,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Push provider config
	cfg.PushBaseURL = os.Getenv("PUSH_BASE_URL")
	cfg.PushTopic = os.Getenv("PUSH_TOPIC")
	cfg.PushKeyID = os.Getenv("PUSH_KEY_ID")
	cfg.PushTeamID = os.Getenv("PUSH_TEAM_ID")
	cfg.PushPrivateKeyPath = os.Getenv("PUSH_PRIVATE_KEY_PATH")

	// Voice provider config
	cfg.VoiceBaseURL = os.Getenv("VOICE_BASE_URL")
	cfg.VoiceAuthToken = os.Getenv("VOICE_AUTH_TOKEN")
	cfg.VoiceCallerID = os.Getenv("VOICE_CALLER_ID")

	// Payment webhook config
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	// Scheduler config
	if poll := os.Getenv("SCHEDULER_POLL_SECONDS"); poll != "" {
		p, err := strconv.Atoi(poll)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_POLL_SECONDS: %w", err)
		}
		cfg.SchedulerPollSeconds = p
	}

	if batch := os.Getenv("SCHEDULER_BATCH_SIZE"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_BATCH_SIZE: %w", err)
		}
		cfg.SchedulerBatchSize = b
	}

	// Rate limit config
	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = l
	}

	return cfg, nil
}
