package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the runtime configuration for the coaching server
type Config struct {
	// HTTP / websocket listen address for dashboards and metrics
	HTTPListenAddr string

	// Transcription provider settings
	STTWebSocketURL string
	STTAPIKey       string
	STTModel        string
	STTEncoding     string
	STTSampleRate   int
	STTLanguage     string

	// Audio backlog cap per transcription session (frames, drop-oldest)
	AudioBacklogCap int

	// Reconnect policy for transcription sessions
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Inference provider settings
	InferenceURL     string
	InferenceAPIKey  string
	InferenceTimeout time.Duration

	// Organization configuration service
	OrgConfigURL string
	OrgConfigTTL time.Duration

	// Realtime hub connection health
	PingInterval time.Duration

	// AMQP persistence / event stream
	AMQPURL       string
	AMQPQueueName string

	// Logging
	LogLevel logrus.Level
}

// Load reads configuration from the environment, optionally seeded from a
// .env file. Missing optional values fall back to safe defaults.
func Load(logger *logrus.Logger) *Config {
	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Debug("No .env file loaded, using process environment")
	}

	cfg := &Config{
		HTTPListenAddr:       getEnv("HTTP_LISTEN_ADDR", ":8080"),
		STTWebSocketURL:      getEnv("STT_WS_URL", "wss://api.deepgram.com/v1/listen"),
		STTAPIKey:            os.Getenv("STT_API_KEY"),
		STTModel:             getEnv("STT_MODEL", "nova-2"),
		STTEncoding:          getEnv("STT_ENCODING", "mulaw"),
		STTSampleRate:        getEnvInt("STT_SAMPLE_RATE", 8000),
		STTLanguage:          getEnv("STT_LANGUAGE", "en"),
		AudioBacklogCap:      getEnvInt("AUDIO_BACKLOG_CAP", 200),
		ReconnectMaxAttempts: getEnvInt("STT_RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvDuration("STT_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("STT_RECONNECT_MAX_DELAY", 30*time.Second),
		InferenceURL:         getEnv("INFERENCE_URL", ""),
		InferenceAPIKey:      os.Getenv("INFERENCE_API_KEY"),
		InferenceTimeout:     getEnvDuration("INFERENCE_TIMEOUT", 15*time.Second),
		OrgConfigURL:         getEnv("ORG_CONFIG_URL", ""),
		OrgConfigTTL:         getEnvDuration("ORG_CONFIG_TTL", 10*time.Minute),
		PingInterval:         getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AMQPQueueName:        getEnv("AMQP_QUEUE_NAME", "call_records"),
		LogLevel:             parseLogLevel(getEnv("LOG_LEVEL", "info")),
	}

	return cfg
}

// LogStartup logs the effective configuration at startup, omitting secrets
func (c *Config) LogStartup(logger *logrus.Logger) {
	logger.Infof("Coaching server starting with the following configuration:")
	logger.Infof("HTTP Listen Address: %s", c.HTTPListenAddr)
	logger.Infof("STT WebSocket URL: %s", c.STTWebSocketURL)
	logger.Infof("STT Model: %s (%s @ %d Hz, %s)", c.STTModel, c.STTEncoding, c.STTSampleRate, c.STTLanguage)
	logger.Infof("Audio Backlog Cap: %d frames", c.AudioBacklogCap)
	logger.Infof("STT Reconnect: %d attempts, base %s, max %s", c.ReconnectMaxAttempts, c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	logger.Infof("Inference URL: %s (timeout %s)", c.InferenceURL, c.InferenceTimeout)
	logger.Infof("Org Config URL: %s (TTL %s)", c.OrgConfigURL, c.OrgConfigTTL)
	logger.Infof("WS Ping Interval: %s", c.PingInterval)
	logger.Infof("AMQP Queue: %s (configured: %v)", c.AMQPQueueName, c.AMQPURL != "")
	logger.Infof("Log Level: %s", c.LogLevel.String())
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func parseLogLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
