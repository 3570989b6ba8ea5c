// Package config loads the process-wide configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/g0v/realtime-relay/internal/logging"
)

// Config holds every environment-driven knob the orchestrator and its ambient
// stack depend on. It is populated once at boot by Load.
type Config struct {
	ServerAddr string

	AdminSecretKey string

	ElevenLabsAPIKey string
	STTTokenURL      string
	STTWebSocketURL  string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	AIModel       string

	TranslateLanguages []string
	CommonPrompt       []string

	PartialInterval          time.Duration
	PartialStartOffsetSecond float64

	MaxConcurrentTranslate int

	YoutubeAPIKey string

	RedisURL    string
	DatabaseURL string

	S3Bucket          string
	AWSRegion         string
	AWSAccessKeyID    string
	AWSSecretAccessID string
}

// Load reads .env (if present) and returns a populated Config. A missing
// .env file is not an error in production, and a numeric variable that does
// not parse silently falls back to its default.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ServerAddr:               getEnv("SERVER_ADDR", ":8080"),
		AdminSecretKey:           os.Getenv("SECRET_KEY"),
		ElevenLabsAPIKey:         os.Getenv("ELEVENLABS_API_KEY"),
		STTTokenURL:              getEnv("STT_TOKEN_URL", "https://api.elevenlabs.io/v1/single-use-token/realtime_scribe"),
		STTWebSocketURL:          getEnv("STT_WS_URL", "wss://api.elevenlabs.io/v1/speech-to-text/realtime"),
		OpenAIAPIKey:             os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:            os.Getenv("OPENAI_BASE_URL"),
		AIModel:                  getEnv("AI_MODEL", "gpt-4.1-mini"),
		TranslateLanguages:       splitCSV(os.Getenv("TRANSLATE_LANGUAGES")),
		CommonPrompt:             splitCSV(os.Getenv("COMMON_PROMPT")),
		PartialInterval:          getSecondsEnv("PARTIAL_INTERVAL", 2),
		PartialStartOffsetSecond: getFloatEnv("PARTIAL_START_OFFSET_SECONDS", 0.3),
		MaxConcurrentTranslate:   getIntEnv("MAX_CONCURRENT_TRANSLATE", 20),
		YoutubeAPIKey:            os.Getenv("YOUTUBE_API_KEY"),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		AWSRegion:                os.Getenv("AWS_REGION"),
		AWSAccessKeyID:           os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessID:        os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}

	cfg.validate()
	return cfg
}

// validate logs fatal-configuration problems but never aborts boot — per the
// error-handling policy, admin-only or LLM-backed features simply reject at
// call time when their secret is absent.
func (c *Config) validate() {
	if c.AdminSecretKey == "" {
		logMissing("SECRET_KEY", "admin connect will never verify")
	}
	if c.ElevenLabsAPIKey == "" {
		logMissing("ELEVENLABS_API_KEY", "STT sessions will fail to start")
	}
	if c.OpenAIAPIKey == "" {
		logMissing("OPENAI_API_KEY", "translation pipeline will pass segments through unchanged")
	}
}

func logMissing(name, consequence string) {
	logging.Tag("config").Sugar().Warnw("missing required configuration", "name", name, "consequence", consequence)
}

func getEnv(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloatEnv(name string, def float64) float64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getSecondsEnv(name string, defSeconds float64) time.Duration {
	return time.Duration(getFloatEnv(name, defSeconds) * float64(time.Second))
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
