package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	StorageBucket      string

	OpenAIAPIKey     string
	GeminiAPIKey     string
	ElevenLabsAPIKey string
	VoiceID          string

	RenderAPIURL string
	RenderAPIKey string

	PlaceholderBaseURL string

	WorkerEnabled     bool
	MaxConcurrentJobs int
	RenderPollSeconds int
	RenderPollMax     int
	SweepInterval     time.Duration
	SweepThreshold    time.Duration

	SignupGrantTokens    int64
	BillingWebhookSecret string

	AllowedOrigins []string
}

func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] no .env file found, using environment")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseAnonKey:    os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_KEY"),
		StorageBucket:      getEnv("STORAGE_BUCKET", "reelmint-assets"),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
		VoiceID:          getEnv("ELEVENLABS_VOICE_ID", "EXAVITQu4vr4xnSDxMaL"),

		RenderAPIURL: os.Getenv("RENDER_API_URL"),
		RenderAPIKey: os.Getenv("RENDER_API_KEY"),

		PlaceholderBaseURL: getEnv("PLACEHOLDER_BASE_URL", "https://assets.reelmint.io"),

		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 2),
		RenderPollSeconds: getEnvInt("RENDER_POLL_SECONDS", 5),
		RenderPollMax:     getEnvInt("RENDER_POLL_MAX", 60),
		SweepInterval:     time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		SweepThreshold:    time.Duration(getEnvInt("SWEEP_THRESHOLD_SECONDS", 120)) * time.Second,

		SignupGrantTokens:    int64(getEnvInt("SIGNUP_GRANT_TOKENS", 20)),
		BillingWebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),

		AllowedOrigins: []string{getEnv("ALLOWED_ORIGIN", "*")},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[Config] invalid int for %s: %q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("[Config] invalid bool for %s: %q, using %t", key, value, fallback)
		return fallback
	}
	return b
}
