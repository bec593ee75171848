// Package config loads oracle daemon configuration from environment
// variables, with optional YAML challenge profiles for pre-arranged
// competitions.
package config

import "os"

// Config holds oracled configuration.
type Config struct {
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisAddr       string
	ActivityBaseURL string
	ActivityAuthURL string
	ClientID        string
	ClientSecret    string
	MasterSecret    string
	AttesterKeyHex  string
	JWTSecret       string
	ProfilesDir     string
	SweepInterval   string
	OTLPEndpoint    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	activityBase := os.Getenv("ACTIVITY_BASE_URL")
	if activityBase == "" {
		activityBase = "https://api.activity.example.com"
	}

	activityAuth := os.Getenv("ACTIVITY_AUTH_URL")
	if activityAuth == "" {
		activityAuth = activityBase + "/oauth/token"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		ActivityBaseURL: activityBase,
		ActivityAuthURL: activityAuth,
		ClientID:        os.Getenv("ACTIVITY_CLIENT_ID"),
		ClientSecret:    os.Getenv("ACTIVITY_CLIENT_SECRET"),
		MasterSecret:    os.Getenv("MASTER_SECRET"),
		AttesterKeyHex:  os.Getenv("ATTESTER_KEY"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		ProfilesDir:     profilesDir,
		SweepInterval:   os.Getenv("SWEEP_INTERVAL"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
	}
}
