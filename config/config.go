package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Signaling      SignalingConfig
	Media          MediaConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type SignalingConfig struct {
	// Store is "redis" or "memory".
	Store              string
	ICEServers         []string
	NegotiationTimeout time.Duration
	RoomTTL            time.Duration
	// DeviceIdentity is the caller identity of this device; random when empty.
	DeviceIdentity string
}

type MediaConfig struct {
	VideoFile    string
	AudioFile    string
	TalkbackFile string
}

func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Signaling: SignalingConfig{
			Store:              getEnv("SIGNALING_STORE", "redis"),
			ICEServers:         getEnvList("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"),
			NegotiationTimeout: getEnvDuration("NEGOTIATION_TIMEOUT", 90*time.Second),
			RoomTTL:            getEnvDuration("ROOM_TTL", 24*time.Hour),
			DeviceIdentity:     getEnv("DEVICE_IDENTITY", ""),
		},
		Media: MediaConfig{
			VideoFile:    getEnv("MEDIA_VIDEO_FILE", ""),
			AudioFile:    getEnv("MEDIA_AUDIO_FILE", ""),
			TalkbackFile: getEnv("TALKBACK_AUDIO_FILE", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
