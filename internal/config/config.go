package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AuthAPIURL            string
	WSURL                 string
	MediaURL              string
	Env                   string
	Port                  string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	ReconnectMaxAttempts  int
	ReconnectDelay        time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 从环境变量加载配置，存在 .env 文件时先行加载。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		AuthAPIURL:            getenv("AUTH_API_URL", "http://localhost:8000"),
		WSURL:                 getenv("WS_URL", "ws://localhost:8000"),
		MediaURL:              getenv("MEDIA_URL", "http://localhost:8000/media"),
		Env:                   getenv("APP_ENV", "dev"),
		Port:                  getenv("APP_PORT", "8000"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		ReconnectMaxAttempts:  getenvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectDelay:        time.Duration(getenvInt("RECONNECT_DELAY_MS", 5000)) * time.Millisecond,
	}
}

// Validate 校验配置，生产环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.AuthAPIURL == "" {
		return errors.New("AUTH_API_URL is required")
	}
	if cfg.WSURL == "" {
		return errors.New("WS_URL is required")
	}
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}
