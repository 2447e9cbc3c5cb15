package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// HealthScoreConfig controls the health tracker.
type HealthScoreConfig struct {
	MaxScore            float64 `json:"maxScore"`
	MinScore            float64 `json:"minScore"`
	SuccessDelta        float64 `json:"successDelta"`
	RateLimitDelta      float64 `json:"rateLimitDelta"`
	FailureDelta        float64 `json:"failureDelta"`
	PassiveRecoveryHour float64 `json:"passiveRecoveryPerHour"`
}

// TokenBucketConfig controls the token bucket tracker.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	RefundWindowMs  int64   `json:"refundWindowMs"`
}

// BackoffConfig controls rate-limit backoff.
type BackoffConfig struct {
	DedupWindowMs  int64 `json:"dedupWindowMs"`
	QuietResetMs   int64 `json:"quietResetMs"`
	FallbackBaseMs int64 `json:"fallbackBaseMs"`
	MaxBackoffMs   int64 `json:"maxBackoffMs"`
}

// BreakerConfig controls per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int   `json:"failureThreshold"`
	FailureWindowMs     int64 `json:"failureWindowMs"`
	ResetTimeoutMs      int64 `json:"resetTimeoutMs"`
	HalfOpenMaxAttempts int   `json:"halfOpenMaxAttempts"`
	MaxEntries          int   `json:"maxEntries"`
}

// AuthLimitConfig controls the login attempt rate limiter.
type AuthLimitConfig struct {
	MaxAttempts int   `json:"maxAttempts"`
	WindowMs    int64 `json:"windowMs"`
}

// WeightsConfig holds hybrid scoring weights.
type WeightsConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	LRU    float64 `json:"lru"`
}

// Config is the runtime configuration for the coordination core.
type Config struct {
	HealthScore HealthScoreConfig `json:"healthScore"`
	TokenBucket TokenBucketConfig `json:"tokenBucket"`
	Backoff     BackoffConfig     `json:"backoff"`
	Breaker     BreakerConfig     `json:"breaker"`
	AuthLimit   AuthLimitConfig   `json:"authLimit"`
	Weights     WeightsConfig     `json:"weights"`

	MaxAccounts int    `json:"maxAccounts"`
	ServerPort  int    `json:"serverPort"`
	ServerHost  string `json:"serverHost"`

	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDB,omitempty"`

	DevMode bool `json:"-"`
}

// DefaultConfig returns the built-in defaults. Policy constants keep the
// documented defaults; callers may override any of them via the config file.
func DefaultConfig() *Config {
	return &Config{
		HealthScore: HealthScoreConfig{
			MaxScore:            HealthMaxScore,
			MinScore:            HealthMinScore,
			SuccessDelta:        HealthSuccessDelta,
			RateLimitDelta:      HealthRateLimitDelta,
			FailureDelta:        HealthFailureDelta,
			PassiveRecoveryHour: HealthPassiveRecoveryHour,
		},
		TokenBucket: TokenBucketConfig{
			MaxTokens:       TokenBucketMaxTokens,
			TokensPerMinute: TokenBucketTokensPerMinute,
			RefundWindowMs:  TokenRefundWindowMs,
		},
		Backoff: BackoffConfig{
			DedupWindowMs:  RateLimitDedupWindowMs,
			QuietResetMs:   RateLimitStateResetMs,
			FallbackBaseMs: FirstRetryDelayMs,
			MaxBackoffMs:   MaxBackoffMs,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    BreakerFailureThreshold,
			FailureWindowMs:     BreakerFailureWindowMs,
			ResetTimeoutMs:      BreakerResetTimeoutMs,
			HalfOpenMaxAttempts: BreakerHalfOpenMaxAttempts,
			MaxEntries:          BreakerRegistryMaxEntries,
		},
		AuthLimit: AuthLimitConfig{
			MaxAttempts: AuthMaxAttempts,
			WindowMs:    AuthWindowMs,
		},
		Weights: WeightsConfig{
			Health: WeightHealth,
			Tokens: WeightTokens,
			LRU:    WeightLRU,
		},
		MaxAccounts: MaxAccounts,
		ServerPort:  DefaultServerPort,
		ServerHost:  "127.0.0.1",
	}
}

// ConfigPath is the runtime configuration file path.
func ConfigPath() string {
	return filepath.Join(getHomeDir(), ".config", "opencode", "codex-proxy.json")
}

// Load merges the on-disk configuration file into the config, if present.
func (c *Config) Load() error {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
