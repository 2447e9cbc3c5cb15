// Package config provides configuration constants and runtime configuration management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Version information
const Version = "1.0.0"

// Environment variable names
const (
	EnvPromptURL      = "OPENCODE_CODEX_PROMPT_URL"
	EnvRequestLogging = "ENABLE_PLUGIN_REQUEST_LOGGING"
	EnvDebug          = "DEBUG_CODEX_PLUGIN"
	EnvLogLevel       = "CODEX_PLUGIN_LOG_LEVEL"
	EnvConsoleLog     = "CODEX_CONSOLE_LOG"
	EnvAppData        = "APPDATA"
	EnvXDGDataHome    = "XDG_DATA_HOME"
)

// Storage constants
const (
	// StorageSchemaVersion is the current on-disk schema version.
	StorageSchemaVersion = 3
	// StorageFileName is the account pool file name.
	StorageFileName = "openai-codex-accounts.json"
	// ProjectStorageDir is the per-project storage directory.
	ProjectStorageDir = ".opencode"
	// MaxAccounts is the pool size cap.
	MaxAccounts = 10
)

// ProjectRootMarkers identify a project root for project-local storage.
var ProjectRootMarkers = []string{".git", "package.json", "Cargo.toml", "go.mod", "pyproject.toml", ".opencode"}

// Rate limit and backoff constants
const (
	RateLimitDedupWindowMs = 2000   // 2 seconds
	RateLimitStateResetMs  = 120000 // 2 minutes
	FirstRetryDelayMs      = 1000   // 1 second
	MaxBackoffMs           = 300000 // 5 minutes
)

// Health score defaults
const (
	HealthMaxScore            = 100
	HealthMinScore            = 0
	HealthSuccessDelta        = 5
	HealthRateLimitDelta      = -20
	HealthFailureDelta        = -10
	HealthPassiveRecoveryHour = 10
)

// Token bucket defaults
const (
	TokenBucketMaxTokens       = 50
	TokenBucketTokensPerMinute = 6
	TokenRefundWindowMs        = 30000 // 30 seconds
)

// Circuit breaker defaults
const (
	BreakerFailureThreshold    = 3
	BreakerFailureWindowMs     = 60000 // 1 minute
	BreakerResetTimeoutMs      = 30000 // 30 seconds
	BreakerHalfOpenMaxAttempts = 1
	BreakerRegistryMaxEntries  = 100
)

// Auth rate limiter defaults
const (
	AuthMaxAttempts = 5
	AuthWindowMs    = 60000 // 1 minute
)

// Selection weights (hybrid score = health*2 + tokens*5 + hoursIdle*2)
const (
	WeightHealth = 2.0
	WeightTokens = 5.0
	WeightLRU    = 2.0
)

// Credential cache
const (
	TokenCacheTTLMs = 5 * 60 * 1000 // 5 minutes
)

// ProbeCandidateLimit caps how many top candidates a parallel probe races.
const ProbeCandidateLimit = 3

// Prompt cache
const (
	PromptCacheTTLMs = 15 * 60 * 1000 // 15 minutes
)

// PromptSourceURLs is the fallback chain for the remote prompt, first wins.
var PromptSourceURLs = []string{
	"https://raw.githubusercontent.com/openai/codex/main/codex-rs/core/prompt.md",
	"https://raw.githubusercontent.com/openai/codex/rust-v0.30.0/codex-rs/core/prompt.md",
}

// OAuth token endpoint used by the refresh adapter
const (
	OAuthTokenURL = "https://auth.openai.com/oauth/token"
	OAuthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// LoggerTimerLimit caps the logger's timer registry.
const LoggerTimerLimit = 100

// DefaultServerPort is the management server port.
const DefaultServerPort = 8091

// ModelFamily represents a quota-sharing group of upstream models.
type ModelFamily string

const (
	ModelFamilyCodex   ModelFamily = "codex"
	ModelFamilyGPT     ModelFamily = "gpt"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// KnownModelFamilies is the set replicated into migrated v1 pools.
var KnownModelFamilies = []ModelFamily{ModelFamilyCodex, ModelFamilyGPT}

// GetModelFamily returns the model family from a model name (substring detection).
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "codex") {
		return ModelFamilyCodex
	}
	if strings.Contains(lower, "gpt") {
		return ModelFamilyGPT
	}
	return ModelFamilyUnknown
}

// QuotaKey identifies the unit of rate-limit and health tracking:
// either "family" or "family:model" when a specific model is pinned.
type QuotaKey string

// QuotaKeyFor builds the quota key for a family and optional model.
func QuotaKeyFor(family ModelFamily, model string) QuotaKey {
	if model == "" {
		return QuotaKey(family)
	}
	return QuotaKey(string(family) + ":" + model)
}

// FamilyQuotaKey is the family-level quota key.
func FamilyQuotaKey(family ModelFamily) QuotaKey {
	return QuotaKey(family)
}

// GlobalStoragePath is the default account pool path under the user's home.
func GlobalStoragePath() string {
	return filepath.Join(getHomeDir(), ".config", "opencode", StorageFileName)
}

// RecoveryStoragePaths returns candidate locations of the opencode state
// database, consulted only for recovery-storage discovery.
func RecoveryStoragePaths() []string {
	var roots []string
	if runtime.GOOS == "windows" {
		if appData := os.Getenv(EnvAppData); appData != "" {
			roots = append(roots, filepath.Join(appData, "opencode"))
		}
	}
	if xdg := os.Getenv(EnvXDGDataHome); xdg != "" {
		roots = append(roots, filepath.Join(xdg, "opencode"))
	}
	if home := getHomeDir(); home != "" {
		roots = append(roots, filepath.Join(home, ".local", "share", "opencode"))
	}
	paths := make([]string, 0, len(roots))
	for _, root := range roots {
		paths = append(paths, filepath.Join(root, "state.db"))
	}
	return paths
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
