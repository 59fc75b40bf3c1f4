// Package config resolves the gateway's runtime configuration: every
// pool, cache, timeout, and session tunable the gateway needs at
// startup. Loading is layered: a JSON document read through
// github.com/go-sphere/confstore (carrying only the server listener and
// DynamoDB settings), with environment variables (via the
// envInt/envSeconds/envOptionalEnabled helpers under the METAMCP_
// prefix) overriding individual fields for container deployments that
// prefer env vars over a mounted file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	optional "github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider/file"
)

// McpTimeouts is the request/total/progress-reset timeout triple applied
// to every upstream call. ResetTimeoutOnProgress is an Optional so a
// document that omits it is distinguishable from one that pins it false.
type McpTimeouts struct {
	RequestTimeout         time.Duration
	MaxTotalTimeout        time.Duration
	ResetTimeoutOnProgress optional.Field[bool]
}

// PoolLimits is the connection pool sizing and eviction policy.
type PoolLimits struct {
	MaxIdleTime             time.Duration
	CleanupInterval         time.Duration
	MaxConnectionsPerApiKey int
	MaxGlobalConnections    int
}

// CacheLimits is the tool-response cache sizing and TTL classification
// policy: DefaultTTL covers read-only lookups, ListingTTL covers
// list_/search_/find_ tools, TaskStateTTL covers status-polling tools.
// Any tool with a mutating verb prefix (create_/update_/delete_/...) is
// never cacheable regardless of these values.
type CacheLimits struct {
	MaxMemoryEntries int
	DefaultTTL       time.Duration
	ListingTTL       time.Duration
	TaskStateTTL     time.Duration
	CleanupInterval  int // seconds, sweep period
	L2MinTTL         time.Duration
}

// StdioLimits governs the C1 adapter and C3 cooldown behavior.
type StdioLimits struct {
	ShutdownGrace    time.Duration
	CooldownDuration time.Duration
}

// SessionLimits governs the C8 router's idle reaper.
type SessionLimits struct {
	MaxIdleTime     time.Duration
	CleanupInterval time.Duration
}

// DynamoDBConfig configures the optional L2 distributed cache backend.
type DynamoDBConfig struct {
	Enabled   bool
	TableName string
	Region    string
	Endpoint  string // non-empty to target a local/dev endpoint
}

// Server describes the gateway's own HTTP listener.
type Server struct {
	Addr    string
	BaseURL string
	Name    string
	Version string
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Server   Server
	Timeouts McpTimeouts
	Pool     PoolLimits
	Cache    CacheLimits
	Stdio    StdioLimits
	Session  SessionLimits
	DynamoDB DynamoDBConfig

	// StartupWarmupDelay defers the orchestrator's first outbound
	// request after bind, giving upstreams time to finish spawning.
	StartupWarmupDelay time.Duration

	// LogEnabled toggles the router's per-request access log. Optional
	// so a bootstrap document that never mentions it falls back to
	// enabled rather than being indistinguishable from an explicit off.
	LogEnabled optional.Field[bool]

	// IncludeInactiveServers is the default applied to a new session
	// when its open request's includeInactiveServers query param is
	// absent; a session can still opt in or out explicitly per request.
	IncludeInactiveServers optional.Field[bool]
}

// Default returns the gateway's baseline runtime configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:    ":8080",
			BaseURL: "http://localhost:8080",
			Name:    "metamcp-gateway",
			Version: "0.1.0",
		},
		Timeouts: McpTimeouts{
			RequestTimeout:         30 * time.Second,
			MaxTotalTimeout:        120 * time.Second,
			ResetTimeoutOnProgress: optional.NewField(true),
		},
		Pool: PoolLimits{
			MaxIdleTime:             2 * time.Hour,
			CleanupInterval:         30 * time.Minute,
			MaxConnectionsPerApiKey: 50,
			MaxGlobalConnections:    100,
		},
		Cache: CacheLimits{
			MaxMemoryEntries: 1000,
			DefaultTTL:       900 * time.Second,
			ListingTTL:       120 * time.Second,
			TaskStateTTL:     30 * time.Second,
			CleanupInterval:  60,
			L2MinTTL:         60 * time.Second,
		},
		Stdio: StdioLimits{
			ShutdownGrace:    5 * time.Second,
			CooldownDuration: 10 * time.Second,
		},
		Session: SessionLimits{
			MaxIdleTime:     2 * time.Hour,
			CleanupInterval: 30 * time.Minute,
		},
		StartupWarmupDelay: 3 * time.Second,
	}
}

// bootstrapDocument is the on-disk shape loaded via confstore; it only
// carries the handful of fields that make sense to template in a file
// rather than an env var.
type bootstrapDocument struct {
	Server   Server         `json:"server"`
	DynamoDB DynamoDBConfig `json:"dynamodb"`
}

// Load resolves a Config from an optional JSON file at path, then layers
// METAMCP_* environment overrides on top. path == "" skips the file and
// returns pure defaults+env.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		doc, err := confstore.Load[bootstrapDocument](file.New(abs), codec.JsonCodec())
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return nil, fmt.Errorf("load config %s: %w", abs, err)
		}
		if doc.Server.Addr != "" {
			cfg.Server.Addr = doc.Server.Addr
		}
		if doc.Server.BaseURL != "" {
			cfg.Server.BaseURL = doc.Server.BaseURL
		}
		if doc.Server.Name != "" {
			cfg.Server.Name = doc.Server.Name
		}
		if doc.Server.Version != "" {
			cfg.Server.Version = doc.Server.Version
		}
		cfg.DynamoDB = doc.DynamoDB
	}

	return applyEnv(cfg), nil
}

func applyEnv(cfg *Config) *Config {
	cfg.Cache.MaxMemoryEntries = envInt("METAMCP_TOOL_CACHE_MAX_ENTRIES", cfg.Cache.MaxMemoryEntries)
	cfg.Cache.DefaultTTL = envSeconds("METAMCP_TOOL_CACHE_DEFAULT_TTL", cfg.Cache.DefaultTTL)
	cfg.Cache.ListingTTL = envSeconds("METAMCP_TOOL_CACHE_LISTING_TTL", cfg.Cache.ListingTTL)
	cfg.Cache.TaskStateTTL = envSeconds("METAMCP_TOOL_CACHE_TASK_STATE_TTL", cfg.Cache.TaskStateTTL)
	cfg.Cache.CleanupInterval = envInt("METAMCP_TOOL_CACHE_CLEANUP_INTERVAL", cfg.Cache.CleanupInterval)
	cfg.Stdio.CooldownDuration = envSeconds("METAMCP_STDIO_COOLDOWN_DURATION", cfg.Stdio.CooldownDuration)
	cfg.Timeouts.RequestTimeout = envSeconds("METAMCP_REQUEST_TIMEOUT", cfg.Timeouts.RequestTimeout)
	cfg.Timeouts.MaxTotalTimeout = envSeconds("METAMCP_MAX_TOTAL_TIMEOUT", cfg.Timeouts.MaxTotalTimeout)
	cfg.Timeouts.ResetTimeoutOnProgress = envOptionalEnabled("METAMCP_RESET_TIMEOUT_ON_PROGRESS", cfg.Timeouts.ResetTimeoutOnProgress)
	cfg.LogEnabled = envOptionalEnabled("METAMCP_LOG_ENABLED", cfg.LogEnabled)
	cfg.IncludeInactiveServers = envOptionalEnabled("METAMCP_INCLUDE_INACTIVE_SERVERS", cfg.IncludeInactiveServers)
	cfg.Pool.MaxConnectionsPerApiKey = envInt("METAMCP_MAX_CONNECTIONS_PER_API_KEY", cfg.Pool.MaxConnectionsPerApiKey)
	cfg.Pool.MaxGlobalConnections = envInt("METAMCP_MAX_GLOBAL_CONNECTIONS", cfg.Pool.MaxGlobalConnections)
	if v := strings.TrimSpace(os.Getenv("METAMCP_DYNAMODB_TABLE")); v != "" {
		cfg.DynamoDB.TableName = v
		cfg.DynamoDB.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("METAMCP_DYNAMODB_ENDPOINT")); v != "" {
		cfg.DynamoDB.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("METAMCP_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	return cfg
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return time.Duration(parsed) * time.Second
		}
	}
	return fallback
}

// envOptionalEnabled parses a tri-state boolean env var: unset or
// unrecognized leaves fallback untouched (which may itself be unset),
// so a document/default that never mentions the flag stays
// distinguishable from one that pins it false.
func envOptionalEnabled(key string, fallback optional.Field[bool]) optional.Field[bool] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return optional.NewField(true)
	case "0", "false", "no", "off":
		return optional.NewField(false)
	default:
		return fallback
	}
}
