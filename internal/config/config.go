package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultAgentID is the task-queue owner ID used when no agent binding matches.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Ouroboros supervisor.
type Config struct {
	Repo       RepoConfig       `json:"repo"`
	Providers  ProvidersConfig  `json:"providers"`
	Models     ModelsConfig     `json:"models"`
	Gateway    GatewayConfig    `json:"gateway"`
	Tools      ToolsConfig      `json:"tools"`
	Store      StoreConfig      `json:"store"`
	Budget     BudgetConfig     `json:"budget"`
	Workers    WorkersConfig    `json:"workers"`
	Safety     SafetyConfig     `json:"safety"`
	Bus        BusConfig        `json:"bus"`
	Evolution  EvolutionConfig  `json:"evolution"`
	Background BackgroundConfig `json:"background"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
	mu         sync.RWMutex
}

// RepoConfig describes the supervised working tree.
type RepoConfig struct {
	Path               string `json:"path"`                           // absolute path to the git working tree
	StableBranch       string `json:"stable_branch"`                  // branch promoted to on success (default "stable")
	WorkBranch         string `json:"work_branch"`                    // branch the agent commits to (default "work")
	RestartPolicy      string `json:"restart_policy"`                 // "rescue_and_reset" (default) or "reject"
	RescueBranchPrefix string `json:"rescue_branch_prefix,omitempty"` // default "rescue/"
}

// ModelsConfig names the LLM models used by each role.
type ModelsConfig struct {
	Default string `json:"default"` // agent loop default model
	Light   string `json:"light"`   // safety gate layer-1 / cheap calls
	Code    string `json:"code"`    // safety gate layer-2 / code-heavy tasks
}

// DatabaseConfig configures the optional event-mirror backend.
// PostgresDSN is NEVER read from settings.json (secret) — only from env OUROBOROS_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Gemini     ProviderConfig `json:"gemini"`
	DashScope  ProviderConfig `json:"dashscope"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" || p.OpenAI.APIKey != "" || p.OpenRouter.APIKey != "" ||
		p.Gemini.APIKey != "" || p.DashScope.APIKey != ""
}

// GatewayConfig controls the control-plane HTTP/WS server (spec §6).
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`
	OwnerIDs       []string `json:"owner_ids,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// ToolsConfig controls tool availability and the CHECKED-tool policy pipeline.
type ToolsConfig struct {
	Profile          string                      `json:"profile,omitempty"` // "minimal", "coding", "messaging", "full"
	Allow            []string                    `json:"allow,omitempty"`
	Deny             []string                    `json:"deny,omitempty"`
	AlsoAllow        []string                    `json:"alsoAllow,omitempty"`
	RateLimitPerHour int                         `json:"rate_limit_per_hour,omitempty"`
	ScrubCredentials *bool                       `json:"scrub_credentials,omitempty"`
	McpServers       map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
	PluginDir        string                      `json:"plugin_dir,omitempty"` // single directory scanned for command-tool plugin manifests
}

// MCPServerConfig configures a single external MCP server connection (tool registry source).
type MCPServerConfig struct {
	Transport  string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`

	// Checked routes every tool bridged from this server through the
	// Safety Gate before execution, like the local shell tool.
	Checked bool `json:"checked,omitempty"`
}

func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StoreConfig configures the durable JSON State Store.
type StoreConfig struct {
	DataDir         string `json:"data_dir"`                    // directory for state.json, logs/, locks
	LockStaleAfter  string `json:"lock_stale_after,omitempty"`  // duration string, default "10s"
	LogRotateBytes  int64  `json:"log_rotate_bytes,omitempty"`  // JSONL rotation threshold, default 2MiB
	LogHistoryFiles int    `json:"log_history_files,omitempty"` // rotated files retained, default 3
}

// BudgetConfig configures the global cost ceiling.
type BudgetConfig struct {
	TotalLimitUSD  float64 `json:"total_limit_usd"`
	ReportEveryUSD float64 `json:"report_every_usd,omitempty"` // throttle budget_line chat reports, default 1.0
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	PoolSize         int     `json:"pool_size"`                   // concurrent worker processes, default 4
	MaxForkDepth     int     `json:"max_fork_depth"`              // task depth ceiling enforced on enqueue, default 3
	MaxCrashes       int     `json:"max_crashes"`                 // crashes in window before pool halt, default 3
	CrashWindow      string  `json:"crash_window,omitempty"`      // rolling window, default "120s"
	SpawnRatePerSec  float64 `json:"spawn_rate_per_sec"`          // rate.Limiter for spawns, default 2
	HeartbeatEvery   string  `json:"heartbeat_every,omitempty"`   // default "30s"
	HeartbeatTimeout string  `json:"heartbeat_timeout,omitempty"` // default "60s"
	SoftTimeoutSec   int     `json:"soft_timeout_sec,omitempty"`  // per-task default, 600
	HardTimeoutSec   int     `json:"hard_timeout_sec,omitempty"`  // per-task default, 1800
}

// EvolutionConfig controls supervisor-initiated self-improvement tasks.
type EvolutionConfig struct {
	CostThresholdUSD float64 `json:"cost_threshold_usd,omitempty"` // spend between evolution tasks, default 0.5
}

// BackgroundConfig bounds the Background Consciousness wake-up schedule.
type BackgroundConfig struct {
	WakeupMin string `json:"wakeup_min,omitempty"` // default "60s"
	WakeupMax string `json:"wakeup_max,omitempty"` // default "1h"
	MaxRounds int    `json:"max_rounds,omitempty"` // reflect tasks per wake, default 1
}

// SafetyConfig configures the two-layer LLM safety gate.
type SafetyConfig struct {
	Enabled      bool    `json:"enabled"`
	RateLimitRPS float64 `json:"rate_limit_rps,omitempty"` // throttle for safety-gate LLM calls, default 2
	PromptPath   string  `json:"prompt_path,omitempty"`    // override for prompts/SAFETY.md
}

// BusConfig bounds the Message Bus queues.
type BusConfig struct {
	InboxSize  int `json:"inbox_size,omitempty"`  // default 200
	OutboxSize int `json:"outbox_size,omitempty"` // default 200
	LogSize    int `json:"log_size,omitempty"`    // default 1000
	SplitLimit int `json:"split_limit,omitempty"` // default 4000 chars
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Repo = src.Repo
	c.Providers = src.Providers
	c.Models = src.Models
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Store = src.Store
	c.Budget = src.Budget
	c.Workers = src.Workers
	c.Safety = src.Safety
	c.Bus = src.Bus
	c.Evolution = src.Evolution
	c.Background = src.Background
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
