// Package config loads and validates the workspace configuration file.
package config

import (
	"time"

	"github.com/ensembleai/ensemble/pkg/models"
)

// Config is the single configuration object. Recognized sections are
// memory, rooms, security, channels, and providers; unknown keys are
// ignored with a warning.
type Config struct {
	Workspace string            `yaml:"workspace"`
	Memory    MemoryConfig      `yaml:"memory"`
	Rooms     RoomsConfig       `yaml:"rooms"`
	Security  SecurityConfig    `yaml:"security"`
	Channels  ChannelsConfig    `yaml:"channels"`
	Providers ProvidersConfig   `yaml:"providers"`
	Bots      []models.RoleCard `yaml:"bots"`
}

// MemoryConfig covers embedding, extraction, summarization, learning,
// context assembly, privacy, and background task tuning.
type MemoryConfig struct {
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Summary    SummaryConfig    `yaml:"summary"`
	Learning   LearningConfig   `yaml:"learning"`
	Context    ContextConfig    `yaml:"context"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Broker     BrokerConfig     `yaml:"broker"`
}

// EmbeddingConfig selects the embedding provider and dimension.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	Dimension   int    `yaml:"dimension"` // 384 or 768
	APIFallback bool   `yaml:"api_fallback"`
}

// ExtractionConfig tunes background entity/fact extraction.
type ExtractionConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds"`
	BatchSize       int     `yaml:"batch_size"`
	MergeThreshold  float64 `yaml:"merge_threshold"`
	CandidateFloor  float64 `yaml:"candidate_floor"`
}

// SummaryConfig tunes the staleness tree.
type SummaryConfig struct {
	StalenessThreshold int `yaml:"staleness_threshold"`
	MaxRefreshBatch    int `yaml:"max_refresh_batch"`
	MaxSourceEvents    int `yaml:"max_source_events"`
	IntervalSeconds    int `yaml:"interval_seconds"`
}

// LearningConfig tunes the learning store and cross-pollination.
type LearningConfig struct {
	PromotionThreshold  float64 `yaml:"promotion_threshold"`
	MaxPromotionsPerBot int     `yaml:"max_promotions_per_bot"`
	HalfLifeDays        float64 `yaml:"half_life_days"`
	IntervalSeconds     int     `yaml:"interval_seconds"`
}

// ContextConfig sets the assembly token budget.
type ContextConfig struct {
	TokenBudget   int `yaml:"token_budget"`
	RecentEvents  int `yaml:"recent_events"`
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// PrivacyConfig controls redaction of sensitive content.
type PrivacyConfig struct {
	RedactCredentials bool `yaml:"redact_credentials"`
	RedactPII         bool `yaml:"redact_pii"`
}

// TasksConfig tunes the background task manager.
type TasksConfig struct {
	Workers        int `yaml:"workers"`
	QueueCapacity  int `yaml:"queue_capacity"`
	QuietThreshold int `yaml:"quiet_threshold_seconds"`
}

// BrokerConfig tunes the per-room broker. InMemory disables group-commit
// durability and must be opted into explicitly.
type BrokerConfig struct {
	InMemory        bool `yaml:"in_memory"`
	GroupCommitMS   int  `yaml:"group_commit_ms"`
	GroupCommitSize int  `yaml:"group_commit_size"`
	HighWaterMark   int  `yaml:"high_water_mark"`
}

// RoomsConfig holds per-type room defaults.
type RoomsConfig struct {
	Defaults  map[string]RoomDefaults `yaml:"defaults"`
	Sidekicks SidekickConfig          `yaml:"sidekicks"`
}

// RoomDefaults are the policy defaults applied to new rooms of a type.
type RoomDefaults struct {
	AutoArchive         bool   `yaml:"auto_archive"`
	ArchiveAfterDays    int    `yaml:"archive_after_days"`
	CoordinatorMode     bool   `yaml:"coordinator_mode"`
	EscalationThreshold string `yaml:"escalation_threshold"`
}

// SidekickConfig bounds sidekick sessions.
type SidekickConfig struct {
	MaxPerBot      int `yaml:"max_per_bot"`
	MaxPerRoom     int `yaml:"max_per_room"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	TokenBudget    int `yaml:"token_budget"`
}

// SecurityConfig selects the secret backend and content isolation policy.
type SecurityConfig struct {
	KeyringBackend      string `yaml:"keyring_backend"`
	WebContentIsolation bool   `yaml:"web_content_isolation"`
	RequireConfirmation bool   `yaml:"require_confirmation"`
	SkillsDir           string `yaml:"skills_dir"`
}

// ChannelsConfig holds per-connector settings.
type ChannelsConfig struct {
	CLI      CLIChannelConfig      `yaml:"cli"`
	Telegram TelegramChannelConfig `yaml:"telegram"`
	Discord  DiscordChannelConfig  `yaml:"discord"`
	Slack    SlackChannelConfig    `yaml:"slack"`
}

// CLIChannelConfig configures the interactive CLI connector.
type CLIChannelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DefaultRoom string `yaml:"default_room"`
}

// TelegramChannelConfig configures the Telegram connector.
type TelegramChannelConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Token    string   `yaml:"token"`
	AllowIDs []string `yaml:"allow_ids"`
}

// DiscordChannelConfig configures the Discord connector.
type DiscordChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`
}

// SlackChannelConfig configures the Slack connector.
type SlackChannelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// ProvidersConfig holds per-provider LLM settings.
type ProvidersConfig struct {
	Default    string                  `yaml:"default"`
	CheapModel string                  `yaml:"cheap_model"`
	Anthropic  AnthropicProviderConfig `yaml:"anthropic"`
	OpenAI     OpenAIProviderConfig    `yaml:"openai"`
	RateLimit  ProviderRateLimitConfig `yaml:"rate_limit"`
}

// AnthropicProviderConfig configures the Anthropic provider.
type AnthropicProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OpenAIProviderConfig configures the OpenAI provider.
type OpenAIProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ProviderRateLimitConfig caps call rates per provider id.
type ProviderRateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Memory: MemoryConfig{
			Embedding: EmbeddingConfig{
				Provider:  "openai",
				Model:     "text-embedding-3-small",
				Dimension: 768,
			},
			Extraction: ExtractionConfig{
				IntervalSeconds: 60,
				BatchSize:       25,
				MergeThreshold:  0.85,
				CandidateFloor:  0.78,
			},
			Summary: SummaryConfig{
				StalenessThreshold: 10,
				MaxRefreshBatch:    8,
				MaxSourceEvents:    30,
				IntervalSeconds:    300,
			},
			Learning: LearningConfig{
				PromotionThreshold:  0.75,
				MaxPromotionsPerBot: 3,
				HalfLifeDays:        14,
				IntervalSeconds:     3600,
			},
			Context: ContextConfig{
				TokenBudget:   4000,
				RecentEvents:  20,
				MaxToolRounds: 8,
			},
			Privacy: PrivacyConfig{
				RedactCredentials: true,
				RedactPII:         false,
			},
			Tasks: TasksConfig{
				Workers:        2,
				QueueCapacity:  1000,
				QuietThreshold: 30,
			},
			Broker: BrokerConfig{
				GroupCommitMS:   5,
				GroupCommitSize: 64,
				HighWaterMark:   100,
			},
		},
		Rooms: RoomsConfig{
			Defaults: map[string]RoomDefaults{
				string(models.RoomOpen):         {EscalationThreshold: string(models.EscalationMedium)},
				string(models.RoomProject):      {EscalationThreshold: string(models.EscalationMedium), AutoArchive: true, ArchiveAfterDays: 30},
				string(models.RoomDirect):       {EscalationThreshold: string(models.EscalationLow)},
				string(models.RoomCoordination): {EscalationThreshold: string(models.EscalationMedium), CoordinatorMode: true},
			},
			Sidekicks: SidekickConfig{
				MaxPerBot:      3,
				MaxPerRoom:     6,
				TimeoutSeconds: 120,
				TokenBudget:    2000,
			},
		},
		Security: SecurityConfig{
			KeyringBackend:      "auto",
			WebContentIsolation: true,
			RequireConfirmation: true,
			SkillsDir:           "skills",
		},
		Channels: ChannelsConfig{
			CLI: CLIChannelConfig{Enabled: true, DefaultRoom: "general"},
		},
		Providers: ProvidersConfig{
			Default:    "anthropic",
			CheapModel: "claude-3-5-haiku-latest",
			Anthropic:  AnthropicProviderConfig{Model: "claude-sonnet-4-5"},
			OpenAI:     OpenAIProviderConfig{Model: "gpt-4o"},
			RateLimit:  ProviderRateLimitConfig{RequestsPerMinute: 60},
		},
	}
}

// QuietThresholdDuration returns the activity quiet window as a duration.
func (t TasksConfig) QuietThresholdDuration() time.Duration {
	if t.QuietThreshold <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.QuietThreshold) * time.Second
}
