// Package config provides configuration types and loading for convoflow.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Database, Model, Providers, Embedding, Registry, SICC,
// Orchestrator, Triggers, Bus, Channels, Metrics.
type Config struct {
	Database     DatabaseConfig     `json:"database"`
	Model        ModelConfig        `json:"model"`
	Providers    ProvidersConfig    `json:"providers"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Registry     RegistryConfig     `json:"registry"`
	SICC         SICCConfig         `json:"sicc"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Triggers     TriggersConfig     `json:"triggers"`
	Bus          BusConfig          `json:"bus"`
	Channels     ChannelsConfig     `json:"channels"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// ---------------------------------------------------------------------------
// Database – persistent store
// ---------------------------------------------------------------------------

// DatabaseConfig groups SQLite settings.
type DatabaseConfig struct {
	Path    string        `json:"path" envconfig:"PATH"`
	Timeout time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Model – LLM defaults used when an agent does not set its own
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model defaults.
type ModelConfig struct {
	Name        string        `json:"name" envconfig:"MODEL"`
	MaxTokens   int           `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64       `json:"temperature" envconfig:"TEMPERATURE"`
	Timeout     time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	// Default selects the provider used for chat: "openai" or "anthropic".
	Default   string         `json:"default" envconfig:"DEFAULT"`
	OpenAI    ProviderConfig `json:"openai"`
	Anthropic ProviderConfig `json:"anthropic"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Embedding – vector model
// ---------------------------------------------------------------------------

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Model           string `json:"model" envconfig:"MODEL"`
	HFRepo          string `json:"hfRepo" envconfig:"HF_REPO"`
	CacheDir        string `json:"cacheDir" envconfig:"CACHE_DIR"`
	OrtLibraryPath  string `json:"ortLibraryPath" envconfig:"ORT_LIBRARY_PATH"`
	TokenizerPath   string `json:"tokenizerPath" envconfig:"TOKENIZER_PATH"`
	Dimension       int    `json:"dimension" envconfig:"DIMENSION"`
	BatchSize       int    `json:"batchSize" envconfig:"BATCH_SIZE"`
	CacheSize       int    `json:"cacheSize" envconfig:"CACHE_SIZE"`
	DisablePrimary  bool   `json:"disablePrimary" envconfig:"DISABLE_PRIMARY"`
	DisableFallback bool   `json:"disableFallback" envconfig:"DISABLE_FALLBACK"`
	// SimilarityAlgorithm is informational; only "cosine" is supported.
	SimilarityAlgorithm string `json:"similarityAlgorithm" envconfig:"SIMILARITY_ALGORITHM"`
}

// ---------------------------------------------------------------------------
// Registry – agent reconciliation
// ---------------------------------------------------------------------------

// RegistryConfig configures the agent registry sync worker.
type RegistryConfig struct {
	SyncInterval time.Duration `json:"syncInterval" envconfig:"SYNC_INTERVAL"`
}

// ---------------------------------------------------------------------------
// SICC – continuous learning defaults
// ---------------------------------------------------------------------------

// SICCConfig holds process-wide learning defaults. Per-agent overrides live
// in the sicc_settings table.
type SICCConfig struct {
	Enabled                     bool    `json:"enabled" envconfig:"ENABLED"`
	BatchSize                   int     `json:"batchSize" envconfig:"BATCH_SIZE"`
	AutoApproveThreshold        float64 `json:"autoApproveThreshold" envconfig:"AUTO_APPROVE_THRESHOLD"`
	ManualReviewThreshold       float64 `json:"manualReviewThreshold" envconfig:"MANUAL_REVIEW_THRESHOLD"`
	ConsolidationFrequencyHours int     `json:"consolidationFrequencyHours" envconfig:"CONSOLIDATION_FREQUENCY_HOURS"`
	MaxMemoryChunks             int     `json:"maxMemoryChunks" envconfig:"MAX_MEMORY_CHUNKS"`
	MemoryImportanceThreshold   float64 `json:"memoryImportanceThreshold" envconfig:"MEMORY_IMPORTANCE_THRESHOLD"`
	MemoryRetentionDays         int     `json:"memoryRetentionDays" envconfig:"MEMORY_RETENTION_DAYS"`
	MaxBehaviorPatterns         int     `json:"maxBehaviorPatterns" envconfig:"MAX_BEHAVIOR_PATTERNS"`
	PatternMinUsageCount        int     `json:"patternMinUsageCount" envconfig:"PATTERN_MIN_USAGE_COUNT"`
	PatternSuccessThreshold     float64 `json:"patternSuccessThreshold" envconfig:"PATTERN_SUCCESS_THRESHOLD"`
	AutoSnapshotEnabled         bool    `json:"autoSnapshotEnabled" envconfig:"AUTO_SNAPSHOT_ENABLED"`
	SnapshotFrequencyDays       int     `json:"snapshotFrequencyDays" envconfig:"SNAPSHOT_FREQUENCY_DAYS"`
	SnapshotRetentionDays       int     `json:"snapshotRetentionDays" envconfig:"SNAPSHOT_RETENTION_DAYS"`
	AnalysisWindowHours         int     `json:"analysisWindowHours" envconfig:"ANALYSIS_WINDOW_HOURS"`
	AnalysisMinMessages         int     `json:"analysisMinMessages" envconfig:"ANALYSIS_MIN_MESSAGES"`
	RetryAttempts               int     `json:"retryAttempts" envconfig:"RETRY_ATTEMPTS"`
}

// ---------------------------------------------------------------------------
// Orchestrator – request path
// ---------------------------------------------------------------------------

// OrchestratorConfig configures per-message processing.
type OrchestratorConfig struct {
	HistoryLimit     int  `json:"historyLimit" envconfig:"HISTORY_LIMIT"`
	TokenBudget      int  `json:"tokenBudget" envconfig:"TOKEN_BUDGET"`
	EnrichmentEnable bool `json:"enrichmentEnabled" envconfig:"ENRICHMENT_ENABLED"`
	// DefaultAgent (ID or slug) answers channel messages that name no agent.
	DefaultAgent string `json:"defaultAgent" envconfig:"DEFAULT_AGENT"`
	Workers      int    `json:"workers" envconfig:"WORKERS"`
	// Tool tiers: 0 read-only, 1 write, 2 external side effects.
	MaxToolTier         int `json:"maxToolTier" envconfig:"MAX_TOOL_TIER"`
	ExternalMaxToolTier int `json:"externalMaxToolTier" envconfig:"EXTERNAL_MAX_TOOL_TIER"`
}

// ---------------------------------------------------------------------------
// Triggers – automation rules
// ---------------------------------------------------------------------------

// TriggersConfig configures the trigger scheduler.
type TriggersConfig struct {
	Enabled        bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval   time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcurrent  int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	ChannelTimeout time.Duration `json:"channelTimeout" envconfig:"CHANNEL_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Bus – worker transport
// ---------------------------------------------------------------------------

// BusConfig selects the worker bus. With no brokers the in-process bus is used.
type BusConfig struct {
	Brokers       []string `json:"brokers" envconfig:"BROKERS"`
	ActionTopic   string   `json:"actionTopic" envconfig:"ACTION_TOPIC"`
	EventTopic    string   `json:"eventTopic" envconfig:"EVENT_TOPIC"`
	LearningTopic string   `json:"learningTopic" envconfig:"LEARNING_TOPIC"`
	GroupID       string   `json:"groupId" envconfig:"GROUP_ID"`
}

// ---------------------------------------------------------------------------
// Channels – outbound integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
	SMTP     SMTPConfig     `json:"smtp"`
	Webhook  WebhookConfig  `json:"webhook"`
}

// WhatsAppConfig configures the native WhatsApp sender.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	StorePath string `json:"storePath" envconfig:"STORE_PATH"`
	QRPath    string `json:"qrPath" envconfig:"QR_PATH"`
}

// SlackConfig configures team notifications.
type SlackConfig struct {
	Enabled        bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken       string `json:"botToken" envconfig:"BOT_TOKEN"`
	APIBase        string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	DefaultChannel string `json:"defaultChannel" envconfig:"DEFAULT_CHANNEL"`
}

// SMTPConfig configures outbound email.
type SMTPConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	Host     string `json:"host" envconfig:"HOST"`
	Port     int    `json:"port" envconfig:"PORT"`
	Username string `json:"username" envconfig:"USERNAME"`
	Password string `json:"password" envconfig:"PASSWORD"`
	From     string `json:"from" envconfig:"FROM"`
}

// WebhookConfig configures inbound channel webhooks.
type WebhookConfig struct {
	Addr   string `json:"addr" envconfig:"ADDR"`
	Secret string `json:"secret" envconfig:"SECRET"`
}

// ---------------------------------------------------------------------------
// Metrics – Prometheus exposition
// ---------------------------------------------------------------------------

// MetricsConfig configures the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Addr    string `json:"addr" envconfig:"ADDR"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:    "~/.convoflow/convoflow.db",
			Timeout: 10 * time.Second,
		},
		Model: ModelConfig{
			Name:        "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     30 * time.Second,
		},
		Providers: ProvidersConfig{
			Default: "openai",
		},
		Embedding: EmbeddingConfig{
			Model:               "gte-small",
			HFRepo:              "thenlper/gte-small",
			CacheDir:            "~/.convoflow/models",
			Dimension:           384,
			BatchSize:           32,
			CacheSize:           2048,
			SimilarityAlgorithm: "cosine",
		},
		Registry: RegistryConfig{
			SyncInterval: 60 * time.Second,
		},
		SICC: SICCConfig{
			Enabled:                     true,
			BatchSize:                   10,
			AutoApproveThreshold:        0.9,
			ManualReviewThreshold:       0.7,
			ConsolidationFrequencyHours: 24,
			MaxMemoryChunks:             10000,
			MemoryImportanceThreshold:   0.3,
			MemoryRetentionDays:         365,
			MaxBehaviorPatterns:         1000,
			PatternMinUsageCount:        5,
			PatternSuccessThreshold:     0.6,
			AutoSnapshotEnabled:         true,
			SnapshotFrequencyDays:       7,
			SnapshotRetentionDays:       90,
			AnalysisWindowHours:         24,
			AnalysisMinMessages:         3,
			RetryAttempts:               3,
		},
		Orchestrator: OrchestratorConfig{
			HistoryLimit:        10,
			TokenBudget:         8000,
			EnrichmentEnable:    true,
			Workers:             4,
			MaxToolTier:         2,
			ExternalMaxToolTier: 1,
		},
		Triggers: TriggersConfig{
			Enabled:        true,
			TickInterval:   60 * time.Second,
			MaxConcurrent:  5,
			ChannelTimeout: 30 * time.Second,
		},
		Bus: BusConfig{
			ActionTopic:   "convoflow.trigger.actions",
			EventTopic:    "convoflow.trigger.events",
			LearningTopic: "convoflow.sicc.interactions",
			GroupID:       "convoflow-workers",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				StorePath: "~/.convoflow/whatsapp.db",
				QRPath:    "~/.convoflow/whatsapp-qr.png",
			},
			SMTP: SMTPConfig{
				Port: 587,
			},
			Webhook: WebhookConfig{
				Addr: "127.0.0.1:18800",
			},
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:18801",
		},
	}
}
