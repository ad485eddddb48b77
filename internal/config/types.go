package config

import (
	"os"
	"strings"
	"time"
)

// Config 对应 config.yaml 的整体结构。
type Config struct {
	App       AppConfig                `toml:"app"`
	Council   CouncilConfig            `toml:"council"`
	Risk      RiskConfig               `toml:"risk"`
	Agents    []AgentConfig            `toml:"agents"`
	Backends  map[string]BackendConfig `toml:"backends"`
	Store     StoreConfig              `toml:"store"`
	Execution ExecutionConfig          `toml:"execution"`
	Inbox     InboxConfig              `toml:"inbox"`
}

type AppConfig struct {
	Env          string `toml:"env"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	LogPath      string `toml:"log_path"`
	AgentLogPath string `toml:"agent_log_path"`
	AgentDump    bool   `toml:"agent_dump"`
	HTTPAddr     string `toml:"http_addr"`
}

// CouncilConfig 控制轮次、多数阈值与评分规则。
type CouncilConfig struct {
	RoundTimeoutSeconds int          `toml:"round_timeout_seconds"`
	MaxDebateRounds     int          `toml:"max_debate_rounds"`
	MajorityThreshold   float64      `toml:"majority_threshold"`
	Rubric              RubricConfig `toml:"rubric"`
	RolePriority        []string     `toml:"role_priority"`
	DryRun              bool         `toml:"dry_run"`
	RosterPath          string       `toml:"roster_path"`
	TechnicalWindow     string       `toml:"technical_window"`
	EnrichTechnicals    bool         `toml:"enrich_technicals"`
	MaxLiveCycles       int          `toml:"max_live_cycles"`
}

// RoundTimeout 返回单轮硬超时。
func (c CouncilConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutSeconds) * time.Second
}

// RubricConfig 为方案评分四个维度的权重。
type RubricConfig struct {
	DataAlignment float64 `toml:"data_alignment"`
	RiskControl   float64 `toml:"risk_control"`
	RewardRisk    float64 `toml:"reward_risk"`
	Realism       float64 `toml:"realism"`
}

// RiskConfig 对应执行前的确定性校验。
type RiskConfig struct {
	MinRewardRisk       float64 `toml:"min_reward_risk"`
	MaxPositionFraction float64 `toml:"max_position_fraction"`
	MaxRiskPerTrade     float64 `toml:"max_risk_per_trade"`
	MinNotional         float64 `toml:"min_notional"`
}

// AgentConfig 描述议会中的单个成员。
type AgentConfig struct {
	ID             string   `toml:"id" yaml:"id"`
	Name           string   `toml:"name" yaml:"name"`
	Role           string   `toml:"role" yaml:"role"`
	Weight         *float64 `toml:"weight" yaml:"weight"`
	Backend        string   `toml:"backend" yaml:"backend"`
	Model          string   `toml:"model" yaml:"model"`
	Persona        string   `toml:"persona" yaml:"persona"`
	TimeoutSeconds int      `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Propose        *bool    `toml:"propose" yaml:"propose"`
	Enabled        *bool    `toml:"enabled" yaml:"enabled"`
}

// EffectiveWeight 未配置时权重为 1。
func (a AgentConfig) EffectiveWeight() float64 {
	if a.Weight == nil {
		return 1
	}
	return *a.Weight
}

// Proposes 缺省情况下除魔鬼代言人外均提出方案。
func (a AgentConfig) Proposes() bool {
	if a.Propose != nil {
		return *a.Propose
	}
	return !strings.EqualFold(strings.TrimSpace(a.Role), RoleDevilsAdvocate)
}

func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

func (a AgentConfig) DisplayName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	return a.ID
}

// BackendConfig 是一个具名后端预设，agents 通过 backend 字段引用。
type BackendConfig struct {
	Kind             string            `toml:"kind"`
	BaseURL          string            `toml:"base_url"`
	APIKey           string            `toml:"api_key"`
	Model            string            `toml:"model"`
	Headers          map[string]string `toml:"headers"`
	Temperature      float64           `toml:"temperature" default:"0.2"`
	MaxTokens        int               `toml:"max_tokens" default:"600"`
	JSONMode         bool              `toml:"json_mode"`
	FailureThreshold int               `toml:"failure_threshold" default:"3"`
	CooldownSeconds  int               `toml:"cooldown_seconds" default:"60"`
	// Responses 仅用于 static 后端：phase -> 原始响应文本。
	Responses map[string]string `toml:"responses"`
}

// ResolvedAPIKey 支持 ${ENV} 形式引用环境变量。
func (b BackendConfig) ResolvedAPIKey() string {
	return strings.TrimSpace(os.ExpandEnv(b.APIKey))
}

type StoreConfig struct {
	AuditPath string `toml:"audit_path"`
	IndexPath string `toml:"index_path"`
}

// ExecutionConfig 决定最终决策交给谁。
type ExecutionConfig struct {
	Webhook  WebhookConfig  `toml:"webhook"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Redis    RedisConfig    `toml:"redis"`
	Telegram TelegramConfig `toml:"telegram"`
}

type WebhookConfig struct {
	Enabled        bool              `toml:"enabled"`
	URL            string            `toml:"url"`
	Headers        map[string]string `toml:"headers"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Key      string `toml:"key"`
}

// TelegramConfig 用于推送需要人工复核的决策。
type TelegramConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
	ChatID  int64  `toml:"chat_id"`
}

type InboxConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// 合法角色。
const (
	RoleMacro          = "macro"
	RoleSentiment      = "sentiment"
	RoleTechnician     = "technician"
	RoleRisk           = "risk"
	RoleDevilsAdvocate = "devils_advocate"
	RoleGeneric        = "generic"
)

// 合法后端类型。
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendOllama = "ollama"
	BackendRule   = "rule"
	BackendStatic = "static"
)

var validRoles = map[string]bool{
	RoleMacro:          true,
	RoleSentiment:      true,
	RoleTechnician:     true,
	RoleRisk:           true,
	RoleDevilsAdvocate: true,
	RoleGeneric:        true,
}

var validBackendKinds = map[string]bool{
	BackendOpenAI: true,
	BackendGemini: true,
	BackendOllama: true,
	BackendRule:   true,
	BackendStatic: true,
}
