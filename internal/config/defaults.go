package config

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9992"
	defaultRoundTimeout      = 30
	defaultMaxDebateRounds   = 2
	defaultMajorityThreshold = 0.5
	defaultRubricWeight      = 1.0
	defaultTechnicalWindow   = "4h"
	defaultMaxLiveCycles     = 16
	defaultMinRewardRisk     = 2.0
	defaultMaxPositionFrac   = 0.1
	defaultMaxRiskPerTrade   = 0.02
	defaultAuditPath         = "data/council/audit.db"
	defaultIndexPath         = "data/council/cycles.db"
	defaultWebhookTimeout    = 10
	defaultRedisKey          = "council:decisions"
	defaultInboxDir          = "data/inbox"
	defaultBackendName       = "rule"
)

// DefaultRolePriority 为评分平局时的角色顺序。
var DefaultRolePriority = []string{RoleMacro, RoleTechnician, RoleSentiment, RoleRisk}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) error {
	c.App.applyDefaults(keys)
	c.Council.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Inbox.applyDefaults(keys)
	if err := c.applyBackendDefaults(keys); err != nil {
		return err
	}
	c.Agents = NormalizeAgents(c.Agents)
	return nil
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (c *CouncilConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "council.round_timeout_seconds",
			need:  func() bool { return c.RoundTimeoutSeconds <= 0 },
			apply: func() { c.RoundTimeoutSeconds = defaultRoundTimeout },
		},
		fieldDefault{
			key:   "council.max_debate_rounds",
			apply: func() { c.MaxDebateRounds = defaultMaxDebateRounds },
		},
		fieldDefault{
			key:   "council.majority_threshold",
			apply: func() { c.MajorityThreshold = defaultMajorityThreshold },
		},
		floatFieldDefault("council.rubric.data_alignment", &c.Rubric.DataAlignment, defaultRubricWeight),
		floatFieldDefault("council.rubric.risk_control", &c.Rubric.RiskControl, defaultRubricWeight),
		floatFieldDefault("council.rubric.reward_risk", &c.Rubric.RewardRisk, defaultRubricWeight),
		floatFieldDefault("council.rubric.realism", &c.Rubric.Realism, defaultRubricWeight),
		stringFieldDefault("council.technical_window", &c.TechnicalWindow, defaultTechnicalWindow),
		fieldDefault{
			key:   "council.max_live_cycles",
			need:  func() bool { return c.MaxLiveCycles <= 0 },
			apply: func() { c.MaxLiveCycles = defaultMaxLiveCycles },
		},
	)
	c.RolePriority = normalizeList(c.RolePriority)
	if len(c.RolePriority) == 0 {
		c.RolePriority = append([]string(nil), DefaultRolePriority...)
	}
	c.TechnicalWindow = strings.ToLower(strings.TrimSpace(c.TechnicalWindow))
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.min_reward_risk", &r.MinRewardRisk, defaultMinRewardRisk),
		floatFieldDefault("risk.max_position_fraction", &r.MaxPositionFraction, defaultMaxPositionFrac),
		floatFieldDefault("risk.max_risk_per_trade", &r.MaxRiskPerTrade, defaultMaxRiskPerTrade),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("store.audit_path", &s.AuditPath, defaultAuditPath),
		stringFieldDefault("store.index_path", &s.IndexPath, defaultIndexPath),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "execution.webhook.timeout_seconds",
			need:  func() bool { return e.Webhook.TimeoutSeconds <= 0 },
			apply: func() { e.Webhook.TimeoutSeconds = defaultWebhookTimeout },
		},
		stringFieldDefault("execution.redis.key", &e.Redis.Key, defaultRedisKey),
	)
	e.Kafka.Brokers = normalizeList(e.Kafka.Brokers)
}

func (i *InboxConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("inbox.dir", &i.Dir, defaultInboxDir),
	)
}

// applyBackendDefaults 使用 struct tag 默认值填充后端预设；显式写出的字段保持不变。
// 未声明 rule 后端时自动补一个，保证零配置也能跑通。
func (c *Config) applyBackendDefaults(keys keySet) error {
	if c.Backends == nil {
		c.Backends = make(map[string]BackendConfig)
	}
	if _, ok := c.Backends[defaultBackendName]; !ok {
		c.Backends[defaultBackendName] = BackendConfig{Kind: BackendRule}
	}
	normalized := make(map[string]BackendConfig, len(c.Backends))
	for name, b := range c.Backends {
		key := strings.ToLower(strings.TrimSpace(name))
		explicit := b
		if err := defaults.Set(&b); err != nil {
			return fmt.Errorf("backends.%s defaults failed: %w", key, err)
		}
		prefix := "backends." + key + "."
		if keys.isSet(prefix + "temperature") {
			b.Temperature = explicit.Temperature
		}
		if keys.isSet(prefix + "max_tokens") {
			b.MaxTokens = explicit.MaxTokens
		}
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		if b.Kind == "" {
			b.Kind = key
		}
		normalized[key] = b
	}
	c.Backends = normalized
	return nil
}

// NormalizeAgents 统一大小写并填充缺省后端，roster 热加载时复用。
func NormalizeAgents(in []AgentConfig) []AgentConfig {
	if len(in) == 0 {
		return nil
	}
	out := make([]AgentConfig, 0, len(in))
	for _, a := range in {
		a.ID = strings.TrimSpace(a.ID)
		a.Role = strings.ToLower(strings.TrimSpace(a.Role))
		if a.Role == "" {
			a.Role = RoleGeneric
		}
		a.Backend = strings.ToLower(strings.TrimSpace(a.Backend))
		if a.Backend == "" {
			a.Backend = defaultBackendName
		}
		out = append(out, a)
	}
	return out
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

// applyFieldDefaults 仅对未显式配置的 key 应用默认值。
func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, item := range in {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
