package config

import (
	"fmt"
	"math"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Council.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := ValidateAgents(c.Agents, c.Backends); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	return nil
}

func (c *CouncilConfig) validate() error {
	if c.RoundTimeoutSeconds <= 0 {
		return fmt.Errorf("council.round_timeout_seconds must be > 0")
	}
	if c.MaxDebateRounds < 0 {
		return fmt.Errorf("council.max_debate_rounds must be >= 0")
	}
	// 阈值低于 0.5 时可能出现两个标签同时过线。
	if c.MajorityThreshold < 0.5 || c.MajorityThreshold >= 1 {
		return fmt.Errorf("council.majority_threshold must be in [0.5, 1), got %v", c.MajorityThreshold)
	}
	r := c.Rubric
	for name, w := range map[string]float64{
		"data_alignment": r.DataAlignment,
		"risk_control":   r.RiskControl,
		"reward_risk":    r.RewardRisk,
		"realism":        r.Realism,
	} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("council.rubric.%s must be a finite number >= 0", name)
		}
	}
	if r.DataAlignment+r.RiskControl+r.RewardRisk+r.Realism <= 0 {
		return fmt.Errorf("council.rubric requires at least one positive weight")
	}
	for _, role := range c.RolePriority {
		if !validRoles[role] {
			return fmt.Errorf("council.role_priority contains unknown role: %s", role)
		}
	}
	switch c.TechnicalWindow {
	case "7d", "24h", "4h":
	default:
		return fmt.Errorf("council.technical_window must be one of 7d/24h/4h, got %q", c.TechnicalWindow)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MinRewardRisk < 0 {
		return fmt.Errorf("risk.min_reward_risk must be >= 0")
	}
	if r.MaxPositionFraction <= 0 || r.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be in (0, 1]")
	}
	if r.MaxRiskPerTrade <= 0 || r.MaxRiskPerTrade > 1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0, 1]")
	}
	if r.MinNotional < 0 {
		return fmt.Errorf("risk.min_notional must be >= 0")
	}
	return nil
}

func (c *Config) validateBackends() error {
	for name, b := range c.Backends {
		if !validBackendKinds[b.Kind] {
			return fmt.Errorf("backends.%s has unknown kind: %s", name, b.Kind)
		}
		switch b.Kind {
		case BackendOpenAI, BackendGemini:
			if b.ResolvedAPIKey() == "" {
				return fmt.Errorf("backends.%s missing api_key", name)
			}
		case BackendOllama:
			if strings.TrimSpace(b.BaseURL) == "" {
				return fmt.Errorf("backends.%s missing base_url", name)
			}
		case BackendStatic:
			if len(b.Responses) == 0 {
				return fmt.Errorf("backends.%s requires responses", name)
			}
		}
		if b.MaxTokens < 0 {
			return fmt.Errorf("backends.%s.max_tokens must be >= 0", name)
		}
	}
	return nil
}

// ValidateAgents 校验 roster；热加载时同样调用。
func ValidateAgents(agents []AgentConfig, backends map[string]BackendConfig) error {
	if len(agents) == 0 {
		return fmt.Errorf("agents requires at least one agent")
	}
	seen := make(map[string]bool, len(agents))
	var voters, advocates int
	for _, a := range agents {
		if a.ID == "" {
			return fmt.Errorf("agents contains entry without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("agents contains duplicate id: %s", a.ID)
		}
		seen[a.ID] = true
		if !validRoles[a.Role] {
			return fmt.Errorf("agents.%s has unknown role: %s", a.ID, a.Role)
		}
		if w := a.EffectiveWeight(); w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("agents.%s weight must be a finite number >= 0", a.ID)
		}
		if a.TimeoutSeconds < 0 {
			return fmt.Errorf("agents.%s timeout_seconds must be >= 0", a.ID)
		}
		if backends != nil {
			if _, ok := backends[a.Backend]; !ok {
				return fmt.Errorf("agents.%s references unknown backend: %s", a.ID, a.Backend)
			}
		}
		if !a.IsEnabled() {
			continue
		}
		if a.Role == RoleDevilsAdvocate {
			advocates++
		} else {
			voters++
		}
	}
	if voters == 0 {
		return fmt.Errorf("agents requires at least one enabled voting agent")
	}
	if advocates > 1 {
		return fmt.Errorf("agents allows at most one devils_advocate, got %d", advocates)
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.Webhook.Enabled && strings.TrimSpace(e.Webhook.URL) == "" {
		return fmt.Errorf("execution.webhook.url cannot be empty when enabled")
	}
	if e.Kafka.Enabled {
		if len(e.Kafka.Brokers) == 0 {
			return fmt.Errorf("execution.kafka.brokers cannot be empty when enabled")
		}
		if strings.TrimSpace(e.Kafka.Topic) == "" {
			return fmt.Errorf("execution.kafka.topic cannot be empty when enabled")
		}
	}
	if e.Redis.Enabled && strings.TrimSpace(e.Redis.Addr) == "" {
		return fmt.Errorf("execution.redis.addr cannot be empty when enabled")
	}
	if e.Telegram.Enabled {
		if strings.TrimSpace(e.Telegram.Token) == "" {
			return fmt.Errorf("execution.telegram.token cannot be empty when enabled")
		}
		if e.Telegram.ChatID == 0 {
			return fmt.Errorf("execution.telegram.chat_id cannot be empty when enabled")
		}
	}
	return nil
}
