package provider

import (
	"fmt"
	"sort"

	"council/internal/config"
	"council/internal/logger"
)

// New 根据后端预设创建实例。
func New(name string, cfg config.BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case config.BackendOpenAI:
		return NewOpenAI(name, cfg)
	case config.BackendGemini:
		return NewGemini(name, cfg)
	case config.BackendOllama:
		return NewOllama(name, cfg)
	case config.BackendRule:
		return NewRule(name), nil
	case config.BackendStatic:
		return NewStatic(name, cfg)
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", name, cfg.Kind)
	}
}

// BuildAll 为全部预设创建实例，按名称排序处理以保证日志顺序稳定。
func BuildAll(presets map[string]config.BackendConfig) (map[string]Backend, error) {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]Backend, len(presets))
	for _, name := range names {
		b, err := New(name, presets[name])
		if err != nil {
			return nil, err
		}
		out[name] = b
		logger.Infof("后端已就绪: %s (kind=%s)", name, presets[name].Kind)
	}
	return out, nil
}
