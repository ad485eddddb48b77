package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"council/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// rosterFile 是 roster_path 指向文件的结构。
type rosterFile struct {
	Agents []AgentConfig `yaml:"agents"`
}

// LoadRoster 严格解析 roster 文件，未知字段视为错误。
func LoadRoster(path string) ([]AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster failed: %w", err)
	}
	return decodeRoster(raw)
}

func decodeRoster(raw []byte) ([]AgentConfig, error) {
	var file rosterFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse roster failed: %w", err)
	}
	return NormalizeAgents(file.Agents), nil
}

// RosterSnapshot 为某一时刻的只读 roster。
type RosterSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Agents   []AgentConfig
}

// RosterListener 在 roster 变更时被调用。
type RosterListener func(RosterSnapshot)

// RosterWatcher 持有当前 roster，并在文件变更时重新加载。
// 已开始的 cycle 持有自己的 roster 副本，不受重载影响。
type RosterWatcher struct {
	path     string
	backends map[string]BackendConfig
	v        *viper.Viper

	mu        sync.RWMutex
	snapshot  RosterSnapshot
	listeners []RosterListener
}

// NewStaticRoster 返回不监听文件的 roster，用于 agents 直接写在主配置中的情况。
func NewStaticRoster(agents []AgentConfig) *RosterWatcher {
	return &RosterWatcher{snapshot: RosterSnapshot{Version: 1, LoadedAt: time.Now(), Agents: cloneAgents(agents)}}
}

// WatchRoster 读取 roster 文件并开始监听 FS 事件；校验失败的新版本会被丢弃。
func WatchRoster(path string, backends map[string]BackendConfig) (*RosterWatcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("roster watcher requires path")
	}
	w := &RosterWatcher{path: path, backends: backends}
	if err := w.reload(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read roster failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.reload(); err != nil {
			logger.Errorf("roster 重载失败 (%s): %v", evt.Name, err)
			return
		}
		w.notify()
	})
	v.WatchConfig()
	w.v = v
	return w, nil
}

// Snapshot 返回当前 roster 的深拷贝。
func (w *RosterWatcher) Snapshot() RosterSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap := w.snapshot
	snap.Agents = cloneAgents(snap.Agents)
	return snap
}

// Subscribe 注册监听器。
func (w *RosterWatcher) Subscribe(fn RosterListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *RosterWatcher) notify() {
	snap := w.Snapshot()
	w.mu.RLock()
	listeners := append([]RosterListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("roster listener panic: %v", r)
				}
			}()
			fn(snap)
		}()
	}
}

func (w *RosterWatcher) reload() error {
	agents, err := LoadRoster(w.path)
	if err != nil {
		return err
	}
	if err := ValidateAgents(agents, w.backends); err != nil {
		return err
	}
	w.mu.Lock()
	w.snapshot = RosterSnapshot{
		Version:  w.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Agents:   agents,
	}
	w.mu.Unlock()
	logger.Infof("roster 已加载 %d 个 agent (%s)", len(agents), filepath.Base(w.path))
	return nil
}

func cloneAgents(in []AgentConfig) []AgentConfig {
	if len(in) == 0 {
		return nil
	}
	out := make([]AgentConfig, len(in))
	for i, a := range in {
		if a.Weight != nil {
			w := *a.Weight
			a.Weight = &w
		}
		if a.Propose != nil {
			p := *a.Propose
			a.Propose = &p
		}
		if a.Enabled != nil {
			e := *a.Enabled
			a.Enabled = &e
		}
		out[i] = a
	}
	return out
}
