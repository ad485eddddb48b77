package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"council/internal/config"
	"council/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("COUNCIL_CONFIG")); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// loadConfig 读取配置并初始化日志输出；返回的 cleanup 关闭日志文件。
func loadConfig(path string) (*config.Config, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("读取配置失败: %w", err)
	}
	var files []*os.File
	cleanup := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		files = append(files, logFile)
	}
	logger.SetAgentWriter(nil)
	if strings.TrimSpace(cfg.App.AgentLogPath) != "" {
		f, err := setupAgentLogOutput(cfg.App.AgentLogPath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("初始化 agent 日志失败: %w", err)
		}
		files = append(files, f)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	logger.EnableAgentPayloadDump(cfg.App.AgentDump)
	logger.Infof("✓ 配置加载成功（环境=%s，agents=%d）", cfg.App.Env, len(cfg.Agents))
	return cfg, cleanup, nil
}

func openAppend(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	file, err := openAppend(trimmed)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

func setupAgentLogOutput(path string) (*os.File, error) {
	f, err := openAppend(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	logger.SetAgentWriter(f)
	return f, nil
}
