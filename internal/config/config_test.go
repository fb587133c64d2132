package config

import (
	"os"
	"path/filepath"
	"testing"

	"TxPilot-Chain/internal/auth"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txpilot.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Auth.Mode != auth.ModeDisabled {
		t.Fatalf("默认认证模式应为 disabled: %s", cfg.Auth.Mode)
	}
	if cfg.Storage.Records.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("默认驱动应为 memory: %+v", cfg)
	}
	if cfg.Queue.Workers != 2 || cfg.Queue.MaxRetries != 3 {
		t.Fatalf("队列默认参数不符: %+v", cfg.Queue)
	}
	if cfg.Wallet.ChainsFile != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("链定义文件应相对配置目录解析: %s", cfg.Wallet.ChainsFile)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("数据目录默认值不符: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txpilot.json")
	raw := `{
		"server": {"address": ":9090"},
		"wallet": {"chains_file": "conf/chains.yaml"},
		"tokens": {"file": "conf/tokens.json"},
		"session_queue": {"driver": "redis", "redis_addr": "127.0.0.1:6379"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Wallet.ChainsFile != filepath.Join(dir, "conf/chains.yaml") {
		t.Fatalf("相对路径未解析: %s", cfg.Wallet.ChainsFile)
	}
	if cfg.Tokens.File != filepath.Join(dir, "conf/tokens.json") {
		t.Fatalf("相对路径未解析: %s", cfg.Tokens.File)
	}
	if cfg.Queue.Driver != "redis" {
		t.Fatalf("队列驱动不符: %s", cfg.Queue.Driver)
	}
}

func TestLoadParsesMultisigSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txpilot.json")
	raw := `{
		"multisig": {
			"address": "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4",
			"chain_id": 11155111,
			"enabled_ops": ["multisig_deposit", "multisig_confirm"]
		}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Multisig == nil {
		t.Fatal("多签配置未解析")
	}
	if cfg.Multisig.ChainID != 11155111 || len(cfg.Multisig.EnabledOps) != 2 {
		t.Fatalf("多签配置不符: %+v", cfg.Multisig)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("空路径应报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("不存在的文件应报错")
	}
}
