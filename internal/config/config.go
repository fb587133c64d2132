package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"TxPilot-Chain/internal/agent"
	"TxPilot-Chain/internal/auth"
)

// Config 描述了 TxPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig          `json:"server"`
	Auth     auth.Config           `json:"auth"`
	Storage  StorageConfig         `json:"storage"`
	Queue    QueueConfig           `json:"session_queue"`
	Wallet   WalletConfig          `json:"wallet"`
	Tokens   TokensConfig          `json:"tokens"`
	// Multisig 为空时不启用多签相关操作。
	Multisig *agent.MultisigConfig `json:"multisig,omitempty"`
	Logging  LoggingConfig         `json:"logging"`
	Runtime  RuntimeConfig         `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述执行审计记录的落库后端。
type StorageConfig struct {
	Records RecordStoreConfig `json:"records"`
}

// RecordStoreConfig 支持内存实现与真正的 MySQL。
type RecordStoreConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// QueueConfig 描述自动执行队列的驱动与消费参数。
type QueueConfig struct {
	Driver      string `json:"driver"`
	RedisAddr   string `json:"redis_addr"`
	RedisDB     int    `json:"redis_db"`
	AMQPURL     string `json:"amqp_url"`
	QueueName   string `json:"queue_name"`
	Workers     int    `json:"workers"`
	MaxRetries  int    `json:"max_retries"`
	StepRetries int    `json:"step_retries"`
}

// WalletConfig 描述网关使用的链定义文件与签名密钥来源。
type WalletConfig struct {
	ChainsFile    string `json:"chains_file"`
	DefaultChain  string `json:"default_chain"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// TokensConfig 描述代币注册表的来源。
type TokensConfig struct {
	File string `json:"file"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	AuditDir  string `json:"audit_dir"`
	AuditName string `json:"audit_name"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Storage.Records.Driver == "" {
		c.Storage.Records.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.QueueName == "" {
		c.Queue.QueueName = "txpilot:sessions"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.StepRetries < 0 {
		c.Queue.StepRetries = 0
	}

	if c.Wallet.ChainsFile == "" {
		c.Wallet.ChainsFile = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Wallet.ChainsFile) {
		c.Wallet.ChainsFile = filepath.Join(baseDir, c.Wallet.ChainsFile)
	}
	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = "TXPILOT_PRIVATE_KEY"
	}

	if c.Tokens.File != "" && !filepath.IsAbs(c.Tokens.File) {
		c.Tokens.File = filepath.Join(baseDir, c.Tokens.File)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
