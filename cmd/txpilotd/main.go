package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"TxPilot-Chain/internal/agent"
	"TxPilot-Chain/internal/api"
	"TxPilot-Chain/internal/auth"
	"TxPilot-Chain/internal/config"
	"TxPilot-Chain/internal/observability/metrics"
	"TxPilot-Chain/internal/plan"
	"TxPilot-Chain/internal/storage/mysql"
	"TxPilot-Chain/internal/tokens"
	"TxPilot-Chain/internal/wallet"
	"TxPilot-Chain/internal/wallet/ethereum"
	"TxPilot-Chain/pkg/logger"
)

// main 是 TxPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("txpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TXPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "txpilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditDir != "",
			Path:    filepath.Join(cfg.Logging.AuditDir, auditFileName(cfg)),
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 钱包网关：加载链定义并为每条链建立连接。
	chains, err := wallet.LoadChainDefinitions(cfg.Wallet.ChainsFile)
	if err != nil {
		return err
	}
	privateKey := strings.TrimSpace(os.Getenv(cfg.Wallet.PrivateKeyEnv))
	if privateKey == "" {
		return fmt.Errorf("环境变量 %s 未提供签名私钥", cfg.Wallet.PrivateKeyEnv)
	}
	gateway, err := ethereum.NewGateway(ctx, ethereum.Config{
		Chains:        chains.Chains,
		DefaultChain:  cfg.Wallet.DefaultChain,
		PrivateKeyHex: privateKey,
	})
	if err != nil {
		return err
	}
	defer gateway.Close()

	// 执行审计记录存储。
	var records mysql.ExecutionRepository
	switch cfg.Storage.Records.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryExecutionRepository(dataDir)
		if err != nil {
			return err
		}
		records = repo
	case "mysql":
		repo, err := mysql.NewSQLExecutionRepository(ctx, mysql.Config{
			DSN:          cfg.Storage.Records.DSN,
			MaxOpenConns: cfg.Storage.Records.MaxOpenConns,
			MaxIdleConns: cfg.Storage.Records.MaxIdleConns,
		})
		if err != nil {
			return err
		}
		records = repo
	default:
		return mysql.ErrUnsupportedDriver
	}
	if closer, ok := records.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// 自动执行队列。
	var queue plan.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = plan.NewMemoryQueue(1024)
	case "redis":
		q, err := plan.NewRedisQueue(plan.RedisQueueConfig{
			Address: cfg.Queue.RedisAddr,
			DB:      cfg.Queue.RedisDB,
			Queue:   cfg.Queue.QueueName,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := plan.NewRabbitMQQueue(plan.RabbitMQConfig{
			URL:      cfg.Queue.AMQPURL,
			Queue:    cfg.Queue.QueueName,
			Prefetch: cfg.Queue.Workers,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭会话队列失败: %v", err)
		}
	}()

	// 操作构建器：代币注册表可选。
	var tokenRegistry tokens.Registry
	if cfg.Tokens.File != "" {
		registry, err := tokens.LoadStaticRegistry(cfg.Tokens.File)
		if err != nil {
			return err
		}
		tokenRegistry = registry
	}
	agentBuilders := []agent.Builder{
		agent.NewTransferAgent(tokenRegistry),
		agent.NewCallAgent(tokenRegistry),
	}
	if cfg.Multisig != nil {
		agentBuilders = append(agentBuilders, agent.NewMultisigAgent(*cfg.Multisig))
	}
	builders := agent.NewRegistry(agentBuilders...)

	registry := plan.NewRegistry()
	sessions := plan.NewService(registry, gateway, queue, records, cfg.Queue.MaxRetries)
	defer sessions.Close()

	runner := plan.NewRunner(registry, queue, queue,
		plan.WithWorkerCount(cfg.Queue.Workers),
		plan.WithStepRetries(cfg.Queue.StepRetries),
		plan.WithExecutionRecords(records),
		plan.WithRunnerLogger(logger.Named("runner")),
	)

	runnerCtx, runnerCancel := context.WithCancel(ctx)
	defer runnerCancel()
	go func() {
		if err := runner.Start(runnerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("会话运行器异常退出: %v", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	authService := auth.NewService(cfg.Auth)
	server := api.NewServer(cfg.Server.Address, sessions, builders, authService)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func auditFileName(cfg *config.Config) string {
	name := cfg.Logging.AuditName
	if name == "" {
		name = fmt.Sprintf("audit-%s.log", time.Now().Format("20060102"))
	}
	return name
}
