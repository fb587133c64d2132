package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// StepOutcome 记录计划中单个步骤的最终结果。
type StepOutcome struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"` // approval 或 main
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// ExecutionRecord 表示一次计划执行到达终态后的落库结构。
type ExecutionRecord struct {
	SessionID      string
	ChainID        uint64
	StepsTotal     int
	ApprovalsTotal int
	Status         string // succeeded 或 failed
	ErrorCode      string
	ErrorMessage   string
	MainTxHash     string
	Outcomes       []StepOutcome
	CreatedAt      int64
}

// ExecutionRepository 抽象审计记录的持久化接口。
type ExecutionRepository interface {
	Save(ctx context.Context, record ExecutionRecord) error
	ListLatest(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// MemoryExecutionRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryExecutionRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ExecutionRecord
}

// NewMemoryExecutionRepository 创建一个内存审计仓库。
func NewMemoryExecutionRepository(dataDir string) (*MemoryExecutionRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "executions.log")
	repo := &MemoryExecutionRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录执行结果。
func (m *MemoryExecutionRepository) Save(_ context.Context, record ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化审计记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}

	m.records = append([]ExecutionRecord{record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ListLatest 返回最近的审计记录，按时间倒序排列。
func (m *MemoryExecutionRepository) ListLatest(_ context.Context, limit int) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]ExecutionRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryExecutionRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取审计日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []ExecutionRecord
	for scanner.Scan() {
		var record ExecutionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ExecutionRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析审计日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLExecutionRepository 使用真实的 MySQL 数据库存储审计记录。
type SQLExecutionRepository struct {
	db *sql.DB
}

// NewSQLExecutionRepository 创建连接池并执行内嵌迁移。
func NewSQLExecutionRepository(ctx context.Context, cfg Config) (*SQLExecutionRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLExecutionRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将审计记录写入 MySQL。
func (s *SQLExecutionRepository) Save(ctx context.Context, record ExecutionRecord) error {
	outcomes, err := json.Marshal(record.Outcomes)
	if err != nil {
		return fmt.Errorf("序列化步骤结果失败: %w", err)
	}

	const stmt = `INSERT INTO plan_executions
        (session_id, chain_id, steps_total, approvals_total, status, error_code, error_message, main_tx_hash, outcomes, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.ChainID,
		record.StepsTotal,
		record.ApprovalsTotal,
		record.Status,
		record.ErrorCode,
		record.ErrorMessage,
		record.MainTxHash,
		string(outcomes),
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条审计记录。
func (s *SQLExecutionRepository) ListLatest(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT session_id, chain_id, steps_total, approvals_total, status, error_code, error_message, main_tx_hash, outcomes, created_at
        FROM plan_executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var record ExecutionRecord
		var outcomes string
		if err := rows.Scan(
			&record.SessionID,
			&record.ChainID,
			&record.StepsTotal,
			&record.ApprovalsTotal,
			&record.Status,
			&record.ErrorCode,
			&record.ErrorMessage,
			&record.MainTxHash,
			&outcomes,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析审计记录失败: %w", err)
		}
		if outcomes != "" {
			if err := json.Unmarshal([]byte(outcomes), &record.Outcomes); err != nil {
				return nil, fmt.Errorf("解析步骤结果失败: %w", err)
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLExecutionRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
