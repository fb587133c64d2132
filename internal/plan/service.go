package plan

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/storage/mysql"
	"TxPilot-Chain/internal/wallet"
	"TxPilot-Chain/pkg/logger"
)

// Service 负责会话的创建、查询与命令转发，是 API 层唯一的入口。
type Service struct {
	registry   *Registry
	gateway    wallet.Gateway
	producer   Producer
	records    mysql.ExecutionRepository
	maxRetries int
}

// NewService 构造会话服务。producer 与 records 均可为 nil（禁用对应能力）。
func NewService(registry *Registry, gateway wallet.Gateway, producer Producer, records mysql.ExecutionRepository, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		registry:   registry,
		gateway:    gateway,
		producer:   producer,
		records:    records,
		maxRetries: maxRetries,
	}
}

// AttachRequest 描述把一个计划附加为执行会话的请求。
type AttachRequest struct {
	ID      string         `json:"id,omitempty"`
	Plan    TxPlan         `json:"plan"`
	Preview map[string]any `json:"preview,omitempty"`
}

// Attach 校验计划并创建会话。指定 ID 且会话已存在时幂等返回已有会话。
// 空计划会被接受为只读会话：它永远没有可执行的步骤。
func (s *Service) Attach(ctx context.Context, req AttachRequest) (*Session, error) {
	if s.registry == nil || s.gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	if err := req.Plan.Validate(); err != nil {
		return nil, err
	}

	sessionID := strings.TrimSpace(req.ID)
	if sessionID != "" {
		if existing, err := s.registry.Get(ctx, sessionID); err == nil {
			return existing, nil
		} else if !stdErrors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	session := &Session{
		ID:         sessionID,
		Preview:    clonePreview(req.Preview),
		plan:       append(TxPlan(nil), req.Plan...),
		executor:   NewExecutor(s.gateway, req.Plan, WithExecutorLogger(logger.Named("executor"))),
		maxRetries: s.maxRetries,
	}
	if err := s.registry.Add(ctx, session); err != nil {
		if stdErrors.Is(err, ErrSessionConflict) {
			if existing, getErr := s.registry.Get(ctx, sessionID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	logger.Audit().Info("会话已附加",
		slog.String("session_id", sessionID),
		slog.Int("steps", len(req.Plan)),
		slog.Int("approvals", req.Plan.TotalApprovals()),
	)
	return session, nil
}

// Get 返回指定会话。
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	if s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	return s.registry.Get(ctx, id)
}

// Snapshot 返回会话基于最新连接状态的派生快照。
func (s *Service) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return session.Executor().Snapshot(ctx), nil
}

// Approve 对会话执行一次 approveNext 命令。门控不满足时无副作用。
func (s *Service) Approve(ctx context.Context, id string) (Snapshot, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := session.Executor().ApproveNext(ctx)
	s.touch(session)
	return snap, nil
}

// Execute 对会话执行 executeMain 命令。主交易成功后写入审计记录。
func (s *Service) Execute(ctx context.Context, id string) (Snapshot, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := session.Executor().ExecuteMain(ctx)
	s.touch(session)
	if snap.IsTxSuccess {
		s.RecordOutcome(ctx, session, "succeeded", "", "")
		logger.Audit().Info("计划执行成功",
			slog.String("session_id", session.ID),
			slog.Int("approvals", snap.TotalApprovals),
		)
	}
	return snap, nil
}

// Autopilot 把会话投递到队列，由 Runner 在服务端驱动全部步骤。
func (s *Service) Autopilot(ctx context.Context, id string) error {
	if s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话队列")
	}
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if len(session.Plan()) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "空计划无法自动执行")
	}
	if session.Executor().State().IsTxSuccess {
		return ErrRunCompleted
	}
	if err := s.producer.Publish(ctx, session.ID); err != nil {
		logger.L().Error("会话入队失败", slog.Any("error", err), slog.String("session_id", session.ID))
		return xerrors.Wrap(CodePlanPublish, err, "发布会话到队列失败")
	}
	logger.Audit().Info("会话进入自动执行队列",
		slog.String("session_id", session.ID),
		slog.Int("max_retries", session.MaxRetries()),
	)
	return nil
}

// Detach 丢弃会话。已附加新计划或 UI 卸载后调用。
func (s *Service) Detach(ctx context.Context, id string) error {
	if s.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	return s.registry.Remove(ctx, id)
}

// List 返回符合过滤条件的会话列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Session, error) {
	if s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	return s.registry.List(ctx, buildListOptions(opts))
}

// Stats 返回会话阶段统计。
func (s *Service) Stats(ctx context.Context) (SessionStats, error) {
	if s.registry == nil {
		return SessionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	return s.registry.Stats(ctx)
}

// History 返回最近的执行审计记录。
func (s *Service) History(ctx context.Context, limit int) ([]mysql.ExecutionRecord, error) {
	if s.records == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置审计存储")
	}
	return s.records.ListLatest(ctx, limit)
}

// RecordOutcome 把会话当前状态转换为审计记录并落库。失败只记日志，
// 不影响调用方：审计是旁路，不能阻塞执行路径。
func (s *Service) RecordOutcome(ctx context.Context, session *Session, status, errCode, errMessage string) {
	if s.records == nil || session == nil {
		return
	}
	record := buildExecutionRecord(session, status, errCode, errMessage)
	if err := s.records.Save(ctx, record); err != nil {
		logger.L().Error("写入审计记录失败",
			slog.Any("error", err),
			slog.String("session_id", session.ID),
		)
	}
}

func (s *Service) touch(session *Session) {
	session.mu.Lock()
	session.UpdatedAt = time.Now().Unix()
	session.mu.Unlock()
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func buildExecutionRecord(session *Session, status, errCode, errMessage string) mysql.ExecutionRecord {
	state := session.Executor().State()
	p := session.Plan()

	record := mysql.ExecutionRecord{
		SessionID:      session.ID,
		StepsTotal:     len(p),
		ApprovalsTotal: state.TotalApprovals,
		Status:         status,
		ErrorCode:      errCode,
		ErrorMessage:   errMessage,
		Outcomes:       make([]mysql.StepOutcome, 0, len(state.Steps)),
		CreatedAt:      time.Now().Unix(),
	}
	if main, ok := p.MainStep(); ok {
		record.ChainID = main.ChainID
	}
	for i, step := range state.Steps {
		outcome := mysql.StepOutcome{
			Index:  i,
			Kind:   "approval",
			Status: string(step.Status),
		}
		if i == len(state.Steps)-1 {
			outcome.Kind = "main"
		}
		if step.Error != nil {
			outcome.Reason = string(step.Error.Reason)
			outcome.Message = step.Error.Message
		}
		if step.TxHash != nil {
			outcome.TxHash = step.TxHash.Hex()
			if outcome.Kind == "main" {
				record.MainTxHash = outcome.TxHash
			}
		}
		record.Outcomes = append(record.Outcomes, outcome)
	}
	return record
}
