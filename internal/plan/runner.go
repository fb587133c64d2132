package plan

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/observability/alerting"
	"TxPilot-Chain/internal/observability/metrics"
	"TxPilot-Chain/internal/storage/mysql"
	"TxPilot-Chain/pkg/logger"
)

// Runner 从队列消费会话并在服务端驱动执行器跑完整个计划：
// 逐个授权步骤推进，授权阶段完成后提交主交易。
// 单个步骤失败时在本次运行内按 stepRetries 预算重试；整次运行失败时
// 按会话的 MaxRetries 预算重新入队。
type Runner struct {
	registry    *Registry
	consumer    Consumer
	producer    Producer
	records     mysql.ExecutionRepository
	workerCount int
	stepRetries int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithRunnerLogger 指定日志输出。
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) RunnerOption {
	return func(r *Runner) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithStepRetries 设置单次运行内每个步骤允许的重试次数。
func WithStepRetries(retries int) RunnerOption {
	return func(r *Runner) {
		if retries >= 0 {
			r.stepRetries = retries
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) RunnerOption {
	return func(r *Runner) {
		r.alerter = dispatcher
	}
}

// WithExecutionRecords 配置审计存储。
func WithExecutionRecords(records mysql.ExecutionRepository) RunnerOption {
	return func(r *Runner) {
		r.records = records
	}
}

// NewRunner 构造 Runner。
func NewRunner(registry *Registry, consumer Consumer, producer Producer, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:    registry,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		stepRetries: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.workerCount <= 0 {
		r.workerCount = 1
	}
	return r
}

// Start 启动会话消费循环。
func (r *Runner) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *Runner) handle(ctx context.Context, sessionID string) error {
	if r.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "运行器未初始化")
	}
	session, err := r.registry.Get(ctx, sessionID)
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) {
			r.logDebug("跳过会话", slog.String("session_id", sessionID), slog.String("reason", err.Error()))
			return nil
		}
		return err
	}
	if len(session.Plan()) == 0 {
		// 只读会话：没有任何可提交的步骤。
		r.logDebug("跳过空计划会话", slog.String("session_id", sessionID))
		return nil
	}
	if err := session.ClaimRun(); err != nil {
		if stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunExhausted) {
			r.logDebug("跳过会话", slog.String("session_id", sessionID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取会话失败", slog.Any("error", err), slog.String("session_id", sessionID))
		r.emitAlert(ctx, session, CodeRunFailed, err, "claim")
		return err
	}

	exec := session.Executor()

	// 授权阶段：逐步推进，直到全部通过或某一步耗尽重试预算。
	for {
		snap := exec.Snapshot(ctx)
		if !snap.Connected {
			return r.handleRunFailure(ctx, session, snap.ApprovalIndex,
				xerrors.New(CodeRunFailed, "钱包未连接，无法自动执行"))
		}
		if snap.IsApprovalPhaseComplete {
			break
		}
		if !snap.CanApprove {
			return r.handleRunFailure(ctx, session, snap.ApprovalIndex,
				xerrors.New(CodeRunFailed, "授权步骤不可执行"))
		}
		if stepErr := r.runStep(ctx, exec, snap.ApprovalIndex, stepApprove); stepErr != nil {
			return r.handleRunFailure(ctx, session, snap.ApprovalIndex, stepErr)
		}
	}

	// 主交易阶段。
	snap := exec.Snapshot(ctx)
	mainIndex := snap.TotalApprovals
	if !snap.IsTxSuccess {
		if !snap.CanExecute {
			return r.handleRunFailure(ctx, session, mainIndex,
				xerrors.New(CodeRunFailed, "主交易不可执行"))
		}
		if stepErr := r.runStep(ctx, exec, mainIndex, stepExecute); stepErr != nil {
			return r.handleRunFailure(ctx, session, mainIndex, stepErr)
		}
	}

	r.record(ctx, session, "succeeded", "", "")
	metrics.ObserveSessionRun("succeeded")
	logger.Audit().Info("会话自动执行成功",
		slog.String("session_id", session.ID),
		slog.Int("approvals", exec.State().TotalApprovals),
		slog.Int("attempts", session.Attempts()),
	)
	return nil
}

type stepKind int

const (
	stepApprove stepKind = iota
	stepExecute
)

// runStep 执行一个步骤并在失败时按 stepRetries 预算重试。
// 返回 nil 表示该步骤最终成功。
func (r *Runner) runStep(ctx context.Context, exec *Executor, index int, kind stepKind) error {
	var lastErr *StepError
	for attempt := 0; attempt <= r.stepRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return xerrors.Wrap(CodeRunFailed, err, "会话执行被取消")
		}
		var snap Snapshot
		if kind == stepApprove {
			snap = exec.ApproveNext(ctx)
			if snap.ApprovalIndex > index {
				return nil
			}
			lastErr = snap.ApprovalError
		} else {
			snap = exec.ExecuteMain(ctx)
			if snap.IsTxSuccess {
				return nil
			}
			lastErr = snap.TxError
		}
		if lastErr == nil {
			// 门控拒绝（例如连接中断）：没有错误可重试，直接上抛。
			return xerrors.New(CodeRunFailed, "步骤被门控拒绝")
		}
		if !xerrors.AttributesOf(lastErr.Reason).Retryable {
			break
		}
		r.logDebug("步骤失败，准备重试",
			slog.Int("step", index),
			slog.Int("attempt", attempt+1),
			slog.String("reason", string(lastErr.Reason)),
		)
	}
	return xerrors.New(lastErr.Reason, lastErr.Message)
}

func (r *Runner) handleRunFailure(ctx context.Context, session *Session, stepIndex int, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunFailed
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := session.Attempts() >= session.MaxRetries() || !retryable

	logger.Audit().Warn("会话自动执行失败",
		slog.String("session_id", session.ID),
		slog.Int("step", stepIndex),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", session.Attempts()),
		slog.Int("max_retries", session.MaxRetries()),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		r.record(ctx, session, "failed", string(code), runErr.Error())
		metrics.ObserveSessionRun("failed")
	} else if !retryable {
		stage = "non_retryable"
	}
	r.emitAlert(ctx, session, code, runErr, stage)

	if retryable && !terminal && r.producer != nil {
		if pubErr := r.producer.Publish(ctx, session.ID); pubErr != nil {
			return xerrors.Wrap(CodePlanPublish, pubErr, fmt.Sprintf("会话 %s 重投失败", session.ID))
		}
		r.logDebug("会话已重新排队", slog.String("session_id", session.ID), slog.Int("attempts", session.Attempts()))
	}
	return nil
}

func (r *Runner) record(ctx context.Context, session *Session, status, errCode, errMessage string) {
	if r.records == nil {
		return
	}
	record := buildExecutionRecord(session, status, errCode, errMessage)
	if err := r.records.Save(ctx, record); err != nil {
		logger.L().Error("写入审计记录失败",
			slog.Any("error", err),
			slog.String("session_id", session.ID),
		)
	}
}

func (r *Runner) logDebug(msg string, attrs ...slog.Attr) {
	if r.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		r.logger.Debug(msg, args...)
	}
}

func (r *Runner) emitAlert(ctx context.Context, session *Session, code xerrors.Code, cause error, stage string) {
	if r == nil || r.alerter == nil || session == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		SessionID:  session.ID,
		Attempts:   session.Attempts(),
		MaxRetries: session.MaxRetries(),
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("session_id", session.ID),
			slog.String("stage", stage),
		)
	}
}
