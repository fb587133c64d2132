package plan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/observability/metrics"
	"TxPilot-Chain/internal/wallet"
)

// stepState 记录一个步骤的当前状态与失败原因。
type stepState struct {
	status StepStatus
	err    *StepError
	txHash common.Hash
}

// Executor 按顺序驱动钱包完成一个 TxPlan：先逐个完成授权步骤，全部成功后
// 才允许执行主交易。实例内部保证任意时刻至多一个步骤处于 pending，
// 失败的步骤只能通过再次调用命令显式重试，绝不自动重试。
//
// 门控状态（CanApprove/CanExecute）在每次读取时基于钱包连接的最新快照
// 重新推导，从不缓存，因此外部切换网络或断开钱包后不会放行过期的操作。
type Executor struct {
	gateway wallet.Gateway
	logger  *slog.Logger

	mu            sync.Mutex
	plan          TxPlan
	steps         []stepState
	approvalIndex int
	busy          bool
}

// ExecutorOption 定义可选的 Executor 配置。
type ExecutorOption func(*Executor)

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor 为一个计划创建执行器。计划自此不可变；
// 更换计划意味着丢弃本实例并创建新的执行器。
func NewExecutor(gateway wallet.Gateway, p TxPlan, opts ...ExecutorOption) *Executor {
	e := &Executor{
		gateway: gateway,
		plan:    append(TxPlan(nil), p...),
		steps:   make([]stepState, len(p)),
	}
	for i := range e.steps {
		e.steps[i].status = StepIdle
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// StepView 是单个步骤状态的只读视图。
type StepView struct {
	Status StepStatus   `json:"status"`
	Error  *StepError   `json:"error,omitempty"`
	TxHash *common.Hash `json:"tx_hash,omitempty"`
}

// Snapshot 汇总执行器的全部派生状态，供 UI 做门控与展示。
type Snapshot struct {
	Connected               bool       `json:"connected"`
	Address                 string     `json:"address,omitempty"`
	ChainID                 uint64     `json:"chain_id,omitempty"`
	ApprovalIndex           int        `json:"approval_index"`
	TotalApprovals          int        `json:"total_approvals"`
	IsApprovalPending       bool       `json:"is_approval_pending"`
	ApprovalError           *StepError `json:"approval_error,omitempty"`
	IsApprovalPhaseComplete bool       `json:"is_approval_phase_complete"`
	IsTxPending             bool       `json:"is_tx_pending"`
	IsTxSuccess             bool       `json:"is_tx_success"`
	TxError                 *StepError `json:"tx_error,omitempty"`
	CanApprove              bool       `json:"can_approve"`
	CanExecute              bool       `json:"can_execute"`
	Steps                   []StepView `json:"steps"`
}

// Snapshot 基于最新的连接状态重新推导全部门控谓词。
func (e *Executor) Snapshot(ctx context.Context) Snapshot {
	acct, connected := e.account(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(acct, connected)
}

// State 返回不含连接门控的状态快照，用于列表与统计等无需钱包的场景。
func (e *Executor) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(wallet.Account{}, false)
}

func (e *Executor) account(ctx context.Context) (wallet.Account, bool) {
	if e.gateway == nil {
		return wallet.Account{}, false
	}
	return e.gateway.Account(ctx)
}

func (e *Executor) snapshotLocked(acct wallet.Account, connected bool) Snapshot {
	snap := Snapshot{
		Connected:      connected,
		ApprovalIndex:  e.approvalIndex,
		TotalApprovals: e.plan.TotalApprovals(),
		Steps:          make([]StepView, len(e.steps)),
	}
	if connected {
		snap.Address = acct.Address.Hex()
		snap.ChainID = acct.ChainID
	}
	for i, state := range e.steps {
		view := StepView{Status: state.status, Error: state.err}
		if state.txHash != (common.Hash{}) {
			hash := state.txHash
			view.TxHash = &hash
		}
		snap.Steps[i] = view
	}

	snap.IsApprovalPhaseComplete = e.approvalIndex == snap.TotalApprovals
	if e.approvalIndex < snap.TotalApprovals {
		cursor := e.steps[e.approvalIndex]
		snap.IsApprovalPending = cursor.status == StepPending
		if cursor.status == StepFailed {
			snap.ApprovalError = cursor.err
		}
	}
	if main := e.mainState(); main != nil {
		snap.IsTxPending = main.status == StepPending
		snap.IsTxSuccess = main.status == StepSucceeded
		if main.status == StepFailed {
			snap.TxError = main.err
		}
	}

	snap.CanApprove = connected && len(e.plan) > 0 &&
		!snap.IsApprovalPhaseComplete && !e.busy
	snap.CanExecute = connected && len(e.plan) > 0 &&
		snap.IsApprovalPhaseComplete && !snap.IsTxPending && !snap.IsTxSuccess && !e.busy
	return snap
}

func (e *Executor) mainState() *stepState {
	if len(e.steps) == 0 {
		return nil
	}
	return &e.steps[len(e.steps)-1]
}

// ApproveNext 尝试执行当前游标指向的授权步骤。门控不满足时静默返回，
// 不产生任何状态变化。失败只写入步骤状态，绝不向调用方抛出。
// 调用会阻塞至链上确认或失败，返回执行后的最新快照。
func (e *Executor) ApproveNext(ctx context.Context) Snapshot {
	acct, connected := e.account(ctx)

	e.mu.Lock()
	gate := e.snapshotLocked(acct, connected)
	if !gate.CanApprove {
		e.mu.Unlock()
		e.logDebug("approve 被门控拒绝",
			slog.Bool("connected", connected),
			slog.Bool("phase_complete", gate.IsApprovalPhaseComplete),
			slog.Int("approval_index", gate.ApprovalIndex),
		)
		return gate
	}
	idx := e.approvalIndex
	step := e.plan[idx]
	e.steps[idx].status = StepPending
	e.steps[idx].err = nil
	e.busy = true
	e.mu.Unlock()

	e.runStep(ctx, acct, idx, step, true)
	return e.Snapshot(ctx)
}

// ExecuteMain 尝试执行主交易。要求所有授权步骤均已成功（或本就没有
// 授权步骤）。成功后计划进入终态，再次调用将静默无操作。
func (e *Executor) ExecuteMain(ctx context.Context) Snapshot {
	acct, connected := e.account(ctx)

	e.mu.Lock()
	gate := e.snapshotLocked(acct, connected)
	if !gate.CanExecute {
		e.mu.Unlock()
		e.logDebug("execute 被门控拒绝",
			slog.Bool("connected", connected),
			slog.Bool("phase_complete", gate.IsApprovalPhaseComplete),
			slog.Bool("tx_pending", gate.IsTxPending),
			slog.Bool("tx_success", gate.IsTxSuccess),
		)
		return gate
	}
	idx := len(e.plan) - 1
	step := e.plan[idx]
	e.steps[idx].status = StepPending
	e.steps[idx].err = nil
	e.busy = true
	e.mu.Unlock()

	e.runStep(ctx, acct, idx, step, false)
	return e.Snapshot(ctx)
}

// runStep 完成一次链切换、提交与确认，并把结果写回步骤状态。
// 调用期间不持锁，挂起点（切链、签名、确认）天然串行。
func (e *Executor) runStep(ctx context.Context, acct wallet.Account, idx int, step TxStep, approval bool) {
	if acct.ChainID != step.ChainID {
		if err := e.gateway.SwitchChain(ctx, step.ChainID); err != nil {
			// 切链被拒绝时不发送交易。
			e.finishStep(idx, approval, common.Hash{}, &StepError{
				Reason:  wallet.CodeChainSwitchFailed,
				Message: err.Error(),
			})
			return
		}
	}

	receipt, err := e.gateway.SendTransaction(ctx, step.Tx())
	if err != nil {
		e.finishStep(idx, approval, common.Hash{}, classifyStepError(err))
		return
	}
	e.finishStep(idx, approval, receipt.TxHash, nil)
}

func (e *Executor) finishStep(idx int, approval bool, txHash common.Hash, stepErr *StepError) {
	kind := "main"
	if approval {
		kind = "approval"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = false
	if stepErr != nil {
		metrics.ObserveStepExecution(kind, string(StepFailed))
		// 失败后游标保持原位，等待显式重试。
		e.steps[idx].status = StepFailed
		e.steps[idx].err = stepErr
		e.logDebug("步骤执行失败",
			slog.Int("step", idx),
			slog.String("reason", string(stepErr.Reason)),
			slog.String("message", stepErr.Message),
		)
		return
	}
	metrics.ObserveStepExecution(kind, string(StepSucceeded))
	e.steps[idx].status = StepSucceeded
	e.steps[idx].err = nil
	e.steps[idx].txHash = txHash
	if approval {
		e.approvalIndex++
	}
}

// classifyStepError 把网关错误折叠进统一的步骤失败口径。
func classifyStepError(err error) *StepError {
	code := xerrors.CodeOf(err)
	switch code {
	case wallet.CodeChainSwitchFailed, wallet.CodeRejected, wallet.CodeTxReverted, wallet.CodeNotConnected:
	default:
		code = xerrors.CodeUnknown
	}
	return &StepError{Reason: code, Message: err.Error()}
}

func (e *Executor) logDebug(msg string, attrs ...slog.Attr) {
	if e.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	e.logger.Debug(msg, args...)
}
