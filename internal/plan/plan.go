package plan

import (
	stdErrors "errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/wallet"
)

// StepStatus 表示单个交易步骤在状态机中的位置。
// 合法迁移：idle -> pending -> success（终态），或
// idle -> pending -> error -> pending（显式重试）-> ...
type StepStatus string

const (
	StepIdle      StepStatus = "idle"
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "success"
	StepFailed    StepStatus = "error"
)

// TxStep 是计划中的一个交易：目标地址、calldata、金额（wei）与目标链。
// 一旦纳入计划即不可变。
type TxStep struct {
	To      common.Address `json:"to"`
	Data    hexutil.Bytes  `json:"data"`
	Value   *hexutil.Big   `json:"value,omitempty"`
	ChainID uint64         `json:"chain_id"`
}

// Tx 转换为钱包网关的提交格式。
func (s TxStep) Tx() wallet.Tx {
	value := new(big.Int)
	if s.Value != nil {
		value.Set((*big.Int)(s.Value))
	}
	return wallet.Tx{
		To:      s.To,
		Data:    append([]byte(nil), s.Data...),
		Value:   value,
		ChainID: s.ChainID,
	}
}

// TxPlan 是按执行顺序排列的交易序列。最后一个步骤是主交易，
// 之前的步骤都是授权交易。空计划表示只读操作，永远不会被提交。
type TxPlan []TxStep

// TotalApprovals 返回授权步骤数量，恒为 max(0, len-1)。
func (p TxPlan) TotalApprovals() int {
	if len(p) == 0 {
		return 0
	}
	return len(p) - 1
}

// MainStep 返回主交易。空计划没有主交易。
func (p TxPlan) MainStep() (TxStep, bool) {
	if len(p) == 0 {
		return TxStep{}, false
	}
	return p[len(p)-1], true
}

// Validate 校验计划中每个步骤的基本合法性。空计划是合法的只读计划。
func (p TxPlan) Validate() error {
	for i, step := range p {
		if step.ChainID == 0 {
			return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 %d 缺少 chain_id", i))
		}
		if step.Value != nil && (*big.Int)(step.Value).Sign() < 0 {
			return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 %d 的金额不能为负", i))
		}
	}
	return nil
}

// StepError 描述一个步骤失败时暴露给调用方的原因。
type StepError struct {
	Reason  xerrors.Code `json:"reason"`
	Message string       `json:"message"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", e.Reason, e.Message)
}

var (
	// ErrSessionNotFound 表示指定的执行会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionConflict 表示会话在当前状态下无法执行所请求的操作。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示会话的主交易已经成功，无需再执行。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "plan already executed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunExhausted 表示自动执行的重试次数已经耗尽。
	ErrRunExhausted = xerrors.New(CodeRunExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict xerrors.Code = "SESSION_CONFLICT"
	CodeRunCompleted    xerrors.Code = "RUN_COMPLETED"
	CodeRunExhausted    xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodePlanValidation  xerrors.Code = "PLAN_VALIDATION_FAILED"
	CodePlanPublish     xerrors.Code = "PLAN_PUBLISH_FAILED"
	CodeRunFailed       xerrors.Code = "RUN_FAILED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:   "session conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:   "plan already executed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunExhausted, xerrors.Attributes{
		Message:   "run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePlanValidation, xerrors.Attributes{
		Message:   "plan validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanPublish, xerrors.Attributes{
		Message:   "failed to publish session",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunFailed, xerrors.Attributes{
		Message:   "plan run failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsPlanError 判断错误是否为指定的统一计划错误。
func IsPlanError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeSessionNotFound:
		return stdErrors.Is(err, ErrSessionNotFound)
	case CodeSessionConflict:
		return stdErrors.Is(err, ErrSessionConflict)
	case CodeRunCompleted:
		return stdErrors.Is(err, ErrRunCompleted)
	case CodeRunExhausted:
		return stdErrors.Is(err, ErrRunExhausted)
	default:
		return false
	}
}

func clonePreview(preview map[string]any) map[string]any {
	if preview == nil {
		return nil
	}
	cloned := make(map[string]any, len(preview))
	for key, value := range preview {
		cloned[key] = value
	}
	return cloned
}
