package agent

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/plan"
)

// OpKind 标识一类受支持的链上操作。
type OpKind string

const (
	OpNativeTransfer   OpKind = "native_transfer"
	OpTokenTransfer    OpKind = "token_transfer"
	OpTokenApproveCall OpKind = "token_approve_call"
	OpMultisigDeposit  OpKind = "multisig_deposit"
	OpMultisigSubmit   OpKind = "multisig_submit"
	OpMultisigConfirm  OpKind = "multisig_confirm"
	OpMultisigRevoke   OpKind = "multisig_revoke"
)

// 统一的操作构建错误码。
const (
	CodeOpInvalid     xerrors.Code = "AGENT_OP_INVALID"
	CodeOpUnsupported xerrors.Code = "AGENT_OP_UNSUPPORTED"
	CodeTokenUnknown  xerrors.Code = "AGENT_TOKEN_UNKNOWN"
)

func init() {
	xerrors.Register(CodeOpInvalid, xerrors.Attributes{
		Message:   "operation failed validation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOpUnsupported, xerrors.Attributes{
		Message:   "operation kind not supported",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTokenUnknown, xerrors.Attributes{
		Message:   "token not found in registry",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Operation 是带标签的操作描述。Kind 决定哪些字段是必填的，
// 未被该 Kind 使用的字段会被忽略。
type Operation struct {
	Kind    OpKind `json:"kind"`
	ChainID uint64 `json:"chain_id"`

	// 转账与授权类字段。
	To     string        `json:"to,omitempty"`
	Token  string        `json:"token,omitempty"`
	Amount *hexutil.Big  `json:"amount,omitempty"`
	Data   hexutil.Bytes `json:"data,omitempty"`

	// 合约调用类字段。
	Contract string `json:"contract,omitempty"`

	// 多签类字段。
	TxIndex *uint64 `json:"tx_index,omitempty"`
}

// PlanResult 是一次操作构建的产物：预览数据与交易计划。
// 只读操作的 Plan 为空。
type PlanResult struct {
	Preview map[string]any `json:"preview"`
	Plan    plan.TxPlan    `json:"plan"`
}

// Builder 把一种操作构建为交易计划。
type Builder interface {
	Kinds() []OpKind
	Build(ctx context.Context, op Operation) (PlanResult, error)
}

// Registry 按操作 Kind 分发到对应的 Builder。
type Registry struct {
	builders map[OpKind]Builder
}

// NewRegistry 创建 Registry 并登记所有 Builder。
func NewRegistry(builders ...Builder) *Registry {
	set := make(map[OpKind]Builder)
	for _, b := range builders {
		if b == nil {
			continue
		}
		for _, kind := range b.Kinds() {
			set[kind] = b
		}
	}
	return &Registry{builders: set}
}

// Build 校验操作并分发给对应的 Builder。
func (r *Registry) Build(ctx context.Context, op Operation) (PlanResult, error) {
	if err := op.validate(); err != nil {
		return PlanResult{}, err
	}
	builder, ok := r.builders[op.Kind]
	if !ok {
		return PlanResult{}, xerrors.New(CodeOpUnsupported, fmt.Sprintf("不支持的操作类型: %s", op.Kind))
	}
	return builder.Build(ctx, op)
}

// Supported 返回已登记的操作类型。
func (r *Registry) Supported() []OpKind {
	kinds := make([]OpKind, 0, len(r.builders))
	for kind := range r.builders {
		kinds = append(kinds, kind)
	}
	return kinds
}

// validate 按 Kind 校验必填字段。
func (op Operation) validate() error {
	if op.ChainID == 0 {
		return xerrors.New(CodeOpInvalid, "操作缺少 chain_id")
	}
	switch op.Kind {
	case OpNativeTransfer:
		if err := requireAddress("to", op.To); err != nil {
			return err
		}
		return requirePositiveAmount(op.Amount)
	case OpTokenTransfer:
		if err := requireAddress("to", op.To); err != nil {
			return err
		}
		if strings.TrimSpace(op.Token) == "" {
			return xerrors.New(CodeOpInvalid, "代币转账缺少 token 符号")
		}
		return requirePositiveAmount(op.Amount)
	case OpTokenApproveCall:
		if err := requireAddress("contract", op.Contract); err != nil {
			return err
		}
		if strings.TrimSpace(op.Token) == "" {
			return xerrors.New(CodeOpInvalid, "授权调用缺少 token 符号")
		}
		if len(op.Data) == 0 {
			return xerrors.New(CodeOpInvalid, "授权调用缺少 calldata")
		}
		return requirePositiveAmount(op.Amount)
	case OpMultisigDeposit:
		return requirePositiveAmount(op.Amount)
	case OpMultisigSubmit:
		return requireAddress("to", op.To)
	case OpMultisigConfirm, OpMultisigRevoke:
		if op.TxIndex == nil {
			return xerrors.New(CodeOpInvalid, fmt.Sprintf("%s 缺少 tx_index", op.Kind))
		}
		return nil
	default:
		return xerrors.New(CodeOpUnsupported, fmt.Sprintf("未知的操作类型: %s", op.Kind))
	}
}

func requireAddress(field, value string) error {
	if !common.IsHexAddress(value) {
		return xerrors.New(CodeOpInvalid, fmt.Sprintf("字段 %s 不是合法地址: %q", field, value))
	}
	return nil
}

func requirePositiveAmount(amount *hexutil.Big) error {
	if amount == nil || (*big.Int)(amount).Sign() <= 0 {
		return xerrors.New(CodeOpInvalid, "金额必须为正数")
	}
	return nil
}
