package agent

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/plan"
)

// MultisigConfig 描述一个多签钱包部署。不同部署暴露的操作面不一致
// （有的没有 deposit 与 revokeConfirmation），因此操作集按部署配置，
// TxPlan 才是稳定的对外契约。
type MultisigConfig struct {
	Address    common.Address `json:"address"`
	ChainID    uint64         `json:"chain_id"`
	EnabledOps []OpKind       `json:"enabled_ops,omitempty"`
}

// MultisigAgent 构建与多签钱包交互的单步计划。
type MultisigAgent struct {
	config  MultisigConfig
	enabled map[OpKind]bool
}

// defaultMultisigOps 是未显式配置时放行的操作集。
var defaultMultisigOps = []OpKind{
	OpMultisigDeposit,
	OpMultisigSubmit,
	OpMultisigConfirm,
	OpMultisigRevoke,
}

// NewMultisigAgent 按部署配置创建多签 Builder。
func NewMultisigAgent(config MultisigConfig) *MultisigAgent {
	ops := config.EnabledOps
	if len(ops) == 0 {
		ops = defaultMultisigOps
	}
	enabled := make(map[OpKind]bool, len(ops))
	for _, op := range ops {
		enabled[op] = true
	}
	return &MultisigAgent{config: config, enabled: enabled}
}

// Kinds 返回该部署启用的操作类型。
func (a *MultisigAgent) Kinds() []OpKind {
	kinds := make([]OpKind, 0, len(a.enabled))
	for _, op := range defaultMultisigOps {
		if a.enabled[op] {
			kinds = append(kinds, op)
		}
	}
	return kinds
}

// Build 构建多签交互计划。
func (a *MultisigAgent) Build(_ context.Context, op Operation) (PlanResult, error) {
	if !a.enabled[op.Kind] {
		return PlanResult{}, xerrors.New(CodeOpUnsupported,
			fmt.Sprintf("该多签部署未启用操作: %s", op.Kind))
	}
	if op.ChainID != a.config.ChainID {
		return PlanResult{}, xerrors.New(CodeOpInvalid,
			fmt.Sprintf("多签部署在链 %d 上, 请求的是链 %d", a.config.ChainID, op.ChainID))
	}

	var (
		calldata []byte
		value    *hexutil.Big
		err      error
		detail   map[string]any
	)
	switch op.Kind {
	case OpMultisigDeposit:
		calldata, err = multisigABI.Pack("deposit")
		value = op.Amount
		detail = map[string]any{"amount": op.Amount.String()}
	case OpMultisigSubmit:
		destination := common.HexToAddress(op.To)
		amount := new(big.Int)
		if op.Amount != nil {
			amount.Set((*big.Int)(op.Amount))
		}
		calldata, err = multisigABI.Pack("submitTransaction", destination, amount, []byte(op.Data))
		detail = map[string]any{"destination": destination.Hex(), "value": amount.String()}
	case OpMultisigConfirm:
		calldata, err = multisigABI.Pack("confirmTransaction", new(big.Int).SetUint64(*op.TxIndex))
		detail = map[string]any{"tx_index": *op.TxIndex}
	case OpMultisigRevoke:
		calldata, err = multisigABI.Pack("revokeConfirmation", new(big.Int).SetUint64(*op.TxIndex))
		detail = map[string]any{"tx_index": *op.TxIndex}
	default:
		return PlanResult{}, xerrors.New(CodeOpUnsupported,
			fmt.Sprintf("MultisigAgent 不支持操作: %s", op.Kind))
	}
	if err != nil {
		return PlanResult{}, xerrors.Wrap(CodeOpInvalid, err, "编码多签调用失败")
	}

	preview := map[string]any{
		"kind":     string(op.Kind),
		"multisig": a.config.Address.Hex(),
		"chain_id": op.ChainID,
	}
	for k, v := range detail {
		preview[k] = v
	}
	return PlanResult{
		Preview: preview,
		Plan: plan.TxPlan{{
			To:      a.config.Address,
			Data:    calldata,
			Value:   value,
			ChainID: op.ChainID,
		}},
	}, nil
}
