package agent

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/plan"
	"TxPilot-Chain/internal/tokens"
)

// TransferAgent 构建原生币转账与 ERC-20 代币转账的计划。
// 两者都是单步计划：没有授权步骤，唯一的步骤就是主交易。
type TransferAgent struct {
	tokens tokens.Registry
}

// NewTransferAgent 创建转账 Builder。代币注册表可为 nil，
// 此时仅支持原生币转账。
func NewTransferAgent(registry tokens.Registry) *TransferAgent {
	return &TransferAgent{tokens: registry}
}

// Kinds 返回支持的操作类型。
func (a *TransferAgent) Kinds() []OpKind {
	return []OpKind{OpNativeTransfer, OpTokenTransfer}
}

// Build 构建转账计划。
func (a *TransferAgent) Build(_ context.Context, op Operation) (PlanResult, error) {
	switch op.Kind {
	case OpNativeTransfer:
		return a.buildNative(op)
	case OpTokenTransfer:
		return a.buildToken(op)
	default:
		return PlanResult{}, xerrors.New(CodeOpUnsupported, fmt.Sprintf("TransferAgent 不支持操作: %s", op.Kind))
	}
}

func (a *TransferAgent) buildNative(op Operation) (PlanResult, error) {
	to := common.HexToAddress(op.To)
	return PlanResult{
		Preview: map[string]any{
			"kind":     string(op.Kind),
			"to":       to.Hex(),
			"amount":   op.Amount.String(),
			"chain_id": op.ChainID,
		},
		Plan: plan.TxPlan{{
			To:      to,
			Value:   op.Amount,
			ChainID: op.ChainID,
		}},
	}, nil
}

func (a *TransferAgent) buildToken(op Operation) (PlanResult, error) {
	token, err := a.lookupToken(op)
	if err != nil {
		return PlanResult{}, err
	}
	to := common.HexToAddress(op.To)
	calldata, err := erc20ABI.Pack("transfer", to, (*big.Int)(op.Amount))
	if err != nil {
		return PlanResult{}, xerrors.Wrap(CodeOpInvalid, err, "编码 transfer 调用失败")
	}
	return PlanResult{
		Preview: map[string]any{
			"kind":     string(op.Kind),
			"token":    token.Symbol,
			"decimals": token.Decimals,
			"to":       to.Hex(),
			"amount":   op.Amount.String(),
			"chain_id": op.ChainID,
		},
		Plan: plan.TxPlan{{
			To:      token.Address,
			Data:    calldata,
			ChainID: op.ChainID,
		}},
	}, nil
}

func (a *TransferAgent) lookupToken(op Operation) (tokens.Token, error) {
	if a.tokens == nil {
		return tokens.Token{}, xerrors.New(CodeTokenUnknown, "未配置代币注册表")
	}
	token, ok := a.tokens.Lookup(op.ChainID, op.Token)
	if !ok {
		return tokens.Token{}, xerrors.New(CodeTokenUnknown,
			fmt.Sprintf("链 %d 上未登记代币 %s", op.ChainID, op.Token))
	}
	return token, nil
}

// CallAgent 构建"先授权后调用"的两步计划：第一步对目标合约做 ERC-20
// approve，第二步携带调用方提供的 calldata 调用目标合约。
type CallAgent struct {
	tokens tokens.Registry
}

// NewCallAgent 创建授权调用 Builder。
func NewCallAgent(registry tokens.Registry) *CallAgent {
	return &CallAgent{tokens: registry}
}

// Kinds 返回支持的操作类型。
func (a *CallAgent) Kinds() []OpKind {
	return []OpKind{OpTokenApproveCall}
}

// Build 构建授权 + 调用计划。
func (a *CallAgent) Build(_ context.Context, op Operation) (PlanResult, error) {
	if a.tokens == nil {
		return PlanResult{}, xerrors.New(CodeTokenUnknown, "未配置代币注册表")
	}
	token, ok := a.tokens.Lookup(op.ChainID, op.Token)
	if !ok {
		return PlanResult{}, xerrors.New(CodeTokenUnknown,
			fmt.Sprintf("链 %d 上未登记代币 %s", op.ChainID, op.Token))
	}

	contract := common.HexToAddress(op.Contract)
	approveData, err := erc20ABI.Pack("approve", contract, (*big.Int)(op.Amount))
	if err != nil {
		return PlanResult{}, xerrors.Wrap(CodeOpInvalid, err, "编码 approve 调用失败")
	}

	return PlanResult{
		Preview: map[string]any{
			"kind":     string(op.Kind),
			"token":    token.Symbol,
			"contract": contract.Hex(),
			"amount":   op.Amount.String(),
			"chain_id": op.ChainID,
		},
		Plan: plan.TxPlan{
			{
				To:      token.Address,
				Data:    approveData,
				ChainID: op.ChainID,
			},
			{
				To:      contract,
				Data:    append(hexutil.Bytes(nil), op.Data...),
				ChainID: op.ChainID,
			},
		},
	}, nil
}
