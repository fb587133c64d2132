package agent

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"TxPilot-Chain/internal/tokens"
)

func amount(v int64) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(v))
}

func testRegistry() tokens.Registry {
	return tokens.NewStaticRegistry([]tokens.Token{
		{
			Symbol:   "USDC",
			Name:     "USD Coin",
			ChainID:  1,
			Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Decimals: 6,
		},
	})
}

func TestOperationValidation(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
	}{
		{"缺少 chain_id", Operation{Kind: OpNativeTransfer, To: "0x00000000000000000000000000000000000000aa", Amount: amount(1)}},
		{"非法地址", Operation{Kind: OpNativeTransfer, ChainID: 1, To: "not-an-address", Amount: amount(1)}},
		{"金额为零", Operation{Kind: OpNativeTransfer, ChainID: 1, To: "0x00000000000000000000000000000000000000aa", Amount: amount(0)}},
		{"代币转账缺符号", Operation{Kind: OpTokenTransfer, ChainID: 1, To: "0x00000000000000000000000000000000000000aa", Amount: amount(1)}},
		{"确认缺 tx_index", Operation{Kind: OpMultisigConfirm, ChainID: 1}},
		{"未知操作", Operation{Kind: "teleport", ChainID: 1}},
	}

	registry := NewRegistry(NewTransferAgent(testRegistry()))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := registry.Build(context.Background(), tc.op); err == nil {
				t.Fatalf("操作应校验失败: %+v", tc.op)
			}
		})
	}
}

func TestTransferAgentNative(t *testing.T) {
	registry := NewRegistry(NewTransferAgent(nil))

	result, err := registry.Build(context.Background(), Operation{
		Kind:    OpNativeTransfer,
		ChainID: 1,
		To:      "0x00000000000000000000000000000000000000aa",
		Amount:  amount(1_000_000),
	})
	if err != nil {
		t.Fatalf("构建原生转账失败: %v", err)
	}
	if len(result.Plan) != 1 {
		t.Fatalf("原生转账应为单步计划, 实际 %d 步", len(result.Plan))
	}
	step := result.Plan[0]
	if len(step.Data) != 0 {
		t.Fatalf("原生转账不应携带 calldata")
	}
	if (*big.Int)(step.Value).Int64() != 1_000_000 {
		t.Fatalf("金额不符: %s", step.Value.String())
	}
}

func TestTransferAgentToken(t *testing.T) {
	registry := NewRegistry(NewTransferAgent(testRegistry()))

	result, err := registry.Build(context.Background(), Operation{
		Kind:    OpTokenTransfer,
		ChainID: 1,
		Token:   "usdc",
		To:      "0x00000000000000000000000000000000000000bb",
		Amount:  amount(42),
	})
	if err != nil {
		t.Fatalf("构建代币转账失败: %v", err)
	}
	step := result.Plan[0]
	if step.To != common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48") {
		t.Fatalf("代币转账应指向代币合约, 实际 %s", step.To.Hex())
	}
	// transfer(address,uint256) 的选择器。
	if !bytes.HasPrefix(step.Data, []byte{0xa9, 0x05, 0x9c, 0xbb}) {
		t.Fatalf("calldata 选择器不符: %x", step.Data[:4])
	}

	// 未登记的代币被拒绝。
	_, err = registry.Build(context.Background(), Operation{
		Kind:    OpTokenTransfer,
		ChainID: 137,
		Token:   "USDC",
		To:      "0x00000000000000000000000000000000000000bb",
		Amount:  amount(42),
	})
	if err == nil {
		t.Fatalf("未登记链上的代币应被拒绝")
	}
}

func TestCallAgentBuildsApproveThenCall(t *testing.T) {
	registry := NewRegistry(NewCallAgent(testRegistry()))

	result, err := registry.Build(context.Background(), Operation{
		Kind:     OpTokenApproveCall,
		ChainID:  1,
		Token:    "USDC",
		Contract: "0x00000000000000000000000000000000000000cc",
		Amount:   amount(1000),
		Data:     hexutil.Bytes{0xde, 0xad, 0xbe, 0xef},
	})
	if err != nil {
		t.Fatalf("构建授权调用失败: %v", err)
	}
	if len(result.Plan) != 2 {
		t.Fatalf("授权调用应为两步计划, 实际 %d 步", len(result.Plan))
	}
	// 第一步是对代币合约的 approve。
	if result.Plan[0].To != common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48") {
		t.Fatalf("授权步骤应指向代币合约")
	}
	if !bytes.HasPrefix(result.Plan[0].Data, []byte{0x09, 0x5e, 0xa7, 0xb3}) {
		t.Fatalf("approve 选择器不符: %x", result.Plan[0].Data[:4])
	}
	// 第二步是携带原始 calldata 的主交易。
	if result.Plan[1].To != common.HexToAddress("0x00000000000000000000000000000000000000cc") {
		t.Fatalf("主交易应指向目标合约")
	}
	if !bytes.Equal(result.Plan[1].Data, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("主交易 calldata 不符: %x", result.Plan[1].Data)
	}
}

func TestMultisigAgentOpSetConfigurable(t *testing.T) {
	full := NewMultisigAgent(MultisigConfig{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000dd"),
		ChainID: 1,
	})
	limited := NewMultisigAgent(MultisigConfig{
		Address:    common.HexToAddress("0x00000000000000000000000000000000000000dd"),
		ChainID:    1,
		EnabledOps: []OpKind{OpMultisigSubmit, OpMultisigConfirm},
	})

	idx := uint64(7)
	confirm := Operation{Kind: OpMultisigConfirm, ChainID: 1, TxIndex: &idx}
	if _, err := full.Build(context.Background(), confirm); err != nil {
		t.Fatalf("全量部署应支持确认操作: %v", err)
	}

	deposit := Operation{Kind: OpMultisigDeposit, ChainID: 1, Amount: amount(5)}
	if _, err := full.Build(context.Background(), deposit); err != nil {
		t.Fatalf("全量部署应支持充值操作: %v", err)
	}
	if _, err := limited.Build(context.Background(), deposit); err == nil {
		t.Fatalf("精简部署不应支持充值操作")
	}

	// 链不匹配时拒绝。
	wrongChain := Operation{Kind: OpMultisigConfirm, ChainID: 137, TxIndex: &idx}
	if _, err := full.Build(context.Background(), wrongChain); err == nil {
		t.Fatalf("跨链的多签操作应被拒绝")
	}
}

func TestMultisigAgentDepositCarriesValue(t *testing.T) {
	agent := NewMultisigAgent(MultisigConfig{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000dd"),
		ChainID: 1,
	})

	result, err := agent.Build(context.Background(), Operation{
		Kind:    OpMultisigDeposit,
		ChainID: 1,
		Amount:  amount(12345),
	})
	if err != nil {
		t.Fatalf("构建充值失败: %v", err)
	}
	step := result.Plan[0]
	if (*big.Int)(step.Value).Int64() != 12345 {
		t.Fatalf("充值金额应作为交易 value 携带, 实际 %v", step.Value)
	}
	if len(step.Data) != 4 {
		t.Fatalf("deposit() 的 calldata 应只有选择器, 实际 %d 字节", len(step.Data))
	}
}
