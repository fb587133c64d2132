package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/wallet"
)

// fakeBackend 模拟节点行为, 默认让交易立刻成功上链。
type fakeBackend struct {
	estimateErr   error
	sendErr       error
	receiptStatus uint64

	sentTxs []*coretypes.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful}
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ gethcore.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 21000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sentTxs = append(b.sentTxs, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{
		Status:      b.receiptStatus,
		TxHash:      txHash,
		BlockNumber: big.NewInt(42),
		GasUsed:     21000,
	}, nil
}

func (b *fakeBackend) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return nil, nil
}

func newTestGateway(t *testing.T, backends map[uint64]txBackend, current uint64) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成测试私钥失败: %v", err)
	}
	return NewWithBackends(key, backends, current)
}

func TestGatewaySendTransactionSucceeds(t *testing.T) {
	backend := newFakeBackend()
	gw := newTestGateway(t, map[uint64]txBackend{1: backend}, 1)

	receipt, err := gw.SendTransaction(context.Background(), wallet.Tx{
		To:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value:   big.NewInt(1000),
		ChainID: 1,
	})
	if err != nil {
		t.Fatalf("发送交易失败: %v", err)
	}
	if len(backend.sentTxs) != 1 {
		t.Fatalf("期望发送 1 笔交易, 实际 %d", len(backend.sentTxs))
	}
	if receipt.TxHash != backend.sentTxs[0].Hash() {
		t.Fatalf("回执哈希与已发送交易不符")
	}
	if receipt.BlockNumber != 42 || receipt.GasUsed != 21000 {
		t.Fatalf("回执内容不符: %+v", receipt)
	}
}

func TestGatewayRefusesWrongChain(t *testing.T) {
	backend := newFakeBackend()
	gw := newTestGateway(t, map[uint64]txBackend{1: backend, 137: newFakeBackend()}, 1)

	_, err := gw.SendTransaction(context.Background(), wallet.Tx{
		To:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID: 137,
	})
	if err == nil {
		t.Fatal("未切链时应拒绝签名")
	}
	if xerrors.CodeOf(err) != wallet.CodeRejected {
		t.Fatalf("期望 %s, 实际 %s", wallet.CodeRejected, xerrors.CodeOf(err))
	}
	if len(backend.sentTxs) != 0 {
		t.Fatal("拒绝签名时不应发送交易")
	}
}

func TestGatewaySwitchChain(t *testing.T) {
	gw := newTestGateway(t, map[uint64]txBackend{1: newFakeBackend(), 137: newFakeBackend()}, 1)

	if err := gw.SwitchChain(context.Background(), 137); err != nil {
		t.Fatalf("切换链失败: %v", err)
	}
	acct, ok := gw.Account(context.Background())
	if !ok || acct.ChainID != 137 {
		t.Fatalf("切链后账户快照不符: %+v ok=%v", acct, ok)
	}

	err := gw.SwitchChain(context.Background(), 9999)
	if err == nil {
		t.Fatal("切换到未配置的链应失败")
	}
	if xerrors.CodeOf(err) != wallet.CodeChainSwitchFailed {
		t.Fatalf("期望 %s, 实际 %s", wallet.CodeChainSwitchFailed, xerrors.CodeOf(err))
	}
}

func TestGatewayEstimateFailureFoldsToRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted")
	gw := newTestGateway(t, map[uint64]txBackend{1: backend}, 1)

	_, err := gw.SendTransaction(context.Background(), wallet.Tx{
		To:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID: 1,
	})
	if err == nil {
		t.Fatal("预估失败时应报错")
	}
	if xerrors.CodeOf(err) != wallet.CodeTxReverted {
		t.Fatalf("期望 %s, 实际 %s", wallet.CodeTxReverted, xerrors.CodeOf(err))
	}
	if len(backend.sentTxs) != 0 {
		t.Fatal("预估失败时不应发送交易")
	}
}

func TestGatewayNodeRejection(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds")
	gw := newTestGateway(t, map[uint64]txBackend{1: backend}, 1)

	_, err := gw.SendTransaction(context.Background(), wallet.Tx{
		To:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID: 1,
	})
	if err == nil {
		t.Fatal("节点拒绝时应报错")
	}
	if xerrors.CodeOf(err) != wallet.CodeRejected {
		t.Fatalf("期望 %s, 实际 %s", wallet.CodeRejected, xerrors.CodeOf(err))
	}
}

func TestGatewayRevertedReceipt(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptStatus = coretypes.ReceiptStatusFailed
	gw := newTestGateway(t, map[uint64]txBackend{1: backend}, 1)

	_, err := gw.SendTransaction(context.Background(), wallet.Tx{
		To:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID: 1,
	})
	if err == nil {
		t.Fatal("链上回滚时应报错")
	}
	if xerrors.CodeOf(err) != wallet.CodeTxReverted {
		t.Fatalf("期望 %s, 实际 %s", wallet.CodeTxReverted, xerrors.CodeOf(err))
	}
}

func TestGatewayDisconnected(t *testing.T) {
	var gw *Gateway
	if _, ok := gw.Account(context.Background()); ok {
		t.Fatal("空网关不应返回账户")
	}

	gw = NewWithBackends(nil, map[uint64]txBackend{1: newFakeBackend()}, 1)
	_, err := gw.SendTransaction(context.Background(), wallet.Tx{ChainID: 1})
	if xerrors.CodeOf(err) != wallet.CodeNotConnected {
		t.Fatalf("期望 %s, 实际 %s", wallet.CodeNotConnected, xerrors.CodeOf(err))
	}
}
