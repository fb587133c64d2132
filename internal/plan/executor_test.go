package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/wallet"
)

// fakeGateway 模拟一个可编程的钱包网关。
type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	account   wallet.Account

	switchErr   error
	sendErr     error
	sendErrOnce bool

	switchCalls []uint64
	sendCalls   []wallet.Tx
	hashSeq     byte
}

func newFakeGateway(chainID uint64) *fakeGateway {
	return &fakeGateway{
		connected: true,
		account: wallet.Account{
			Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			ChainID: chainID,
		},
	}
}

func (f *fakeGateway) Account(context.Context) (wallet.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account, f.connected
}

func (f *fakeGateway) SwitchChain(_ context.Context, chainID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switchCalls = append(f.switchCalls, chainID)
	if f.switchErr != nil {
		return f.switchErr
	}
	f.account.ChainID = chainID
	return nil
}

func (f *fakeGateway) SendTransaction(_ context.Context, tx wallet.Tx) (wallet.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, tx)
	if f.sendErr != nil {
		err := f.sendErr
		if f.sendErrOnce {
			f.sendErr = nil
		}
		return wallet.Receipt{}, err
	}
	f.hashSeq++
	return wallet.Receipt{
		TxHash:      common.HexToHash(fmt.Sprintf("0x%02x", f.hashSeq)),
		BlockNumber: 128,
		GasUsed:     21000,
	}, nil
}

func (f *fakeGateway) Close() {}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendCalls)
}

func testPlan(chainIDs ...uint64) TxPlan {
	p := make(TxPlan, 0, len(chainIDs))
	for i, id := range chainIDs {
		p = append(p, TxStep{
			To:      common.HexToAddress(fmt.Sprintf("0x%040x", i+1)),
			Data:    []byte{0x01, byte(i)},
			ChainID: id,
		})
	}
	return p
}

func TestExecutorEmptyPlanNeverSubmits(t *testing.T) {
	gateway := newFakeGateway(1)
	exec := NewExecutor(gateway, nil)
	ctx := context.Background()

	snap := exec.Snapshot(ctx)
	if !snap.Connected {
		t.Fatalf("期望钱包处于已连接状态")
	}
	if snap.CanApprove || snap.CanExecute {
		t.Fatalf("空计划不应放行任何操作: approve=%v execute=%v", snap.CanApprove, snap.CanExecute)
	}
	if !snap.IsApprovalPhaseComplete {
		t.Fatalf("空计划的授权阶段应视为已完成")
	}

	snap = exec.ApproveNext(ctx)
	snap = exec.ExecuteMain(ctx)
	if snap.IsTxSuccess || snap.IsTxPending {
		t.Fatalf("空计划不应产生任何主交易状态: %+v", snap)
	}
	if gateway.sentCount() != 0 {
		t.Fatalf("空计划不应提交交易, 实际提交 %d 笔", gateway.sentCount())
	}
}

func TestExecutorRunsPlanInOrder(t *testing.T) {
	gateway := newFakeGateway(1)
	exec := NewExecutor(gateway, testPlan(1, 1, 1))
	ctx := context.Background()

	snap := exec.Snapshot(ctx)
	if snap.TotalApprovals != 2 {
		t.Fatalf("期望 2 个授权步骤, 实际 %d", snap.TotalApprovals)
	}
	if !snap.CanApprove || snap.CanExecute {
		t.Fatalf("初始状态应只允许授权: approve=%v execute=%v", snap.CanApprove, snap.CanExecute)
	}

	snap = exec.ApproveNext(ctx)
	if snap.ApprovalIndex != 1 {
		t.Fatalf("第一次授权后游标应为 1, 实际 %d", snap.ApprovalIndex)
	}
	if snap.Steps[0].Status != StepSucceeded {
		t.Fatalf("步骤 0 应为 success, 实际 %s", snap.Steps[0].Status)
	}
	if snap.Steps[0].TxHash == nil {
		t.Fatalf("成功的步骤应带有交易哈希")
	}
	if snap.IsApprovalPhaseComplete || snap.CanExecute {
		t.Fatalf("授权阶段未完成时不应允许执行主交易")
	}

	snap = exec.ApproveNext(ctx)
	if snap.ApprovalIndex != 2 || !snap.IsApprovalPhaseComplete {
		t.Fatalf("第二次授权后阶段应完成: index=%d complete=%v", snap.ApprovalIndex, snap.IsApprovalPhaseComplete)
	}
	if snap.CanApprove {
		t.Fatalf("授权阶段完成后不应再允许授权")
	}
	if !snap.CanExecute {
		t.Fatalf("授权阶段完成后应允许执行主交易")
	}

	snap = exec.ExecuteMain(ctx)
	if !snap.IsTxSuccess {
		t.Fatalf("主交易应成功: %+v", snap.TxError)
	}
	if snap.CanExecute {
		t.Fatalf("主交易成功后计划进入终态, 不应再允许执行")
	}
	if gateway.sentCount() != 3 {
		t.Fatalf("期望提交 3 笔交易, 实际 %d", gateway.sentCount())
	}

	// 终态后的命令是静默无操作。
	snap = exec.ExecuteMain(ctx)
	if gateway.sentCount() != 3 {
		t.Fatalf("终态后不应再提交交易, 实际 %d", gateway.sentCount())
	}
}

func TestExecutorFailedStepRetries(t *testing.T) {
	gateway := newFakeGateway(1)
	gateway.sendErr = xerrors.New(wallet.CodeRejected, "user rejected")
	gateway.sendErrOnce = true
	exec := NewExecutor(gateway, testPlan(1, 1))
	ctx := context.Background()

	snap := exec.ApproveNext(ctx)
	if snap.ApprovalIndex != 0 {
		t.Fatalf("失败后游标应保持 0, 实际 %d", snap.ApprovalIndex)
	}
	if snap.Steps[0].Status != StepFailed {
		t.Fatalf("步骤 0 应为 error, 实际 %s", snap.Steps[0].Status)
	}
	if snap.ApprovalError == nil || snap.ApprovalError.Reason != wallet.CodeRejected {
		t.Fatalf("期望拒绝错误, 实际 %+v", snap.ApprovalError)
	}
	if !snap.CanApprove {
		t.Fatalf("失败后应允许显式重试")
	}

	// 显式重试同一步骤。
	snap = exec.ApproveNext(ctx)
	if snap.ApprovalIndex != 1 {
		t.Fatalf("重试成功后游标应为 1, 实际 %d", snap.ApprovalIndex)
	}
	if snap.ApprovalError != nil {
		t.Fatalf("重试成功后错误应被清除: %+v", snap.ApprovalError)
	}
	if gateway.sentCount() != 2 {
		t.Fatalf("期望提交 2 笔交易 (1 次失败 + 1 次重试), 实际 %d", gateway.sentCount())
	}
}

func TestExecutorSwitchesChainBeforeSending(t *testing.T) {
	gateway := newFakeGateway(1)
	exec := NewExecutor(gateway, testPlan(137))
	ctx := context.Background()

	snap := exec.ExecuteMain(ctx)
	if !snap.IsTxSuccess {
		t.Fatalf("主交易应成功: %+v", snap.TxError)
	}
	if len(gateway.switchCalls) != 1 || gateway.switchCalls[0] != 137 {
		t.Fatalf("期望先切换到链 137, 实际 %v", gateway.switchCalls)
	}
	if gateway.sendCalls[0].ChainID != 137 {
		t.Fatalf("交易应提交到链 137, 实际 %d", gateway.sendCalls[0].ChainID)
	}
}

func TestExecutorChainSwitchFailureSkipsSend(t *testing.T) {
	gateway := newFakeGateway(1)
	gateway.switchErr = errors.New("user declined switch")
	exec := NewExecutor(gateway, testPlan(137, 137))
	ctx := context.Background()

	snap := exec.ApproveNext(ctx)
	if snap.ApprovalError == nil || snap.ApprovalError.Reason != wallet.CodeChainSwitchFailed {
		t.Fatalf("期望链切换失败错误, 实际 %+v", snap.ApprovalError)
	}
	if gateway.sentCount() != 0 {
		t.Fatalf("切链失败后不应提交交易, 实际 %d", gateway.sentCount())
	}
	if snap.ApprovalIndex != 0 {
		t.Fatalf("失败后游标应保持 0, 实际 %d", snap.ApprovalIndex)
	}
}

func TestExecutorGatesDenyWhenDisconnected(t *testing.T) {
	gateway := newFakeGateway(1)
	gateway.connected = false
	exec := NewExecutor(gateway, testPlan(1, 1))
	ctx := context.Background()

	snap := exec.Snapshot(ctx)
	if snap.Connected || snap.CanApprove || snap.CanExecute {
		t.Fatalf("断开连接时所有门控都应关闭: %+v", snap)
	}

	snap = exec.ApproveNext(ctx)
	if gateway.sentCount() != 0 {
		t.Fatalf("门控拒绝时不应产生副作用")
	}
	if snap.Steps[0].Status != StepIdle {
		t.Fatalf("门控拒绝时步骤状态不应变化, 实际 %s", snap.Steps[0].Status)
	}

	// 重新连接后门控即时恢复，无需任何命令。
	gateway.mu.Lock()
	gateway.connected = true
	gateway.mu.Unlock()
	snap = exec.Snapshot(ctx)
	if !snap.CanApprove {
		t.Fatalf("重新连接后应允许授权")
	}
}

func TestExecutorExecuteDeniedBeforeApprovals(t *testing.T) {
	gateway := newFakeGateway(1)
	exec := NewExecutor(gateway, testPlan(1, 1))
	ctx := context.Background()

	snap := exec.ExecuteMain(ctx)
	if gateway.sentCount() != 0 {
		t.Fatalf("授权未完成时主交易不应被提交")
	}
	if snap.IsTxPending || snap.IsTxSuccess || snap.TxError != nil {
		t.Fatalf("被门控拒绝的执行不应改变主交易状态: %+v", snap)
	}
}

func TestExecutorUnknownErrorFoldsToUnknown(t *testing.T) {
	gateway := newFakeGateway(1)
	gateway.sendErr = errors.New("rpc connection reset")
	exec := NewExecutor(gateway, testPlan(1))
	ctx := context.Background()

	snap := exec.ExecuteMain(ctx)
	if snap.TxError == nil || snap.TxError.Reason != xerrors.CodeUnknown {
		t.Fatalf("未识别的错误应折叠为 UNKNOWN, 实际 %+v", snap.TxError)
	}
	if !snap.CanExecute {
		t.Fatalf("主交易失败后应允许显式重试")
	}
}

func TestExecutorMainOnlyPlanSkipsApprovalPhase(t *testing.T) {
	gateway := newFakeGateway(1)
	exec := NewExecutor(gateway, testPlan(1))
	ctx := context.Background()

	snap := exec.Snapshot(ctx)
	if snap.TotalApprovals != 0 || !snap.IsApprovalPhaseComplete {
		t.Fatalf("单步计划没有授权阶段: %+v", snap)
	}
	if snap.CanApprove {
		t.Fatalf("没有授权步骤时不应允许授权")
	}
	if !snap.CanExecute {
		t.Fatalf("单步计划应直接允许执行主交易")
	}
}

// blockingGateway 在 SendTransaction 内挂起, 直到测试放行,
// 用于观察步骤在途期间的执行器状态。
type blockingGateway struct {
	*fakeGateway
	entered chan struct{}
	release chan struct{}
}

func (b *blockingGateway) SendTransaction(ctx context.Context, tx wallet.Tx) (wallet.Receipt, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeGateway.SendTransaction(ctx, tx)
}

func TestExecutorSinglePendingStepUnderConcurrency(t *testing.T) {
	inner := newFakeGateway(1)
	gateway := &blockingGateway{
		fakeGateway: inner,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	exec := NewExecutor(gateway, testPlan(1, 1, 1))
	ctx := context.Background()

	done := make(chan Snapshot, 1)
	go func() { done <- exec.ApproveNext(ctx) }()
	<-gateway.entered

	// 首个授权步骤仍在途时并发下发命令, 全部应被门控静默拒绝。
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.ApproveNext(ctx)
			exec.ExecuteMain(ctx)
		}()
	}
	wg.Wait()

	snap := exec.Snapshot(ctx)
	pending := 0
	for _, step := range snap.Steps {
		if step.Status == StepPending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("任一时刻最多只能有一个在途步骤, 实际 %d", pending)
	}
	if snap.CanApprove || snap.CanExecute {
		t.Fatalf("步骤在途时门控必须关闭: approve=%v execute=%v", snap.CanApprove, snap.CanExecute)
	}
	if !snap.IsApprovalPending {
		t.Fatalf("在途的授权步骤应呈现为 pending: %+v", snap)
	}

	close(gateway.release)
	final := <-done
	if got := inner.sentCount(); got != 1 {
		t.Fatalf("并发命令不应触发额外提交, 实际发送 %d 笔", got)
	}
	if final.ApprovalIndex != 1 {
		t.Fatalf("放行后游标应推进到 1, 实际 %d", final.ApprovalIndex)
	}
	if final.Steps[0].Status != StepSucceeded {
		t.Fatalf("放行后首个授权步骤应成功: %+v", final.Steps[0])
	}
}
