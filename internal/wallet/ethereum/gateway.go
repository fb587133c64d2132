package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "TxPilot-Chain/internal/errors"
	"TxPilot-Chain/internal/wallet"
)

// Config describes how to construct the EVM gateway.
type Config struct {
	Chains        map[string]wallet.ChainDefinition
	DefaultChain  string
	PrivateKeyHex string
}

// txBackend mirrors the subset of ethclient methods the gateway needs, so
// tests can substitute a fake without a live node.
type txBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
}

type endpoint struct {
	name    string
	backend txBackend
	rpc     *gethrpc.Client
}

// Gateway implements wallet.Gateway for EVM compatible chains using a local
// ECDSA signer. One dialed client per configured chain; SwitchChain only
// re-targets, it never re-dials.
type Gateway struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
	chains  map[uint64]*endpoint
	current uint64
}

// NewGateway dials every configured chain and returns a ready gateway.
func NewGateway(ctx context.Context, cfg Config) (*Gateway, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}

	if len(cfg.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	gw := &Gateway{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chains:  make(map[uint64]*endpoint, len(cfg.Chains)),
	}
	for name, def := range cfg.Chains {
		if strings.TrimSpace(def.RPCURL) == "" {
			gw.Close()
			return nil, fmt.Errorf("链 %s 未配置 RPC 地址", name)
		}
		rpcClient, err := gethrpc.DialContext(ctx, def.RPCURL)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("连接链 %s 失败: %w", name, err)
		}
		eth := ethclient.NewClient(rpcClient)
		if onchain, err := eth.ChainID(ctx); err == nil && onchain.Uint64() != def.ChainID {
			rpcClient.Close()
			gw.Close()
			return nil, fmt.Errorf("链 %s 的节点返回 chain id %d，与配置的 %d 不符", name, onchain.Uint64(), def.ChainID)
		}
		gw.chains[def.ChainID] = &endpoint{name: name, backend: eth, rpc: rpcClient}
		if name == cfg.DefaultChain || gw.current == 0 {
			gw.current = def.ChainID
		}
	}
	return gw, nil
}

// NewWithBackends builds a gateway over injected backends, for tests.
func NewWithBackends(key *ecdsa.PrivateKey, backends map[uint64]txBackend, current uint64) *Gateway {
	chains := make(map[uint64]*endpoint, len(backends))
	for id, b := range backends {
		chains[id] = &endpoint{name: fmt.Sprintf("chain-%d", id), backend: b}
	}
	gw := &Gateway{key: key, chains: chains, current: current}
	if key != nil {
		gw.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return gw
}

// Account returns the signer snapshot. ok is false when no key is loaded.
func (g *Gateway) Account(_ context.Context) (wallet.Account, bool) {
	if g == nil || g.key == nil {
		return wallet.Account{}, false
	}
	g.mu.Lock()
	current := g.current
	g.mu.Unlock()
	return wallet.Account{Address: g.address, ChainID: current}, true
}

// SwitchChain re-targets the gateway to the given chain.
func (g *Gateway) SwitchChain(_ context.Context, chainID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == chainID {
		return nil
	}
	if _, ok := g.chains[chainID]; !ok {
		return xerrors.New(wallet.CodeChainSwitchFailed,
			fmt.Sprintf("链 %d 未在钱包配置中", chainID))
	}
	g.current = chainID
	return nil
}

// SendTransaction signs the call, submits it and waits for the receipt.
func (g *Gateway) SendTransaction(ctx context.Context, tx wallet.Tx) (wallet.Receipt, error) {
	if g == nil || g.key == nil {
		return wallet.Receipt{}, xerrors.New(wallet.CodeNotConnected, "")
	}

	g.mu.Lock()
	current := g.current
	ep := g.chains[tx.ChainID]
	g.mu.Unlock()

	if ep == nil {
		return wallet.Receipt{}, xerrors.New(wallet.CodeChainSwitchFailed,
			fmt.Sprintf("链 %d 未在钱包配置中", tx.ChainID))
	}
	if current != tx.ChainID {
		// A real wallet refuses to sign for a network it is not on.
		return wallet.Receipt{}, xerrors.New(wallet.CodeRejected,
			fmt.Sprintf("钱包当前在链 %d，拒绝为链 %d 签名", current, tx.ChainID))
	}

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := ep.backend.PendingNonceAt(ctx, g.address)
	if err != nil {
		return wallet.Receipt{}, xerrors.Wrap(xerrors.CodeUnknown, err, "查询 nonce 失败")
	}
	gasPrice, err := ep.backend.SuggestGasPrice(ctx)
	if err != nil {
		return wallet.Receipt{}, xerrors.Wrap(xerrors.CodeUnknown, err, "查询 gas 价格失败")
	}
	to := tx.To
	gas, err := ep.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  g.address,
		To:    &to,
		Value: value,
		Data:  tx.Data,
	})
	if err != nil {
		// Estimation fails when the call would revert; surface it as a
		// revert before any gas is spent.
		return wallet.Receipt{}, xerrors.Wrap(wallet.CodeTxReverted, err, "预估 gas 失败")
	}

	unsigned := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     tx.Data,
	})
	chainID := new(big.Int).SetUint64(tx.ChainID)
	signed, err := coretypes.SignTx(unsigned, coretypes.LatestSignerForChainID(chainID), g.key)
	if err != nil {
		return wallet.Receipt{}, xerrors.Wrap(wallet.CodeRejected, err, "签名交易失败")
	}

	if err := ep.backend.SendTransaction(ctx, signed); err != nil {
		return wallet.Receipt{}, xerrors.Wrap(wallet.CodeRejected, err, "节点拒绝交易")
	}

	receipt, err := bind.WaitMined(ctx, ep.backend, signed)
	if err != nil {
		return wallet.Receipt{}, xerrors.Wrap(xerrors.CodeUnknown, err, "等待交易确认失败")
	}
	if receipt.Status == coretypes.ReceiptStatusFailed {
		return wallet.Receipt{}, xerrors.New(wallet.CodeTxReverted,
			fmt.Sprintf("交易 %s 在链上回滚", signed.Hash().Hex()))
	}

	return wallet.Receipt{
		TxHash:      signed.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Close releases the RPC connections held by the gateway.
func (g *Gateway) Close() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ep := range g.chains {
		if ep.rpc != nil {
			ep.rpc.Close()
			ep.rpc = nil
		}
	}
}

var _ wallet.Gateway = (*Gateway)(nil)
