package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxPilot-Chain/internal/errors"
)

// Tx is one unit of work the gateway can submit: a raw call with target,
// calldata, value and the chain it must land on.
type Tx struct {
	To      common.Address
	Data    []byte
	Value   *big.Int
	ChainID uint64
}

// Account is a snapshot of the connected signer: its address and the chain
// the wallet is currently targeting. Snapshots go stale the moment they are
// taken; callers must re-query rather than cache.
type Account struct {
	Address common.Address
	ChainID uint64
}

// Receipt summarizes a confirmed submission.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway is the wallet capability consumed by the plan executor.
//
// SendTransaction blocks until the transaction is confirmed on chain (or
// fails); there is no separate receipt-polling step. All three operations
// may suspend indefinitely waiting on user interaction — the executor
// imposes no timeout of its own.
type Gateway interface {
	// Account returns the current connection snapshot. ok is false when no
	// signer is connected.
	Account(ctx context.Context) (acct Account, ok bool)
	// SwitchChain re-targets the wallet to the given chain.
	SwitchChain(ctx context.Context, chainID uint64) error
	// SendTransaction signs, submits and waits for confirmation.
	SendTransaction(ctx context.Context, tx Tx) (Receipt, error)
	// Close releases any connections held by the gateway.
	Close()
}

// Error codes for the failure taxonomy surfaced at the step level. Every
// gateway failure folds into one of these (or UNKNOWN).
const (
	CodeChainSwitchFailed xerrors.Code = "WALLET_CHAIN_SWITCH_FAILED"
	CodeRejected          xerrors.Code = "WALLET_REJECTED"
	CodeTxReverted        xerrors.Code = "WALLET_TX_REVERTED"
	CodeNotConnected      xerrors.Code = "WALLET_NOT_CONNECTED"
)

func init() {
	xerrors.Register(CodeChainSwitchFailed, xerrors.Attributes{
		Message:   "chain switch failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:   "wallet rejected the request",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTxReverted, xerrors.Attributes{
		Message:   "transaction reverted on chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNotConnected, xerrors.Attributes{
		Message:   "wallet not connected",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}
