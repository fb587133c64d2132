// Package wallet defines the capability-based gateway contract the plan
// executor drives: current account lookup, chain switching and transaction
// submission with confirmation. Concrete implementations live in
// sub-packages (wallet/ethereum for EVM networks via go-ethereum); the
// executor itself never touches RPC details, so remote signers or browser
// wallets can be plugged in behind the same interface.
package wallet
