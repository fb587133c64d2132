package agent

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ERC-20 与多签钱包交互所需的最小 ABI 片段。
const (
	erc20ABIJSON = `[
		{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
	]`

	multisigABIJSON = `[
		{"name":"deposit","type":"function","stateMutability":"payable","inputs":[],"outputs":[]},
		{"name":"submitTransaction","type":"function","inputs":[{"name":"destination","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[{"name":"transactionId","type":"uint256"}]},
		{"name":"confirmTransaction","type":"function","inputs":[{"name":"transactionId","type":"uint256"}],"outputs":[]},
		{"name":"revokeConfirmation","type":"function","inputs":[{"name":"transactionId","type":"uint256"}],"outputs":[]}
	]`
)

var (
	erc20ABI    = mustParseABI(erc20ABIJSON)
	multisigABI = mustParseABI(multisigABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析内置 ABI 失败: %v", err))
	}
	return parsed
}
