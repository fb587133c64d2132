package tokens

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Registry 定义代币元数据检索的通用接口。
type Registry interface {
	Lookup(chainID uint64, symbol string) (Token, bool)
	ByAddress(chainID uint64, address common.Address) (Token, bool)
	List(chainID uint64) []Token
}

// Token 描述一个 ERC-20 代币的检索元数据。
type Token struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	ChainID  uint64         `json:"chain_id"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// StaticRegistry 通过加载 JSON 文件提供静态代币检索能力。
type StaticRegistry struct {
	bySymbol  map[string]Token
	byAddress map[string]Token
}

// NewStaticRegistry 创建静态代币注册表实例。
func NewStaticRegistry(items []Token) *StaticRegistry {
	r := &StaticRegistry{
		bySymbol:  make(map[string]Token, len(items)),
		byAddress: make(map[string]Token, len(items)),
	}
	for _, item := range items {
		r.bySymbol[symbolKey(item.ChainID, item.Symbol)] = item
		r.byAddress[addressKey(item.ChainID, item.Address)] = item
	}
	return r
}

// LoadStaticRegistry 从 JSON 文件加载代币条目。
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("代币注册表文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析代币注册表路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取代币注册表文件失败: %w", err)
	}
	defer file.Close()

	var entries []Token
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析代币注册表文件失败: %w", err)
	}

	return NewStaticRegistry(entries), nil
}

// Lookup 按链与符号检索代币，符号匹配不区分大小写。
func (r *StaticRegistry) Lookup(chainID uint64, symbol string) (Token, bool) {
	if r == nil {
		return Token{}, false
	}
	token, ok := r.bySymbol[symbolKey(chainID, symbol)]
	return token, ok
}

// ByAddress 按链与合约地址检索代币。
func (r *StaticRegistry) ByAddress(chainID uint64, address common.Address) (Token, bool) {
	if r == nil {
		return Token{}, false
	}
	token, ok := r.byAddress[addressKey(chainID, address)]
	return token, ok
}

// List 返回指定链上的全部代币。
func (r *StaticRegistry) List(chainID uint64) []Token {
	if r == nil {
		return nil
	}
	results := make([]Token, 0, len(r.bySymbol))
	for _, token := range r.bySymbol {
		if token.ChainID == chainID {
			results = append(results, token)
		}
	}
	return results
}

func symbolKey(chainID uint64, symbol string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToUpper(strings.TrimSpace(symbol)))
}

func addressKey(chainID uint64, address common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(address.Hex()))
}

// Ensure StaticRegistry 实现 Registry 接口。
var _ Registry = (*StaticRegistry)(nil)
