package tokens

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func sampleTokens() []Token {
	return []Token{
		{
			Symbol:   "USDC",
			Name:     "USD Coin",
			ChainID:  1,
			Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Decimals: 6,
		},
		{
			Symbol:   "USDC",
			Name:     "USD Coin (Polygon)",
			ChainID:  137,
			Address:  common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
			Decimals: 6,
		},
		{
			Symbol:   "WETH",
			Name:     "Wrapped Ether",
			ChainID:  1,
			Address:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
			Decimals: 18,
		},
	}
}

func TestStaticRegistryLookup(t *testing.T) {
	registry := NewStaticRegistry(sampleTokens())

	token, ok := registry.Lookup(1, "usdc")
	if !ok {
		t.Fatalf("符号匹配应不区分大小写")
	}
	if token.Decimals != 6 || token.ChainID != 1 {
		t.Fatalf("代币元数据不符: %+v", token)
	}

	// 同一符号在不同链上是不同的代币。
	polygon, ok := registry.Lookup(137, "USDC")
	if !ok || polygon.Address == token.Address {
		t.Fatalf("跨链代币不应混用地址: %+v", polygon)
	}

	if _, ok := registry.Lookup(1, "DOGE"); ok {
		t.Fatalf("未登记的代币不应命中")
	}
}

func TestStaticRegistryByAddress(t *testing.T) {
	registry := NewStaticRegistry(sampleTokens())

	token, ok := registry.ByAddress(1, common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"))
	if !ok || token.Symbol != "WETH" {
		t.Fatalf("地址检索失败: %+v", token)
	}

	if got := registry.List(1); len(got) != 2 {
		t.Fatalf("链 1 上应有 2 个代币, 实际 %d", len(got))
	}
}

func TestLoadStaticRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	encoded, err := json.Marshal(sampleTokens())
	if err != nil {
		t.Fatalf("序列化样本失败: %v", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("写入样本文件失败: %v", err)
	}

	registry, err := LoadStaticRegistry(path)
	if err != nil {
		t.Fatalf("加载注册表失败: %v", err)
	}
	if _, ok := registry.Lookup(1, "WETH"); !ok {
		t.Fatalf("加载后的注册表应包含 WETH")
	}

	if _, err := LoadStaticRegistry(""); err == nil {
		t.Fatalf("空路径应报错")
	}
}
