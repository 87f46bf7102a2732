package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SchemeExact is the scheme identifier for EIP-3009 transferWithAuthorization payments.
const SchemeExact = "exact"

// TxStatusSuccess is the receipt status go-ethereum reports for a mined, successful transaction.
const TxStatusSuccess = uint64(1)

// TransferWithAuthorizationABI is the minimal ERC-3009 ABI fragment exercised by the
// facilitator: the authorized transfer call and the nonce-used lookup.
const TransferWithAuthorizationABI = `[
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"name":"authorizationState","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const (
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
	FunctionBalanceOf                 = "balanceOf"
)

// NetworkConfig describes a single EIP-155 network's chain id and the ERC-20 assets
// the exact scheme knows how to price and settle on it.
type NetworkConfig struct {
	ChainID         *big.Int
	DefaultAsset    AssetInfo
	SupportedAssets map[string]AssetInfo
}

// NetworkConfigs maps a CAIP-2 network identifier to its chain configuration.
var NetworkConfigs = map[string]NetworkConfig{
	"eip155:8453": { // Base mainnet
		ChainID: big.NewInt(8453),
		DefaultAsset: AssetInfo{
			Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:    "USD Coin",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
	"eip155:84532": { // Base Sepolia testnet
		ChainID: big.NewInt(84532),
		DefaultAsset: AssetInfo{
			Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:    "USDC",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USDC", Version: "2", Decimals: 6},
		},
	},
	"eip155:1": { // Ethereum mainnet
		ChainID: big.NewInt(1),
		DefaultAsset: AssetInfo{
			Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Name:    "USD Coin",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
}

// IsValidNetwork reports whether network is one of the chains configured in NetworkConfigs.
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// GetNetworkConfig looks up the chain configuration for network.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return nil, fmt.Errorf("unsupported evm network: %s", network)
	}
	return &config, nil
}

// GetAssetInfo resolves asset, which may be a contract address or a known symbol,
// to its AssetInfo on network.
func GetAssetInfo(network string, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if asset == "" {
		return &config.DefaultAsset, nil
	}
	if strings.EqualFold(config.DefaultAsset.Address, asset) {
		return &config.DefaultAsset, nil
	}
	for symbol, info := range config.SupportedAssets {
		if strings.EqualFold(symbol, asset) || strings.EqualFold(info.Address, asset) {
			return &info, nil
		}
	}
	if IsValidAddress(asset) {
		// Unknown but well-formed address: fall back to the network's decimals.
		return &AssetInfo{Address: asset, Name: config.DefaultAsset.Name, Version: config.DefaultAsset.Version, Decimals: config.DefaultAsset.Decimals}, nil
	}
	return nil, fmt.Errorf("unknown asset %q on network %s", asset, network)
}

// IsValidAddress reports whether addr looks like a 20-byte hex Ethereum address.
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// CreateNonce generates a random 32-byte hex-encoded nonce for an EIP-3009 authorization.
func CreateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// CreateValidityWindow returns a (validAfter, validBefore) pair anchored to now, valid
// immediately and expiring after window.
func CreateValidityWindow(window time.Duration) (*big.Int, *big.Int) {
	now := time.Now()
	return big.NewInt(now.Unix()), big.NewInt(now.Add(window).Unix())
}

// BytesToHex hex-encodes b with a leading 0x.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexToBytes decodes a 0x-prefixed (or bare) hex string.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// ParseAmount converts a decimal string amount (e.g. "1.50") into the smallest unit
// for a token with the given number of decimals.
func ParseAmount(decimal string, decimals int) (*big.Int, error) {
	parts := strings.SplitN(decimal, ".", 2)
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more precision than %d decimals", decimal, decimals)
	}
	frac = frac + strings.Repeat("0", decimals-len(frac))

	combined, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount: %q", decimal)
	}
	return combined, nil
}

// FormatAmount renders a smallest-unit integer amount as a decimal string with the
// given number of decimals.
func FormatAmount(amount *big.Int, decimals int) string {
	s := amount.String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) <= decimals {
		s = "0" + s
	}
	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
