// Package contract provides ERC20 token utilities for payment settlement.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token registry errors
var (
	ErrTokenNotFound      = errors.New("token not found")
	ErrInvalidTokenConfig = errors.New("invalid token configuration")
)

// ERC20ABI is the minimal ABI needed for settlement: balance queries
// and outgoing transfers.
const ERC20ABI = `[
	{
		"type": "function",
		"name": "symbol",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "decimals",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	}
]`

// NativeToken returns the address used to represent the chain's native token.
func NativeToken() common.Address {
	return common.Address{}
}

// IsNativeToken reports whether the address represents the native token.
func IsNativeToken(token common.Address) bool {
	return token == (common.Address{})
}

// TokenInfo represents information about a settleable token.
type TokenInfo struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	ChainID  int64          `json:"chain_id"`
	IsNative bool           `json:"is_native"`
}

// ChainCaller is the subset of RPC operations the registry needs.
type ChainCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// TokenRegistryConfig is the configuration for the token registry.
type TokenRegistryConfig struct {
	ChainID int64
	// Predefined tokens (address -> TokenInfo)
	Tokens map[string]*TokenInfo
}

// TokenRegistry manages the mapping between token addresses and symbols,
// and converts between ledger decimal amounts and on-chain integer units.
type TokenRegistry struct {
	mu sync.RWMutex

	chainID int64

	tokensByAddress map[common.Address]*TokenInfo
	tokensBySymbol  map[string]*TokenInfo

	erc20ABI abi.ABI
	caller   ChainCaller
}

// NewTokenRegistry creates a new token registry.
func NewTokenRegistry(cfg *TokenRegistryConfig, caller ChainCaller) (*TokenRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, err
	}

	r := &TokenRegistry{
		chainID:         cfg.ChainID,
		tokensByAddress: make(map[common.Address]*TokenInfo),
		tokensBySymbol:  make(map[string]*TokenInfo),
		erc20ABI:        parsed,
		caller:          caller,
	}

	nativeToken := &TokenInfo{
		Symbol:   "ETH",
		Name:     "Ethereum",
		Address:  NativeToken(),
		Decimals: 18,
		ChainID:  cfg.ChainID,
		IsNative: true,
	}
	r.tokensByAddress[NativeToken()] = nativeToken
	r.tokensBySymbol["ETH"] = nativeToken

	for addrStr, info := range cfg.Tokens {
		addr := common.HexToAddress(addrStr)
		info.Address = addr
		info.ChainID = cfg.ChainID
		r.tokensByAddress[addr] = info
		r.tokensBySymbol[strings.ToUpper(info.Symbol)] = info
	}

	return r, nil
}

// RegisterToken registers a new token.
func (r *TokenRegistry) RegisterToken(info *TokenInfo) error {
	if info == nil || info.Symbol == "" {
		return ErrInvalidTokenConfig
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info.ChainID = r.chainID
	r.tokensByAddress[info.Address] = info
	r.tokensBySymbol[strings.ToUpper(info.Symbol)] = info

	return nil
}

// GetByAddress returns the token info for a given address.
func (r *TokenRegistry) GetByAddress(address common.Address) (*TokenInfo, error) {
	r.mu.RLock()
	info, ok := r.tokensByAddress[address]
	r.mu.RUnlock()

	if ok {
		return info, nil
	}
	return nil, ErrTokenNotFound
}

// GetBySymbol returns the token info for a given symbol.
func (r *TokenRegistry) GetBySymbol(symbol string) (*TokenInfo, error) {
	r.mu.RLock()
	info, ok := r.tokensBySymbol[strings.ToUpper(symbol)]
	r.mu.RUnlock()

	if ok {
		return info, nil
	}
	return nil, ErrTokenNotFound
}

// GetAllSymbols returns all registered token symbols.
func (r *TokenRegistry) GetAllSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.tokensBySymbol))
	for symbol := range r.tokensBySymbol {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ToUnits converts a ledger decimal amount into on-chain integer units.
func (r *TokenRegistry) ToUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromUnits converts on-chain integer units into a ledger decimal amount.
func (r *TokenRegistry) FromUnits(units *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(units, -int32(decimals))
}

// PackTransfer encodes an ERC20 transfer call.
func (r *TokenRegistry) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return r.erc20ABI.Pack("transfer", to, amount)
}

// BalanceOf queries the balance of a token for an account.
func (r *TokenRegistry) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if r.caller == nil {
		return nil, errors.New("no chain caller configured")
	}

	if IsNativeToken(token) {
		return r.caller.BalanceAt(ctx, account, nil)
	}

	data, err := r.erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}

	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if err := r.erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, err
	}
	return balance, nil
}
