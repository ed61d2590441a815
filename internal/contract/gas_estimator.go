package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Gas estimation errors
var (
	ErrGasEstimationFailed = errors.New("gas estimation failed")
	ErrGasPriceTooHigh     = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh     = errors.New("gas limit exceeds maximum")
)

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// GasPriceMultiplier is the multiplier for suggested gas price (1.1 = 10% buffer).
	GasPriceMultiplier float64
	// GasLimitMultiplier is the multiplier for estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
	// BaseGasForTransfer is the fallback gas limit for outgoing transfers
	// when RPC estimation fails.
	BaseGasForTransfer uint64
}

// GasPriceInfo contains gas price information.
type GasPriceInfo struct {
	// Legacy gas price (for non-EIP-1559 chains).
	GasPrice *big.Int
	// EIP-1559 fields.
	BaseFee   *big.Int
	GasTipCap *big.Int // Max priority fee per gas.
	GasFeeCap *big.Int // Max fee per gas.
	// Timestamp when this info was fetched.
	FetchedAt time.Time
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	GasLimit      uint64
	GasPrice      *GasPriceInfo
	EstimatedCost *big.Int
	IsEIP1559     bool
}

// EthBackend is the RPC surface the estimator depends on.
type EthBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// GasEstimator estimates gas for outgoing settlement transfers.
type GasEstimator struct {
	cfg     *GasEstimatorConfig
	backend EthBackend

	// Cache
	mu          sync.RWMutex
	cachedPrice *GasPriceInfo
	isEIP1559   bool
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg *GasEstimatorConfig, backend EthBackend) *GasEstimator {
	if cfg == nil {
		cfg = &GasEstimatorConfig{}
	}

	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 10_000_000
	}
	if cfg.GasPriceMultiplier == 0 {
		cfg.GasPriceMultiplier = 1.1
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second // ~1 block on Ethereum
	}
	if cfg.BaseGasForTransfer == 0 {
		cfg.BaseGasForTransfer = 80_000
	}

	return &GasEstimator{
		cfg:     cfg,
		backend: backend,
	}
}

// GetGasPrice returns the current gas price information.
func (e *GasEstimator) GetGasPrice(ctx context.Context) (*GasPriceInfo, error) {
	e.mu.RLock()
	if e.cachedPrice != nil && time.Since(e.cachedPrice.FetchedAt) < e.cfg.CacheTTL {
		cached := e.cachedPrice
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	return e.fetchGasPrice(ctx)
}

// fetchGasPrice fetches fresh gas price from the network.
func (e *GasEstimator) fetchGasPrice(ctx context.Context) (*GasPriceInfo, error) {
	info := &GasPriceInfo{
		FetchedAt: time.Now(),
	}

	// Try EIP-1559 first
	gasTipCap, err := e.backend.SuggestGasTipCap(ctx)
	if err == nil && gasTipCap != nil && gasTipCap.Sign() > 0 {
		info.GasTipCap = gasTipCap

		header, err := e.backend.HeaderByNumber(ctx, nil)
		if err == nil && header != nil && header.BaseFee != nil {
			info.BaseFee = header.BaseFee
		}

		// Gas fee cap = 2 * base fee + tip
		if info.BaseFee != nil {
			info.GasFeeCap = new(big.Int).Mul(info.BaseFee, big.NewInt(2))
			info.GasFeeCap.Add(info.GasFeeCap, info.GasTipCap)
		} else {
			gasPrice, _ := e.backend.SuggestGasPrice(ctx)
			info.GasFeeCap = gasPrice
		}
	}

	// Always get legacy gas price as fallback
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	info.GasPrice = gasPrice

	if e.cfg.GasPriceMultiplier > 1 {
		multiplied := new(big.Float).SetInt(info.GasPrice)
		multiplied.Mul(multiplied, big.NewFloat(e.cfg.GasPriceMultiplier))
		info.GasPrice, _ = multiplied.Int(nil)

		if info.GasFeeCap != nil {
			multiplied = new(big.Float).SetInt(info.GasFeeCap)
			multiplied.Mul(multiplied, big.NewFloat(e.cfg.GasPriceMultiplier))
			info.GasFeeCap, _ = multiplied.Int(nil)
		}
	}

	if info.GasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	e.mu.Lock()
	e.cachedPrice = info
	e.isEIP1559 = info.GasTipCap != nil && info.GasTipCap.Sign() > 0
	e.mu.Unlock()

	return info, nil
}

// EstimateTransferGas estimates gas for an outgoing transfer.
// Falls back to BaseGasForTransfer when RPC estimation fails.
func (e *GasEstimator) EstimateTransferGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (*GasEstimate, error) {
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: value,
	}

	gasLimit, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		gasLimit = e.cfg.BaseGasForTransfer
	}

	// Safety margin
	gasLimit = uint64(float64(gasLimit) * e.cfg.GasLimitMultiplier)
	if gasLimit > e.cfg.MaxGasLimit {
		return nil, ErrGasLimitTooHigh
	}

	gasPrice, err := e.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	estimatedCost := new(big.Int).Mul(gasPrice.GasPrice, big.NewInt(int64(gasLimit)))

	e.mu.RLock()
	isEIP1559 := e.isEIP1559
	e.mu.RUnlock()

	return &GasEstimate{
		GasLimit:      gasLimit,
		GasPrice:      gasPrice,
		EstimatedCost: estimatedCost,
		IsEIP1559:     isEIP1559,
	}, nil
}

// IsEIP1559Supported returns whether EIP-1559 is supported.
func (e *GasEstimator) IsEIP1559Supported() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isEIP1559
}

// InvalidateCache invalidates the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cachedPrice = nil
	e.mu.Unlock()
}
