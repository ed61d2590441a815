package blockchain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/contract"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

var (
	ErrInsufficientHotWallet = errors.New("hot wallet balance insufficient")
	ErrInvalidDestination    = errors.New("invalid destination address")
)

// SendRequest 外部转账执行请求
type SendRequest struct {
	To     string
	Token  string
	Amount decimal.Decimal
}

// ProvisionedWallet 新生成的入金钱包
// 私钥由调用方负责托管，本服务只保存地址。
type ProvisionedWallet struct {
	Address       string
	PrivateKeyHex string
}

// HotWallet 热钱包
// 负责外部转账的构造、签名与发送。
type HotWallet struct {
	client      *Client
	nonce       *NonceManager
	tokens      *contract.TokenRegistry
	gas         *contract.GasEstimator
	sendTimeout time.Duration
}

// NewHotWallet 创建热钱包
func NewHotWallet(client *Client, nonce *NonceManager, tokens *contract.TokenRegistry, gas *contract.GasEstimator, sendTimeout time.Duration) *HotWallet {
	if sendTimeout == 0 {
		sendTimeout = 30 * time.Second
	}
	return &HotWallet{
		client:      client,
		nonce:       nonce,
		tokens:      tokens,
		gas:         gas,
		sendTimeout: sendTimeout,
	}
}

// Address 返回热钱包地址
func (w *HotWallet) Address() string {
	return w.client.Address().Hex()
}

// CheckFunds 检查热钱包余额能否覆盖转账金额
func (w *HotWallet) CheckFunds(ctx context.Context, token string, amount decimal.Decimal) error {
	info, err := w.tokens.GetBySymbol(token)
	if err != nil {
		return err
	}

	balance, err := w.tokens.BalanceOf(ctx, info.Address, w.client.Address())
	if err != nil {
		return err
	}

	units := w.tokens.ToUnits(amount, info.Decimals)
	if balance.Cmp(units) < 0 {
		return ErrInsufficientHotWallet
	}
	return nil
}

// Send 构造、签名并发送一笔转账，返回交易哈希
// 整个流程受 sendTimeout 约束。
func (w *HotWallet) Send(ctx context.Context, req *SendRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	if !common.IsHexAddress(req.To) {
		return "", ErrInvalidDestination
	}

	info, err := w.tokens.GetBySymbol(req.Token)
	if err != nil {
		return "", err
	}
	units := w.tokens.ToUnits(req.Amount, info.Decimals)

	var (
		to    common.Address
		value *big.Int
		data  []byte
	)
	if info.IsNative {
		to = common.HexToAddress(req.To)
		value = units
	} else {
		data, err = w.tokens.PackTransfer(common.HexToAddress(req.To), units)
		if err != nil {
			return "", err
		}
		to = info.Address
		value = big.NewInt(0)
	}

	estimate, err := w.gas.EstimateTransferGas(ctx, w.client.Address(), to, data, value)
	if err != nil {
		return "", err
	}

	nonce, err := w.nonce.AcquireNonce(ctx)
	if err != nil {
		return "", err
	}

	var tx *types.Transaction
	if estimate.IsEIP1559 && estimate.GasPrice.GasFeeCap != nil {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   big.NewInt(w.client.ChainID()),
			Nonce:     nonce,
			GasTipCap: estimate.GasPrice.GasTipCap,
			GasFeeCap: estimate.GasPrice.GasFeeCap,
			Gas:       estimate.GasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: estimate.GasPrice.GasPrice,
			Gas:      estimate.GasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}

	signed, err := w.client.SignTransaction(tx)
	if err != nil {
		w.releaseNonce(ctx, nonce)
		return "", err
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		// nonce 不匹配说明 Redis 计数器与链上脱节，归还会污染空洞集合
		if IsNonceError(err) {
			if rerr := w.nonce.Resync(ctx); rerr != nil {
				logger.Warn("nonce resync failed", zap.Error(rerr))
			}
		} else {
			w.releaseNonce(ctx, nonce)
		}
		return "", err
	}

	txHash := signed.Hash().Hex()
	logger.Info("transfer submitted",
		zap.String("tx_hash", txHash),
		zap.String("to", req.To),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()))

	return txHash, nil
}

func (w *HotWallet) releaseNonce(ctx context.Context, nonce uint64) {
	if err := w.nonce.ReleaseNonce(ctx, nonce); err != nil {
		logger.Warn("release nonce failed", zap.Uint64("nonce", nonce), zap.Error(err))
	}
}

// TxBlockHeight 查询交易被打包的区块高度，未上链返回 ErrTxNotFound
func (w *HotWallet) TxBlockHeight(ctx context.Context, txHash string) (int64, error) {
	receipt, err := w.client.GetTransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return 0, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, ErrTxFailed
	}
	return receipt.BlockNumber.Int64(), nil
}

// ProvisionWallet 生成一个新的入金钱包
func ProvisionWallet() (*ProvisionedWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &ProvisionedWallet{
		Address:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(key)),
	}, nil
}

// RedisKeyProvisioner 入金钱包补给器
// 新地址的私钥写入 Redis 托管，归集流程从同一 key 前缀读取。
type RedisKeyProvisioner struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisKeyProvisioner 创建补给器
func NewRedisKeyProvisioner(rdb *redis.Client, keyPrefix string) *RedisKeyProvisioner {
	if keyPrefix == "" {
		keyPrefix = "settlement:depositkey:"
	}
	return &RedisKeyProvisioner{rdb: rdb, keyPrefix: keyPrefix}
}

// ProvisionWallet 生成新地址并托管私钥
func (p *RedisKeyProvisioner) ProvisionWallet() (string, error) {
	w, err := ProvisionWallet()
	if err != nil {
		return "", err
	}

	key := p.keyPrefix + strings.ToLower(w.Address)
	if err := p.rdb.Set(context.Background(), key, w.PrivateKeyHex, 0).Err(); err != nil {
		return "", err
	}

	logger.Info("deposit wallet provisioned", zap.String("address", w.Address))
	return w.Address, nil
}
