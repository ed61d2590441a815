package blockchain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/clearhub-pay/clearhub-settlement/pkg/lock"
)

// PendingNonceReader 查询某地址在交易池视角下的下一个 nonce
type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager 热钱包 nonce 分配器
// 计数器与空洞集合存放在 Redis，多实例共享同一份状态。
// 分配在分布式锁内完成；签名或发送失败释放的 nonce 进入
// 空洞集合，下次分配优先复用，避免后续交易全部卡在缺口上。
type NonceManager struct {
	reader  PendingNonceReader
	redis   redis.UniversalClient
	locker  *lock.RedisLocker
	wallet  common.Address
	chainID int64
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet  common.Address
	ChainID int64
}

// NewNonceManager 创建 nonce 分配器
func NewNonceManager(reader PendingNonceReader, rdb redis.UniversalClient, locker *lock.RedisLocker, cfg *NonceManagerConfig) *NonceManager {
	return &NonceManager{
		reader:  reader,
		redis:   rdb,
		locker:  locker,
		wallet:  cfg.Wallet,
		chainID: cfg.ChainID,
	}
}

func (m *NonceManager) counterKey() string {
	return fmt.Sprintf("settlement:nonce:%d:%s", m.chainID, strings.ToLower(m.wallet.Hex()))
}

func (m *NonceManager) gapKey() string {
	return fmt.Sprintf("settlement:nonce:gaps:%d:%s", m.chainID, strings.ToLower(m.wallet.Hex()))
}

func (m *NonceManager) lockKey() string {
	return fmt.Sprintf("nonce:%d:%s", m.chainID, strings.ToLower(m.wallet.Hex()))
}

// AcquireNonce 分配下一个可用 nonce
// 空洞集合非空时复用其中最小的，否则递增计数器。
// 计数器尚未建立时从链上交易池初始化。
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := m.locker.WithLockRetry(ctx, m.lockKey(), 50*time.Millisecond, 20, func(ctx context.Context) error {
		gaps, err := m.redis.ZPopMin(ctx, m.gapKey(), 1).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if len(gaps) > 0 {
			nonce, err = strconv.ParseUint(gaps[0].Member.(string), 10, 64)
			return err
		}

		current, err := m.redis.Get(ctx, m.counterKey()).Uint64()
		if err == redis.Nil {
			current, err = m.reader.PendingNonceAt(ctx, m.wallet)
		}
		if err != nil {
			return err
		}
		if err := m.redis.Set(ctx, m.counterKey(), current+1, 0).Err(); err != nil {
			return err
		}
		nonce = current
		return nil
	})
	return nonce, err
}

// ReleaseNonce 归还一个未上链的 nonce 到空洞集合
// 更高的 nonce 可能已被占用，计数器不回退。
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	return m.redis.ZAdd(ctx, m.gapKey(), redis.Z{
		Score:  float64(nonce),
		Member: strconv.FormatUint(nonce, 10),
	}).Err()
}

// Resync 丢弃本地计数器与空洞集合，下次分配从链上重新初始化
// 节点返回 nonce 错误说明 Redis 状态与链上脱节，只能重建。
func (m *NonceManager) Resync(ctx context.Context) error {
	return m.locker.WithLockRetry(ctx, m.lockKey(), 50*time.Millisecond, 20, func(ctx context.Context) error {
		return m.redis.Del(ctx, m.counterKey(), m.gapKey()).Err()
	})
}

// IsNonceError 判断节点返回的错误是否为 nonce 不匹配
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "invalid nonce")
}
