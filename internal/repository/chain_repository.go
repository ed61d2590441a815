package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"gorm.io/gorm"
)

var (
	ErrChainNotFound       = errors.New("chain not found")
	ErrBlockNotFound       = errors.New("block not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateBlock      = errors.New("duplicate block")
)

// ChainRepository 链状态仓储接口
type ChainRepository interface {
	GetChain(ctx context.Context, chainID int64) (*model.Chain, error)
	UpsertChain(ctx context.Context, chain *model.Chain) error
	UpdateHeight(ctx context.Context, chainID int64, height int64, synced bool) error

	CreateBlock(ctx context.Context, block *model.Block) error
	GetBlockByHeight(ctx context.Context, chainID int64, height int64) (*model.Block, error)
	ListBlocksFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Block, error)

	CreateTransaction(ctx context.Context, tx *model.Transaction) error
	GetTransactionByHash(ctx context.Context, chainID int64, txHash string) (*model.Transaction, error)
}

// chainRepository 链状态仓储实现
type chainRepository struct {
	*Repository
}

// NewChainRepository 创建链状态仓储
func NewChainRepository(db *gorm.DB) ChainRepository {
	return &chainRepository{
		Repository: NewRepository(db),
	}
}

func (r *chainRepository) GetChain(ctx context.Context, chainID int64) (*model.Chain, error) {
	var chain model.Chain
	err := r.DB(ctx).Where("chain_id = ?", chainID).First(&chain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (r *chainRepository) UpsertChain(ctx context.Context, chain *model.Chain) error {
	now := time.Now().UnixMilli()
	existing, err := r.GetChain(ctx, chain.ChainID)
	if errors.Is(err, ErrChainNotFound) {
		chain.CreatedAt = now
		chain.UpdatedAt = now
		return r.DB(ctx).Create(chain).Error
	}
	if err != nil {
		return err
	}
	chain.ID = existing.ID
	chain.CreatedAt = existing.CreatedAt
	chain.UpdatedAt = now
	return r.DB(ctx).Save(chain).Error
}

func (r *chainRepository) UpdateHeight(ctx context.Context, chainID int64, height int64, synced bool) error {
	result := r.DB(ctx).Model(&model.Chain{}).
		Where("chain_id = ?", chainID).
		Updates(map[string]interface{}{
			"height":     height,
			"synced":     synced,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChainNotFound
	}
	return nil
}

func (r *chainRepository) CreateBlock(ctx context.Context, block *model.Block) error {
	block.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(block).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateBlock
	}
	return err
}

func (r *chainRepository) GetBlockByHeight(ctx context.Context, chainID int64, height int64) (*model.Block, error) {
	var block model.Block
	err := r.DB(ctx).
		Where("chain_id = ? AND height = ?", chainID, height).
		Order("id DESC").
		First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *chainRepository) ListBlocksFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Block, error) {
	var blocks []*model.Block
	err := r.DB(ctx).
		Where("chain_id = ? AND height >= ?", chainID, fromHeight).
		Order("height ASC").
		Find(&blocks).Error
	return blocks, err
}

func (r *chainRepository) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	tx.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(tx).Error
	if err != nil && isDuplicateKeyError(err) {
		// 同一交易被重复摄取时保留第一条
		return nil
	}
	return err
}

func (r *chainRepository) GetTransactionByHash(ctx context.Context, chainID int64, txHash string) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.DB(ctx).
		Where("chain_id = ? AND tx_hash = ?", chainID, txHash).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
