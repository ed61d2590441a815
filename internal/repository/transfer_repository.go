package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrDuplicateTransfer = errors.New("duplicate transfer")
	ErrReserveNotFound   = errors.New("reserve not found")
	ErrDuplicateReserve  = errors.New("duplicate reserve")
)

// TransferRepository 转账仓储接口
type TransferRepository interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, transfer *model.Transfer) error
	GetByTransferID(ctx context.Context, transferID string, opts *QueryOptions) (*model.Transfer, error)
	Update(ctx context.Context, transfer *model.Transfer) error

	// UpdateStatusFrom 仅当转账处于 from 状态时推进到 to 状态，
	// 返回是否实际发生了状态迁移。
	UpdateStatusFrom(ctx context.Context, transferID string, from, to model.TransferStatus) (bool, error)
	// MarkExecuted 记录链上执行结果并推进到 executed 状态
	MarkExecuted(ctx context.Context, transferID string, chainID int64, txHash string) (bool, error)
	// SetTxBlockHeight 交易被打包后记录所在区块高度
	SetTxBlockHeight(ctx context.Context, transferID string, height int64) error
	// Confirm 将转账标记为已确认并记录触发确认的链头高度
	Confirm(ctx context.Context, transferID string, confirmedHeight int64) (bool, error)
	// Fail 将转账置为失败终态
	Fail(ctx context.Context, transferID string, reason string) (bool, error)
	// RevertToExecuted 重组时将已确认的外部转账回退到 executed
	RevertToExecuted(ctx context.Context, transferID string) (bool, error)

	ListByStatus(ctx context.Context, status model.TransferStatus, page *Pagination) ([]*model.Transfer, error)
	// ListExecutedConfirmable 列出确认高度已覆盖其交易区块的待确认外部转账
	ListExecutedConfirmable(ctx context.Context, chainID int64, confirmableHeight int64) ([]*model.Transfer, error)
	// ListConfirmedFromHeight 列出在指定高度及之后被确认的外部转账 (重组回退范围)
	ListConfirmedFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Transfer, error)
	// GetByTxHash 按链上交易哈希查找外部转账
	GetByTxHash(ctx context.Context, chainID int64, txHash string) (*model.Transfer, error)

	AppendEvent(ctx context.Context, event *model.TransferEvent) error
	ListEvents(ctx context.Context, transferID string) ([]*model.TransferEvent, error)

	CreateReserve(ctx context.Context, reserve *model.Reserve) error
	GetReserveByTransferID(ctx context.Context, transferID string) (*model.Reserve, error)
	DeleteReserve(ctx context.Context, transferID string) (bool, error)
	// SumOpenReserves 汇总某热钱包某代币上全部未释放预留
	SumOpenReserves(ctx context.Context, walletAddress, token string) (decimal.Decimal, error)
}

// transferRepository 转账仓储实现
type transferRepository struct {
	*Repository
}

// NewTransferRepository 创建转账仓储
func NewTransferRepository(db *gorm.DB) TransferRepository {
	return &transferRepository{
		Repository: NewRepository(db),
	}
}

func (r *transferRepository) Create(ctx context.Context, transfer *model.Transfer) error {
	now := time.Now().UnixMilli()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now

	err := r.DB(ctx).Create(transfer).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateTransfer
	}
	return err
}

func (r *transferRepository) GetByTransferID(ctx context.Context, transferID string, opts *QueryOptions) (*model.Transfer, error) {
	var transfer model.Transfer
	err := opts.ApplyLock(r.DB(ctx)).
		Where("transfer_id = ?", transferID).
		First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (r *transferRepository) Update(ctx context.Context, transfer *model.Transfer) error {
	transfer.UpdatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Save(transfer).Error
}

func (r *transferRepository) UpdateStatusFrom(ctx context.Context, transferID string, from, to model.TransferStatus) (bool, error) {
	result := r.DB(ctx).Model(&model.Transfer{}).
		Where("transfer_id = ? AND status = ?", transferID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *transferRepository) MarkExecuted(ctx context.Context, transferID string, chainID int64, txHash string) (bool, error) {
	result := r.DB(ctx).Model(&model.Transfer{}).
		Where("transfer_id = ? AND status = ?", transferID, model.TransferStatusScheduled).
		Updates(map[string]interface{}{
			"status":     model.TransferStatusExecuted,
			"chain_id":   chainID,
			"tx_hash":    txHash,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *transferRepository) SetTxBlockHeight(ctx context.Context, transferID string, height int64) error {
	result := r.DB(ctx).Model(&model.Transfer{}).
		Where("transfer_id = ?", transferID).
		Updates(map[string]interface{}{
			"tx_block_height": height,
			"updated_at":      time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *transferRepository) Confirm(ctx context.Context, transferID string, confirmedHeight int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Transfer{}).
		Where("transfer_id = ? AND status = ?", transferID, model.TransferStatusExecuted).
		Updates(map[string]interface{}{
			"status":           model.TransferStatusConfirmed,
			"confirmed_height": confirmedHeight,
			"updated_at":       time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *transferRepository) Fail(ctx context.Context, transferID string, reason string) (bool, error) {
	// 失败是终态，已确认的转账不允许再进入失败
	result := r.DB(ctx).Model(&model.Transfer{}).
		Where("transfer_id = ? AND status IN ?", transferID,
			[]model.TransferStatus{model.TransferStatusScheduled, model.TransferStatusExecuted}).
		Updates(map[string]interface{}{
			"status":      model.TransferStatusFailed,
			"fail_reason": reason,
			"updated_at":  time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *transferRepository) RevertToExecuted(ctx context.Context, transferID string) (bool, error) {
	// 打包高度一并清零: 新链段重新打包该交易时按新高度计算确认深度
	result := r.DB(ctx).Model(&model.Transfer{}).
		Where("transfer_id = ? AND status = ?", transferID, model.TransferStatusConfirmed).
		Updates(map[string]interface{}{
			"status":           model.TransferStatusExecuted,
			"confirmed_height": 0,
			"tx_block_height":  0,
			"updated_at":       time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *transferRepository) ListByStatus(ctx context.Context, status model.TransferStatus, page *Pagination) ([]*model.Transfer, error) {
	var transfers []*model.Transfer

	query := r.DB(ctx).Model(&model.Transfer{}).Where("status = ?", status)

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&transfers).Error
	return transfers, err
}

func (r *transferRepository) ListExecutedConfirmable(ctx context.Context, chainID int64, confirmableHeight int64) ([]*model.Transfer, error) {
	var transfers []*model.Transfer
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ? AND kind = ? AND tx_block_height > 0 AND tx_block_height <= ?",
			chainID, model.TransferStatusExecuted, model.TransferKindExternal, confirmableHeight).
		Order("tx_block_height ASC").
		Find(&transfers).Error
	return transfers, err
}

func (r *transferRepository) ListConfirmedFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Transfer, error) {
	var transfers []*model.Transfer
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ? AND kind = ? AND confirmed_height >= ?",
			chainID, model.TransferStatusConfirmed, model.TransferKindExternal, fromHeight).
		Order("confirmed_height ASC").
		Find(&transfers).Error
	return transfers, err
}

func (r *transferRepository) GetByTxHash(ctx context.Context, chainID int64, txHash string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := r.DB(ctx).
		Where("chain_id = ? AND tx_hash = ?", chainID, txHash).
		First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (r *transferRepository) AppendEvent(ctx context.Context, event *model.TransferEvent) error {
	event.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(event).Error
}

func (r *transferRepository) ListEvents(ctx context.Context, transferID string) ([]*model.TransferEvent, error) {
	var events []*model.TransferEvent
	err := r.DB(ctx).
		Where("transfer_id = ?", transferID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (r *transferRepository) CreateReserve(ctx context.Context, reserve *model.Reserve) error {
	reserve.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(reserve).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateReserve
	}
	return err
}

func (r *transferRepository) GetReserveByTransferID(ctx context.Context, transferID string) (*model.Reserve, error) {
	var reserve model.Reserve
	err := r.DB(ctx).Where("transfer_id = ?", transferID).First(&reserve).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReserveNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reserve, nil
}

func (r *transferRepository) SumOpenReserves(ctx context.Context, walletAddress, token string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.DB(ctx).Model(&model.Reserve{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("wallet_address = ? AND token = ?", walletAddress, token).
		Scan(&total).Error
	return total, err
}

func (r *transferRepository) DeleteReserve(ctx context.Context, transferID string) (bool, error) {
	result := r.DB(ctx).
		Where("transfer_id = ?", transferID).
		Delete(&model.Reserve{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
