package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicatePayment = errors.New("duplicate payment")
)

// PaymentRepository 支付记录仓储接口
type PaymentRepository interface {
	Create(ctx context.Context, payment *model.Payment) error
	GetByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error)
	GetBySourceRef(ctx context.Context, sourceRef string) (*model.Payment, error)
	ListByOrderID(ctx context.Context, orderID string) ([]*model.Payment, error)

	// Confirm 将支付标记为已确认并记录触发确认的链头高度
	Confirm(ctx context.Context, paymentID string, confirmedHeight int64) (bool, error)
	// Revert 将支付回退到等待确认状态
	Revert(ctx context.Context, paymentID string) (bool, error)

	// ListConfirmableAtHeight 列出确认高度已覆盖其所在区块的待确认链上支付
	ListConfirmableAtHeight(ctx context.Context, chainID int64, confirmableHeight int64) ([]*model.Payment, error)
	// ListConfirmedFromHeight 列出在指定高度及之后被确认的支付 (重组回退范围)
	ListConfirmedFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Payment, error)
}

// paymentRepository 支付记录仓储实现
type paymentRepository struct {
	*Repository
}

// NewPaymentRepository 创建支付记录仓储
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{
		Repository: NewRepository(db),
	}
}

func (r *paymentRepository) Create(ctx context.Context, payment *model.Payment) error {
	now := time.Now().UnixMilli()
	payment.CreatedAt = now
	payment.UpdatedAt = now

	err := r.DB(ctx).Create(payment).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicatePayment
	}
	return err
}

func (r *paymentRepository) GetByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.DB(ctx).Where("payment_id = ?", paymentID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetBySourceRef(ctx context.Context, sourceRef string) (*model.Payment, error) {
	var payment model.Payment
	err := r.DB(ctx).Where("source_ref = ?", sourceRef).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) ListByOrderID(ctx context.Context, orderID string) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.DB(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&payments).Error
	return payments, err
}

func (r *paymentRepository) Confirm(ctx context.Context, paymentID string, confirmedHeight int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, model.PaymentStatusReceived).
		Updates(map[string]interface{}{
			"status":           model.PaymentStatusConfirmed,
			"confirmed_height": confirmedHeight,
			"updated_at":       time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *paymentRepository) Revert(ctx context.Context, paymentID string) (bool, error) {
	result := r.DB(ctx).Model(&model.Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, model.PaymentStatusConfirmed).
		Updates(map[string]interface{}{
			"status":           model.PaymentStatusReceived,
			"confirmed_height": 0,
			"updated_at":       time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *paymentRepository) ListConfirmableAtHeight(ctx context.Context, chainID int64, confirmableHeight int64) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ? AND kind = ? AND block_height <= ?",
			chainID, model.PaymentStatusReceived, model.PaymentKindBlockchain, confirmableHeight).
		Order("block_height ASC, log_index ASC").
		Find(&payments).Error
	return payments, err
}

func (r *paymentRepository) ListConfirmedFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ? AND confirmed_height >= ?",
			chainID, model.PaymentStatusConfirmed, fromHeight).
		Order("confirmed_height ASC").
		Find(&payments).Error
	return payments, err
}
