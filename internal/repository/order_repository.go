package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound  = errors.New("payment order not found")
	ErrDuplicateOrder = errors.New("duplicate payment order")
)

// OrderRepository 支付订单仓储接口
type OrderRepository interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, order *model.PaymentOrder) error
	GetByOrderID(ctx context.Context, orderID string, opts *QueryOptions) (*model.PaymentOrder, error)

	// UpdateStatusFrom 仅当订单处于 from 状态时推进到 to 状态，
	// 返回是否实际发生了状态迁移。
	UpdateStatusFrom(ctx context.Context, orderID string, from, to model.OrderStatus) (bool, error)

	ListByStatus(ctx context.Context, status model.OrderStatus, page *Pagination) ([]*model.PaymentOrder, error)
	ListExpirable(ctx context.Context, nowMilli int64, limit int) ([]*model.PaymentOrder, error)

	AppendEvent(ctx context.Context, event *model.PaymentOrderEvent) error
	ListEvents(ctx context.Context, orderID string) ([]*model.PaymentOrderEvent, error)
}

// orderRepository 支付订单仓储实现
type orderRepository struct {
	*Repository
}

// NewOrderRepository 创建支付订单仓储
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{
		Repository: NewRepository(db),
	}
}

func (r *orderRepository) Create(ctx context.Context, order *model.PaymentOrder) error {
	now := time.Now().UnixMilli()
	order.CreatedAt = now
	order.UpdatedAt = now

	err := r.DB(ctx).Create(order).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateOrder
	}
	return err
}

func (r *orderRepository) GetByOrderID(ctx context.Context, orderID string, opts *QueryOptions) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := opts.ApplyLock(r.DB(ctx)).
		Where("order_id = ?", orderID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) UpdateStatusFrom(ctx context.Context, orderID string, from, to model.OrderStatus) (bool, error) {
	result := r.DB(ctx).Model(&model.PaymentOrder{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *orderRepository) ListByStatus(ctx context.Context, status model.OrderStatus, page *Pagination) ([]*model.PaymentOrder, error) {
	var orders []*model.PaymentOrder

	query := r.DB(ctx).Model(&model.PaymentOrder{}).Where("status = ?", status)

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) ListExpirable(ctx context.Context, nowMilli int64, limit int) ([]*model.PaymentOrder, error) {
	// 过期只能从 created 状态进入，路由过期时间决定订单过期时间
	var orders []*model.PaymentOrder
	err := r.DB(ctx).Model(&model.PaymentOrder{}).
		Joins("JOIN settlement_routes ON settlement_routes.order_id = settlement_orders.order_id").
		Where("settlement_orders.status = ? AND settlement_routes.expires_at <= ?", model.OrderStatusCreated, nowMilli).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) AppendEvent(ctx context.Context, event *model.PaymentOrderEvent) error {
	event.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(event).Error
}

func (r *orderRepository) ListEvents(ctx context.Context, orderID string) ([]*model.PaymentOrderEvent, error) {
	var events []*model.PaymentOrderEvent
	err := r.DB(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
