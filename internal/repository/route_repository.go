package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"gorm.io/gorm"
)

var (
	ErrRouteNotFound       = errors.New("payment route not found")
	ErrDepositTargetInUse  = errors.New("deposit target already claimed by an open route")
	ErrNoFreeWallet        = errors.New("no free wallet available")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrDuplicateWallet     = errors.New("duplicate wallet")
	ErrChannelNetworkUnset = errors.New("no channel network for token")
)

// RouteRepository 支付路由仓储接口
// 路由对入金目标的独占由 deposit_target 上的唯一索引保证，
// ClaimFreeWallet 必须在事务内配合行锁使用。
type RouteRepository interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, route *model.PaymentRoute) error
	GetByOrderID(ctx context.Context, orderID string) (*model.PaymentRoute, error)
	GetByDepositTarget(ctx context.Context, target string) (*model.PaymentRoute, error)
	Delete(ctx context.Context, orderID string) error
	ListExpired(ctx context.Context, nowMilli int64, limit int) ([]*model.PaymentRoute, error)

	// ClaimFreeWallet 选出一个当前没有开放路由占用的钱包并加行锁
	ClaimFreeWallet(ctx context.Context, chainID int64) (*model.Wallet, error)
	CreateWallet(ctx context.Context, wallet *model.Wallet) error

	FindChannelNetwork(ctx context.Context, token string) (*model.ChannelNetwork, error)
	CreateChannelNetwork(ctx context.Context, network *model.ChannelNetwork) error
}

// routeRepository 支付路由仓储实现
type routeRepository struct {
	*Repository
}

// NewRouteRepository 创建支付路由仓储
func NewRouteRepository(db *gorm.DB) RouteRepository {
	return &routeRepository{
		Repository: NewRepository(db),
	}
}

func (r *routeRepository) Create(ctx context.Context, route *model.PaymentRoute) error {
	route.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(route).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDepositTargetInUse
	}
	return err
}

func (r *routeRepository) GetByOrderID(ctx context.Context, orderID string) (*model.PaymentRoute, error) {
	var route model.PaymentRoute
	err := r.DB(ctx).Where("order_id = ?", orderID).First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (r *routeRepository) GetByDepositTarget(ctx context.Context, target string) (*model.PaymentRoute, error) {
	var route model.PaymentRoute
	err := r.DB(ctx).Where("deposit_target = ?", target).First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (r *routeRepository) Delete(ctx context.Context, orderID string) error {
	// 删除开放路由即释放入金目标，供后续订单复用
	return r.DB(ctx).
		Where("order_id = ?", orderID).
		Delete(&model.PaymentRoute{}).Error
}

func (r *routeRepository) ListExpired(ctx context.Context, nowMilli int64, limit int) ([]*model.PaymentRoute, error) {
	var routes []*model.PaymentRoute
	err := r.DB(ctx).
		Where("expires_at <= ?", nowMilli).
		Order("expires_at ASC").
		Limit(limit).
		Find(&routes).Error
	return routes, err
}

func (r *routeRepository) ClaimFreeWallet(ctx context.Context, chainID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	opts := &QueryOptions{ForUpdate: true, NoWait: false}
	err := opts.ApplyLock(r.DB(ctx)).
		Where("chain_id = ?", chainID).
		Where("address NOT IN (?)",
			r.DB(ctx).Model(&model.PaymentRoute{}).
				Select("deposit_target").
				Where("route_type = ?", model.RouteTypeBlockchain),
		).
		Order("id ASC").
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoFreeWallet
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *routeRepository) CreateWallet(ctx context.Context, wallet *model.Wallet) error {
	wallet.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(wallet).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateWallet
	}
	return err
}

func (r *routeRepository) FindChannelNetwork(ctx context.Context, token string) (*model.ChannelNetwork, error) {
	var network model.ChannelNetwork
	err := r.DB(ctx).Where("token = ?", token).First(&network).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNetworkUnset
	}
	if err != nil {
		return nil, err
	}
	return &network, nil
}

func (r *routeRepository) CreateChannelNetwork(ctx context.Context, network *model.ChannelNetwork) error {
	network.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(network).Error
}
