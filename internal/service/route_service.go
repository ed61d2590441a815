package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
	"github.com/clearhub-pay/clearhub-settlement/pkg/lock"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

var (
	ErrOrderTerminal    = errors.New("order already in terminal state")
	ErrRouteExists      = errors.New("order already has an open route")
	ErrNoRouteAvailable = errors.New("no payment route available")
)

// allocateLockKey 路由分配全局锁
// 钱包选取与路由创建必须互斥，防止两个订单抢到同一钱包。
const allocateLockKey = "route:allocate"

// WalletProvisioner 入金钱包补给
type WalletProvisioner interface {
	ProvisionWallet() (address string, err error)
}

// RouteService 支付路由服务
// 优先分配通道路由 (该代币存在已注册的通道网络时)，
// 否则选取空闲链上钱包，无空闲钱包时现场补给一个新地址。
type RouteService struct {
	routeRepo repository.RouteRepository
	locker    *lock.RedisLocker

	chainID     int64
	routeTTL    time.Duration
	provisioner WalletProvisioner
}

// RouteServiceConfig 配置
type RouteServiceConfig struct {
	ChainID  int64
	RouteTTL time.Duration
}

// NewRouteService 创建支付路由服务
func NewRouteService(routeRepo repository.RouteRepository, locker *lock.RedisLocker, provisioner WalletProvisioner, cfg *RouteServiceConfig) *RouteService {
	routeTTL := cfg.RouteTTL
	if routeTTL == 0 {
		routeTTL = 15 * time.Minute
	}

	return &RouteService{
		routeRepo:   routeRepo,
		locker:      locker,
		chainID:     cfg.ChainID,
		routeTTL:    routeTTL,
		provisioner: provisioner,
	}
}

// Allocate 为订单分配支付路由
// 同一订单只会有一条开放路由；重复调用返回 ErrRouteExists。
func (s *RouteService) Allocate(ctx context.Context, order *model.PaymentOrder) (*model.PaymentRoute, error) {
	if order.Status.IsTerminal() {
		return nil, ErrOrderTerminal
	}

	if _, err := s.routeRepo.GetByOrderID(ctx, order.OrderID); err == nil {
		return nil, ErrRouteExists
	} else if !errors.Is(err, repository.ErrRouteNotFound) {
		return nil, err
	}

	var route *model.PaymentRoute
	err := s.locker.WithLockRetry(ctx, allocateLockKey, 100*time.Millisecond, 10, func(ctx context.Context) error {
		var err error
		route, err = s.allocate(ctx, order)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("payment route allocated",
		zap.String("order_id", order.OrderID),
		zap.String("route_id", route.RouteID),
		zap.String("route_type", route.RouteType.String()),
		zap.String("deposit_target", route.DepositTarget))
	return route, nil
}

func (s *RouteService) allocate(ctx context.Context, order *model.PaymentOrder) (*model.PaymentRoute, error) {
	expiresAt := time.Now().Add(s.routeTTL).UnixMilli()

	// 通道网络优先
	network, err := s.routeRepo.FindChannelNetwork(ctx, order.Token)
	if err == nil {
		route := &model.PaymentRoute{
			RouteID:       uuid.New().String(),
			OrderID:       order.OrderID,
			RouteType:     model.RouteTypeChannel,
			DepositTarget: network.NetworkID + ":" + uuid.New().String(),
			NetworkID:     network.NetworkID,
			ExpiresAt:     expiresAt,
		}
		if err := s.routeRepo.Create(ctx, route); err != nil {
			return nil, err
		}
		return route, nil
	}
	if !errors.Is(err, repository.ErrChannelNetworkUnset) {
		return nil, err
	}

	// 链上路由: 事务内选取空闲钱包并建立路由
	var route *model.PaymentRoute
	err = s.routeRepo.Transaction(ctx, func(ctx context.Context) error {
		wallet, err := s.routeRepo.ClaimFreeWallet(ctx, s.chainID)
		if errors.Is(err, repository.ErrNoFreeWallet) {
			wallet, err = s.provisionWallet(ctx)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrNoRouteAvailable, err)
			}
		}
		if err != nil {
			return err
		}

		route = &model.PaymentRoute{
			RouteID:       uuid.New().String(),
			OrderID:       order.OrderID,
			RouteType:     model.RouteTypeBlockchain,
			DepositTarget: wallet.Address,
			ExpiresAt:     expiresAt,
		}
		return s.routeRepo.Create(ctx, route)
	})
	if err != nil {
		return nil, err
	}
	return route, nil
}

func (s *RouteService) provisionWallet(ctx context.Context) (*model.Wallet, error) {
	address, err := s.provisioner.ProvisionWallet()
	if err != nil {
		return nil, err
	}

	wallet := &model.Wallet{
		Address: address,
		ChainID: s.chainID,
	}
	if err := s.routeRepo.CreateWallet(ctx, wallet); err != nil {
		return nil, err
	}

	metrics.WalletsProvisionedTotal.Inc()
	logger.Info("deposit wallet provisioned",
		zap.String("address", address),
		zap.Int64("chain_id", s.chainID))
	return wallet, nil
}

// Release 释放订单的开放路由，入金目标可被后续订单复用
func (s *RouteService) Release(ctx context.Context, orderID string) error {
	return s.routeRepo.Delete(ctx, orderID)
}

// FindByDepositTarget 按入金目标查找开放路由
func (s *RouteService) FindByDepositTarget(ctx context.Context, target string) (*model.PaymentRoute, error) {
	return s.routeRepo.GetByDepositTarget(ctx, target)
}
