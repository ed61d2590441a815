package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

// errNoTransition 状态 CAS 未命中时令事务回滚的内部哨兵
// 事件记录先于状态迁移落库，迁移未发生则事件一并回滚。
var errNoTransition = errors.New("state transition did not apply")

// OrderService 支付订单服务
// 管理订单生命周期: created -> paid -> confirmed，
// 过期仅能从 created 进入。每次状态变更先追加事件记录，
// 再在同一事务内应用副作用 (入账、释放路由)。
type OrderService struct {
	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentRepository
	routeSvc    *RouteService
	ledgerSvc   *LedgerService
	eventBus    *bus.Bus
}

// NewOrderService 创建支付订单服务
func NewOrderService(
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	routeSvc *RouteService,
	ledgerSvc *LedgerService,
	eventBus *bus.Bus,
) *OrderService {
	return &OrderService{
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		routeSvc:    routeSvc,
		ledgerSvc:   ledgerSvc,
		eventBus:    eventBus,
	}
}

// Register 订阅支付生命周期事件
func (s *OrderService) Register() {
	s.eventBus.Subscribe(bus.TopicPaymentReceived, s.onPaymentReceived)
	s.eventBus.Subscribe(bus.TopicPaymentConfirmed, s.onPaymentConfirmed)
	s.eventBus.Subscribe(bus.TopicPaymentReverted, s.onPaymentReverted)
}

// CreateOrderRequest 创建订单请求
type CreateOrderRequest struct {
	OrderID string // 为空时自动生成
	UserID  string
	Token   string
	Amount  decimal.Decimal
}

// CreateOrder 创建支付订单并分配路由
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*model.PaymentOrder, *model.PaymentRoute, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	}

	order := &model.PaymentOrder{
		OrderID: orderID,
		UserID:  req.UserID,
		Token:   req.Token,
		Amount:  req.Amount,
		Status:  model.OrderStatusCreated,
	}

	err := s.orderRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.orderRepo.Create(ctx, order); err != nil {
			return err
		}
		return s.orderRepo.AppendEvent(ctx, &model.PaymentOrderEvent{
			OrderID:   orderID,
			EventType: model.PaymentEventRequested,
		})
	})
	if err != nil {
		return nil, nil, err
	}

	route, err := s.routeSvc.Allocate(ctx, order)
	if err != nil {
		return nil, nil, err
	}

	metrics.OrdersTotal.WithLabelValues(order.Status.String()).Inc()
	metrics.RoutesAllocatedTotal.WithLabelValues(route.RouteType.String()).Inc()
	logger.Info("payment order created",
		zap.String("order_id", orderID),
		zap.String("user_id", req.UserID),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()))
	return order, route, nil
}

// GetOrder 查询订单
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*model.PaymentOrder, error) {
	return s.orderRepo.GetByOrderID(ctx, orderID, nil)
}

// onPaymentReceived 累计支付覆盖订单金额时推进到 paid
func (s *OrderService) onPaymentReceived(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.PaymentReceived)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	order, err := s.orderRepo.GetByOrderID(ctx, ev.OrderID, nil)
	if err != nil {
		return err
	}
	if order.Status != model.OrderStatusCreated {
		return nil
	}

	covered, err := s.isCovered(ctx, order, false)
	if err != nil {
		return err
	}
	if !covered {
		return nil
	}

	err = s.orderRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.orderRepo.AppendEvent(ctx, &model.PaymentOrderEvent{
			OrderID:   order.OrderID,
			EventType: model.PaymentEventPaid,
		}); err != nil {
			return err
		}
		transitioned, err := s.orderRepo.UpdateStatusFrom(ctx, order.OrderID, model.OrderStatusCreated, model.OrderStatusPaid)
		if err != nil {
			return err
		}
		if !transitioned {
			return errNoTransition
		}
		return nil
	})
	if errors.Is(err, errNoTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.OrdersTotal.WithLabelValues(model.OrderStatusPaid.String()).Inc()
	logger.Info("order paid", zap.String("order_id", order.OrderID))
	s.eventBus.Publish(ctx, bus.OrderPaid{OrderID: order.OrderID})

	// 确认扫描可能抢在支付事件之前送达: 订单彼时仍处 created，
	// 确认事件被忽略且不会重发，这里补一次终结检查。
	order.Status = model.OrderStatusPaid
	return s.finalizeIfConfirmed(ctx, order)
}

// onPaymentConfirmed 全部支付确认后终结订单
// 终结在一个事务内完成: 事件记录、状态迁移、入账、释放路由。
func (s *OrderService) onPaymentConfirmed(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.PaymentConfirmed)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	order, err := s.orderRepo.GetByOrderID(ctx, ev.OrderID, nil)
	if err != nil {
		return err
	}
	if order.Status != model.OrderStatusPaid {
		return nil
	}
	return s.finalizeIfConfirmed(ctx, order)
}

// finalizeIfConfirmed 全部支付确认后终结一个 paid 状态的订单
// 终结在一个事务内完成: 事件记录、状态迁移、入账、释放路由。
func (s *OrderService) finalizeIfConfirmed(ctx context.Context, order *model.PaymentOrder) error {
	covered, err := s.isCovered(ctx, order, true)
	if err != nil {
		return err
	}
	if !covered {
		return nil
	}

	account, err := s.ledgerSvc.EnsureAccount(ctx, order.UserID)
	if err != nil {
		return err
	}

	payments, err := s.paymentRepo.ListByOrderID(ctx, order.OrderID)
	if err != nil {
		return err
	}

	err = s.orderRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.orderRepo.AppendEvent(ctx, &model.PaymentOrderEvent{
			OrderID:   order.OrderID,
			EventType: model.PaymentEventConfirmed,
		}); err != nil {
			return err
		}

		transitioned, err := s.orderRepo.UpdateStatusFrom(ctx, order.OrderID, model.OrderStatusPaid, model.OrderStatusConfirmed)
		if err != nil {
			return err
		}
		if !transitioned {
			return errNoTransition
		}

		// 每笔已确认支付入账一条贷记账目
		for _, payment := range payments {
			if payment.Status != model.PaymentStatusConfirmed {
				continue
			}
			if err := s.ledgerSvc.Post(ctx, account.AccountID, order.Token, payment.Amount, model.EntryRefPayment, payment.PaymentID); err != nil {
				return err
			}
			metrics.BalanceEntriesTotal.WithLabelValues(model.EntryRefPayment.String()).Inc()
		}

		return s.routeSvc.Release(ctx, order.OrderID)
	})
	if errors.Is(err, errNoTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.OrdersTotal.WithLabelValues(model.OrderStatusConfirmed.String()).Inc()
	logger.Info("order confirmed",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.UserID),
		zap.String("amount", order.Amount.String()))

	s.eventBus.Publish(ctx, bus.OrderConfirmed{
		OrderID: order.OrderID,
		UserID:  order.UserID,
		Token:   order.Token,
		Amount:  order.Amount,
	})
	return nil
}

// onPaymentReverted 重组回退支付确认时将订单退回 paid
// 账目冲正由确认追踪器负责，这里只回退订单状态。
func (s *OrderService) onPaymentReverted(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.PaymentReverted)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	err := s.orderRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.orderRepo.AppendEvent(ctx, &model.PaymentOrderEvent{
			OrderID:   ev.OrderID,
			EventType: model.PaymentEventReverted,
		}); err != nil {
			return err
		}
		transitioned, err := s.orderRepo.UpdateStatusFrom(ctx, ev.OrderID, model.OrderStatusConfirmed, model.OrderStatusPaid)
		if err != nil {
			return err
		}
		if !transitioned {
			return errNoTransition
		}
		return nil
	})
	if errors.Is(err, errNoTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	logger.Warn("order confirmation reverted",
		zap.String("order_id", ev.OrderID),
		zap.String("payment_id", ev.PaymentID))
	return nil
}

// isCovered 判断订单支付是否覆盖订单金额
// confirmedOnly 为 true 时只计入已确认支付。
func (s *OrderService) isCovered(ctx context.Context, order *model.PaymentOrder, confirmedOnly bool) (bool, error) {
	payments, err := s.paymentRepo.ListByOrderID(ctx, order.OrderID)
	if err != nil {
		return false, err
	}

	total := decimal.Zero
	for _, payment := range payments {
		if confirmedOnly && payment.Status != model.PaymentStatusConfirmed {
			return false, nil
		}
		total = total.Add(payment.Amount)
	}
	return total.GreaterThanOrEqual(order.Amount), nil
}

// ExpireStale 将路由已过期且无匹配支付的订单置为过期
// 由后台定时任务调用。
func (s *OrderService) ExpireStale(ctx context.Context, limit int) (int, error) {
	orders, err := s.orderRepo.ListExpirable(ctx, time.Now().UnixMilli(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, order := range orders {
		payments, err := s.paymentRepo.ListByOrderID(ctx, order.OrderID)
		if err != nil {
			return expired, err
		}
		// 已有匹配支付的订单等待确认，不过期
		if len(payments) > 0 {
			logger.Debug("expirable order has payments, skipped",
				zap.String("order_id", order.OrderID))
			continue
		}

		err = s.orderRepo.Transaction(ctx, func(ctx context.Context) error {
			if err := s.orderRepo.AppendEvent(ctx, &model.PaymentOrderEvent{
				OrderID:   order.OrderID,
				EventType: model.PaymentEventExpired,
			}); err != nil {
				return err
			}
			transitioned, err := s.orderRepo.UpdateStatusFrom(ctx, order.OrderID, model.OrderStatusCreated, model.OrderStatusExpired)
			if err != nil {
				return err
			}
			if !transitioned {
				return errNoTransition
			}
			return s.routeSvc.Release(ctx, order.OrderID)
		})
		if errors.Is(err, errNoTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}

		expired++
		metrics.OrdersTotal.WithLabelValues(model.OrderStatusExpired.String()).Inc()
		logger.Info("order expired", zap.String("order_id", order.OrderID))
		s.eventBus.Publish(ctx, bus.OrderExpired{OrderID: order.OrderID})
	}
	return expired, nil
}
