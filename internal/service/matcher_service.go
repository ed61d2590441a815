package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

// MatcherService 支付匹配服务
// 将观察到的链上入金和通道支付匹配到开放路由对应的订单。
// 无匹配路由的入金被忽略 (资金不属于任何待支付订单)，
// 重复观察到的同一笔入金被 source_ref 唯一索引去重。
type MatcherService struct {
	paymentRepo repository.PaymentRepository
	routeRepo   repository.RouteRepository
	orderRepo   repository.OrderRepository
	eventBus    *bus.Bus
}

// NewMatcherService 创建支付匹配服务
func NewMatcherService(
	paymentRepo repository.PaymentRepository,
	routeRepo repository.RouteRepository,
	orderRepo repository.OrderRepository,
	eventBus *bus.Bus,
) *MatcherService {
	return &MatcherService{
		paymentRepo: paymentRepo,
		routeRepo:   routeRepo,
		orderRepo:   orderRepo,
		eventBus:    eventBus,
	}
}

// Register 订阅摄取侧事件
func (s *MatcherService) Register() {
	s.eventBus.Subscribe(bus.TopicDepositReceived, s.onDepositReceived)
	s.eventBus.Subscribe(bus.TopicChannelPaymentReceived, s.onChannelPaymentReceived)
}

func (s *MatcherService) onDepositReceived(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.DepositReceived)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	payment := &model.Payment{
		PaymentID:   uuid.New().String(),
		Kind:        model.PaymentKindBlockchain,
		Token:       ev.Token,
		Amount:      ev.Amount,
		SourceRef:   model.SourceRefOf(ev.TxHash, ev.LogIndex),
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		ChainID:     ev.ChainID,
		BlockHeight: ev.BlockHeight,
	}
	return s.match(ctx, ev.To, payment)
}

func (s *MatcherService) onChannelPaymentReceived(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.ChannelPaymentReceived)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	// 通道支付链下即时终局，无确认深度
	payment := &model.Payment{
		PaymentID: uuid.New().String(),
		Kind:      model.PaymentKindChannel,
		Token:     ev.Token,
		Amount:    ev.Amount,
		SourceRef: ev.ChannelPaymentID,
		Status:    model.PaymentStatusConfirmed,
	}
	return s.match(ctx, ev.Identifier, payment)
}

// match 将支付匹配到入金目标对应的开放路由
func (s *MatcherService) match(ctx context.Context, depositTarget string, payment *model.Payment) error {
	route, err := s.routeRepo.GetByDepositTarget(ctx, depositTarget)
	if errors.Is(err, repository.ErrRouteNotFound) {
		// 不属于任何待支付订单的入金
		metrics.UnmatchedDepositsTotal.Inc()
		logger.Debug("deposit without open route ignored",
			zap.String("deposit_target", depositTarget),
			zap.String("source_ref", payment.SourceRef),
			zap.String("amount", payment.Amount.String()))
		return nil
	}
	if err != nil {
		return err
	}

	order, err := s.orderRepo.GetByOrderID(ctx, route.OrderID, nil)
	if err != nil {
		return err
	}

	if order.Token != payment.Token {
		logger.Warn("deposit token does not match order",
			zap.String("order_id", order.OrderID),
			zap.String("order_token", order.Token),
			zap.String("deposit_token", payment.Token),
			zap.String("source_ref", payment.SourceRef))
		return nil
	}

	payment.OrderID = order.OrderID
	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			metrics.DuplicateDepositsTotal.Inc()
			logger.Debug("duplicate payment ignored",
				zap.String("source_ref", payment.SourceRef))
			return nil
		}
		return err
	}

	metrics.PaymentsMatchedTotal.WithLabelValues(payment.Kind.String()).Inc()
	logger.Info("payment matched",
		zap.String("payment_id", payment.PaymentID),
		zap.String("order_id", order.OrderID),
		zap.String("kind", payment.Kind.String()),
		zap.String("amount", payment.Amount.String()),
		zap.String("source_ref", payment.SourceRef))

	s.eventBus.Publish(ctx, bus.PaymentReceived{
		OrderID:   order.OrderID,
		PaymentID: payment.PaymentID,
	})
	if payment.Status == model.PaymentStatusConfirmed {
		s.eventBus.Publish(ctx, bus.PaymentConfirmed{
			OrderID:   order.OrderID,
			PaymentID: payment.PaymentID,
		})
	}
	return nil
}
