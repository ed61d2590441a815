package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
)

var testCtx = context.Background()

func blockHash(height int64) string {
	return fmt.Sprintf("0xblock%08d", height)
}

// engine 组装全部服务与模拟仓储，经由事件总线联动，
// 用于验证完整的支付与转账生命周期。
type engine struct {
	bus     *bus.Bus
	capture *eventCapture

	orderRepo    *mockOrderRepository
	paymentRepo  *mockPaymentRepository
	routeRepo    *mockRouteRepository
	ledgerRepo   *mockLedgerRepository
	transferRepo *mockTransferRepository
	chainRepo    *mockChainRepository
	wallet       *mockWalletExecutor
	provisioner  *mockProvisioner

	ledgerSvc       *LedgerService
	routeSvc        *RouteService
	orderSvc        *OrderService
	matcherSvc      *MatcherService
	transferSvc     *TransferService
	confirmationSvc *ConfirmationService
}

// overrides 在兜底期望注册之前执行，供单个用例注入一次性故障期望。
func newEngine(t *testing.T, overrides ...func(e *engine)) *engine {
	e := &engine{
		bus:          bus.New(),
		orderRepo:    newMockOrderRepository(),
		paymentRepo:  newMockPaymentRepository(),
		routeRepo:    newMockRouteRepository(),
		ledgerRepo:   newMockLedgerRepository(),
		transferRepo: newMockTransferRepository(),
		chainRepo:    newMockChainRepository(),
		wallet:       &mockWalletExecutor{},
		provisioner:  &mockProvisioner{},
	}
	t.Cleanup(e.bus.Close)

	// 同一数据库事务内会被联动写入的仓储共享回滚
	e.orderRepo.partners = []txParticipant{e.paymentRepo, e.ledgerRepo, e.routeRepo}
	e.transferRepo.partners = []txParticipant{e.paymentRepo, e.ledgerRepo}

	for _, override := range overrides {
		override(e)
	}

	expectAll(&e.orderRepo.Mock, map[string]int{
		"Create":           2,
		"GetByOrderID":     3,
		"UpdateStatusFrom": 4,
		"AppendEvent":      2,
		"ListEvents":       2,
	})
	expectAll(&e.paymentRepo.Mock, map[string]int{
		"Create":                  2,
		"GetByPaymentID":          2,
		"GetBySourceRef":          2,
		"ListByOrderID":           2,
		"Confirm":                 3,
		"Revert":                  2,
		"ListConfirmableAtHeight": 3,
		"ListConfirmedFromHeight": 3,
	})
	expectAll(&e.routeRepo.Mock, map[string]int{
		"Create":             2,
		"GetByOrderID":       2,
		"GetByDepositTarget": 2,
		"Delete":             2,
		"ClaimFreeWallet":    2,
		"CreateWallet":       2,
		"FindChannelNetwork": 2,
	})
	expectAll(&e.ledgerRepo.Mock, map[string]int{
		"CreateAccount":      2,
		"GetAccountByUserID": 2,
		"AppendEntry":        2,
		"SumBalance":         3,
		"ListEntriesByRef":   3,
		"CreateCompensation": 2,
	})
	expectAll(&e.transferRepo.Mock, map[string]int{
		"Create":                  2,
		"GetByTransferID":         3,
		"UpdateStatusFrom":        4,
		"MarkExecuted":            4,
		"SetTxBlockHeight":        3,
		"Confirm":                 3,
		"Fail":                    3,
		"RevertToExecuted":        2,
		"ListExecutedConfirmable": 3,
		"ListConfirmedFromHeight": 3,
		"GetByTxHash":             3,
		"AppendEvent":             2,
		"CreateReserve":           2,
		"SumOpenReserves":         3,
		"GetReserveByTransferID":  2,
		"DeleteReserve":           2,
	})
	expectAll(&e.chainRepo.Mock, map[string]int{
		"GetChain":          2,
		"UpsertChain":       2,
		"UpdateHeight":      4,
		"CreateBlock":       2,
		"GetBlockByHeight":  3,
		"CreateTransaction": 2,
	})

	locker := setupLocker(t)
	e.ledgerSvc = NewLedgerService(e.ledgerRepo)
	e.routeSvc = NewRouteService(e.routeRepo, locker, e.provisioner, &RouteServiceConfig{
		ChainID:  1,
		RouteTTL: time.Minute,
	})
	e.orderSvc = NewOrderService(e.orderRepo, e.paymentRepo, e.routeSvc, e.ledgerSvc, e.bus)
	e.matcherSvc = NewMatcherService(e.paymentRepo, e.routeRepo, e.orderRepo, e.bus)
	e.wallet.On("Address").Return("0xhotwallet")
	e.transferSvc = NewTransferService(e.transferRepo, e.ledgerSvc, e.wallet, locker, e.bus, TransferServiceOptions{
		ChainID:     1,
		NativeToken: "ETH",
		FeeHeadroom: decimal.NewFromFloat(0.01),
	})
	e.confirmationSvc = NewConfirmationService(
		e.chainRepo, e.paymentRepo, e.ledgerRepo, e.transferRepo, e.transferSvc, e.bus,
		ConfirmationOptions{PaymentConfirmations: 5, TransferConfirmations: 5},
	)

	// 引擎处理器先于任何下游订阅者注册
	e.matcherSvc.Register()
	e.orderSvc.Register()
	e.confirmationSvc.Register()

	e.capture = captureTopics(e.bus,
		bus.TopicPaymentReceived, bus.TopicPaymentConfirmed, bus.TopicPaymentReverted,
		bus.TopicOrderPaid, bus.TopicOrderConfirmed, bus.TopicOrderExpired,
		bus.TopicTransferScheduled, bus.TopicTransferExecuted, bus.TopicTransferConfirmed,
		bus.TopicTransferReverted, bus.TopicTransferFailed,
	)
	return e
}

// seedChain 建立链头状态
func (e *engine) seedChain(chainID, height int64) {
	e.chainRepo.chains[chainID] = &model.Chain{ChainID: chainID, Height: height, Synced: true}
}

// addBlock 发布一个区块事件并等待处理完成
func (e *engine) addBlock(height int64, txHashes ...string) {
	e.bus.Publish(testCtx, bus.BlockAdded{
		ChainID:    1,
		Height:     height,
		Hash:       blockHash(height),
		ParentHash: blockHash(height - 1),
		Timestamp:  time.Now().Unix(),
		TxHashes:   txHashes,
	})
	e.bus.Flush()
}
