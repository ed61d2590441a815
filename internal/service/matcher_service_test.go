package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
)

// seedOpenOrder 建立一个带开放链上路由的订单
func seedOpenOrder(e *engine, orderID, token string, amount decimal.Decimal) {
	e.orderRepo.orders[orderID] = &model.PaymentOrder{
		OrderID: orderID,
		UserID:  "user-" + orderID,
		Token:   token,
		Amount:  amount,
		Status:  model.OrderStatusCreated,
	}
	e.routeRepo.routes[orderID] = &model.PaymentRoute{
		RouteID:       "route-" + orderID,
		OrderID:       orderID,
		RouteType:     model.RouteTypeBlockchain,
		DepositTarget: "0xdeposit-" + orderID,
		ExpiresAt:     time.Now().Add(time.Minute).UnixMilli(),
	}
}

func depositFor(orderID string, amount decimal.Decimal, txHash string) bus.DepositReceived {
	return bus.DepositReceived{
		ChainID:     1,
		TxHash:      txHash,
		LogIndex:    0,
		Token:       "USDC",
		Amount:      amount,
		To:          "0xdeposit-" + orderID,
		BlockHeight: 100,
	}
}

func TestMatcher_DepositMatchesOpenRoute(t *testing.T) {
	e := newEngine(t)
	seedOpenOrder(e, "order-1", "USDC", decimal.NewFromInt(10))

	e.bus.Publish(testCtx, depositFor("order-1", decimal.NewFromInt(10), "0xtx1"))
	e.bus.Flush()

	received := e.capture.byTopic(bus.TopicPaymentReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "order-1", received[0].(bus.PaymentReceived).OrderID)

	payments, err := e.paymentRepo.ListByOrderID(testCtx, "order-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentKindBlockchain, payments[0].Kind)
	assert.Equal(t, "0xtx1:0", payments[0].SourceRef)
	assert.Equal(t, int64(100), payments[0].BlockHeight)
}

func TestMatcher_UnmatchedDepositIgnored(t *testing.T) {
	e := newEngine(t)

	e.bus.Publish(testCtx, bus.DepositReceived{
		ChainID: 1,
		TxHash:  "0xstray",
		Token:   "USDC",
		Amount:  decimal.NewFromInt(5),
		To:      "0xnobody",
	})
	e.bus.Flush()

	assert.Empty(t, e.capture.byTopic(bus.TopicPaymentReceived))
	assert.Empty(t, e.paymentRepo.payments)
}

func TestMatcher_DuplicateDepositDeduplicated(t *testing.T) {
	e := newEngine(t)
	seedOpenOrder(e, "order-1", "USDC", decimal.NewFromInt(10))

	deposit := depositFor("order-1", decimal.NewFromInt(10), "0xtx1")
	e.bus.Publish(testCtx, deposit)
	e.bus.Publish(testCtx, deposit)
	e.bus.Flush()

	payments, err := e.paymentRepo.ListByOrderID(testCtx, "order-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	assert.Len(t, e.capture.byTopic(bus.TopicPaymentReceived), 1)
}

func TestMatcher_TokenMismatchIgnored(t *testing.T) {
	e := newEngine(t)
	seedOpenOrder(e, "order-1", "ETH", decimal.NewFromInt(1))

	e.bus.Publish(testCtx, depositFor("order-1", decimal.NewFromInt(10), "0xtx1"))
	e.bus.Flush()

	assert.Empty(t, e.capture.byTopic(bus.TopicPaymentReceived))
	assert.Empty(t, e.paymentRepo.payments)
}

func TestMatcher_ChannelPaymentMatches(t *testing.T) {
	e := newEngine(t)
	e.orderRepo.orders["order-ch"] = &model.PaymentOrder{
		OrderID: "order-ch",
		UserID:  "carol",
		Token:   "USDC",
		Amount:  decimal.NewFromInt(10),
		Status:  model.OrderStatusCreated,
	}
	e.routeRepo.routes["order-ch"] = &model.PaymentRoute{
		RouteID:       "route-ch",
		OrderID:       "order-ch",
		RouteType:     model.RouteTypeChannel,
		DepositTarget: "raiden-mainnet:abc",
		NetworkID:     "raiden-mainnet",
		ExpiresAt:     time.Now().Add(time.Minute).UnixMilli(),
	}

	e.bus.Publish(testCtx, bus.ChannelPaymentReceived{
		NetworkID:        "raiden-mainnet",
		ChannelPaymentID: "cp-1",
		Identifier:       "raiden-mainnet:abc",
		Token:            "USDC",
		Amount:           decimal.NewFromInt(10),
	})
	e.bus.Flush()

	payments, err := e.paymentRepo.ListByOrderID(testCtx, "order-ch")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentKindChannel, payments[0].Kind)
}
