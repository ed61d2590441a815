package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
)

func TestConfirmation_BlocksAdvanceChainHead(t *testing.T) {
	e := newEngine(t)
	e.seedChain(1, 99)

	e.addBlock(100)
	e.addBlock(101)

	chain, err := e.chainRepo.GetChain(testCtx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(101), chain.Height)
	assert.True(t, chain.Synced)
}

func TestConfirmation_UnknownChainBootstraps(t *testing.T) {
	e := newEngine(t)

	e.addBlock(5000)

	chain, err := e.chainRepo.GetChain(testCtx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), chain.Height)
}

func TestConfirmation_OutOfOrderBlocksBuffered(t *testing.T) {
	e := newEngine(t)
	e.seedChain(1, 99)

	// 102 和 101 先到，100 缺口未补齐前链头不动
	e.addBlock(102)
	e.addBlock(101)

	chain, err := e.chainRepo.GetChain(testCtx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(99), chain.Height)

	// 100 到达后三个区块连续应用
	e.addBlock(100)

	chain, err = e.chainRepo.GetChain(testCtx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(102), chain.Height)
}

func TestConfirmation_DuplicateBlockIgnored(t *testing.T) {
	e := newEngine(t)
	e.seedChain(1, 99)

	e.addBlock(100)
	e.addBlock(100)

	chain, err := e.chainRepo.GetChain(testCtx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), chain.Height)
}

// 区块包含已执行转账的交易时记录打包高度，
// 达到确认深度后转账自动确认。
func TestConfirmation_ExecutedTransferConfirmedAtDepth(t *testing.T) {
	e := newEngine(t)
	e.seedChain(1, 99)
	fundAccount(t, e, "alice", "USDC", decimal.NewFromInt(50))
	e.wallet.On("CheckFunds", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.wallet.On("Send", mock.Anything, mock.Anything).Return("0xsenttx", nil)

	transfer, err := e.transferSvc.CreateExternal(testCtx, &ExternalTransferRequest{
		SenderUserID: "alice",
		Destination:  "0x52908400098527886E0F7030069857D2E4169EE7",
		Token:        "USDC",
		Amount:       decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	require.NoError(t, e.transferSvc.Execute(testCtx, transfer.TransferID))

	// 交易在 100 被打包
	e.addBlock(100, "0xsenttx")

	updated, err := e.transferSvc.GetTransfer(testCtx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), updated.TxBlockHeight)
	assert.Equal(t, model.TransferStatusExecuted, updated.Status)

	// 链头 105 达到确认深度 5
	for h := int64(101); h <= 105; h++ {
		e.addBlock(h)
	}

	updated, err = e.transferSvc.GetTransfer(testCtx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusConfirmed, updated.Status)
	assert.Equal(t, int64(105), updated.ConfirmedHeight)

	balance, err := e.ledgerSvc.BalanceOfUser(testCtx, "alice", "USDC")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(30)))
}

// 重组回退已确认支付: 订单退回 paid，账目被冲正，
// 同一重组范围重复处理不产生重复补偿。
func TestConfirmation_ReorgRevertsConfirmedPayment(t *testing.T) {
	e := newEngine(t)
	seedOpenOrder(e, "order-1", "USDC", decimal.NewFromInt(10))
	e.seedChain(1, 99)

	e.bus.Publish(testCtx, depositFor("order-1", decimal.NewFromInt(10), "0xtx1"))
	e.bus.Flush()
	for h := int64(100); h <= 105; h++ {
		e.addBlock(h)
	}
	require.Equal(t, model.OrderStatusConfirmed, e.orderRepo.orderStatus("order-1"))

	account, err := e.ledgerRepo.GetAccountByUserID(testCtx, "user-order-1")
	require.NoError(t, err)

	// 103 之后的链段被重组
	e.bus.Publish(testCtx, bus.ReorgDetected{ChainID: 1, NewHeight: 103})
	e.bus.Flush()

	assert.Equal(t, model.OrderStatusPaid, e.orderRepo.orderStatus("order-1"))
	assert.Len(t, e.capture.byTopic(bus.TopicPaymentReverted), 1)

	// 贷记被补偿账目冲正，余额归零
	balance, err := e.ledgerSvc.Balance(testCtx, account.AccountID, "USDC")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	// 同一重组重复投递不产生新的补偿账目
	entriesBefore := e.ledgerRepo.entryCount(account.AccountID, "USDC")
	e.bus.Publish(testCtx, bus.ReorgDetected{ChainID: 1, NewHeight: 103})
	e.bus.Flush()
	assert.Equal(t, entriesBefore, e.ledgerRepo.entryCount(account.AccountID, "USDC"))
}

// 重组后新链段重新确认支付，订单再次终结且净入账一次
func TestConfirmation_ReconfirmationAfterReorg(t *testing.T) {
	e := newEngine(t)
	seedOpenOrder(e, "order-1", "USDC", decimal.NewFromInt(10))
	e.seedChain(1, 99)

	e.bus.Publish(testCtx, depositFor("order-1", decimal.NewFromInt(10), "0xtx1"))
	e.bus.Flush()
	for h := int64(100); h <= 105; h++ {
		e.addBlock(h)
	}
	e.bus.Publish(testCtx, bus.ReorgDetected{ChainID: 1, NewHeight: 103})
	e.bus.Flush()
	require.Equal(t, model.OrderStatusPaid, e.orderRepo.orderStatus("order-1"))

	// 新链段从 103 重新推进
	for h := int64(103); h <= 108; h++ {
		e.addBlock(h)
	}

	assert.Equal(t, model.OrderStatusConfirmed, e.orderRepo.orderStatus("order-1"))

	account, err := e.ledgerRepo.GetAccountByUserID(testCtx, "user-order-1")
	require.NoError(t, err)
	balance, err := e.ledgerSvc.Balance(testCtx, account.AccountID, "USDC")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
}

// 回退事务中途失败时补偿记录一并回滚，重投后回退完成
func TestConfirmation_ReorgRevertRetryableAfterFailure(t *testing.T) {
	e := newEngine(t, func(e *engine) {
		e.paymentRepo.On("Revert", mock.Anything, mock.Anything).Return(false, assert.AnError).Once()
	})
	seedOpenOrder(e, "order-1", "USDC", decimal.NewFromInt(10))
	e.seedChain(1, 99)

	e.bus.Publish(testCtx, depositFor("order-1", decimal.NewFromInt(10), "0xtx1"))
	e.bus.Flush()
	for h := int64(100); h <= 105; h++ {
		e.addBlock(h)
	}
	require.Equal(t, model.OrderStatusConfirmed, e.orderRepo.orderStatus("order-1"))
	account, err := e.ledgerRepo.GetAccountByUserID(testCtx, "user-order-1")
	require.NoError(t, err)

	// 第一次投递中回退写入失败: 支付保持已确认，补偿记录不落库
	e.bus.Publish(testCtx, bus.ReorgDetected{ChainID: 1, NewHeight: 103})
	e.bus.Flush()
	balance, err := e.ledgerSvc.Balance(testCtx, account.AccountID, "USDC")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
	assert.Empty(t, e.capture.byTopic(bus.TopicPaymentReverted))

	// 重投后回退与冲正完成
	e.bus.Publish(testCtx, bus.ReorgDetected{ChainID: 1, NewHeight: 103})
	e.bus.Flush()
	assert.Equal(t, model.OrderStatusPaid, e.orderRepo.orderStatus("order-1"))
	balance, err = e.ledgerSvc.Balance(testCtx, account.AccountID, "USDC")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	assert.Len(t, e.capture.byTopic(bus.TopicPaymentReverted), 1)
}

// 重组回退后交易在新链段重新打包: 确认深度按新高度重新起算
func TestConfirmation_RevertedTransferReminedAtNewHeight(t *testing.T) {
	e := newEngine(t)
	e.seedChain(1, 99)
	fundAccount(t, e, "alice", "USDC", decimal.NewFromInt(50))
	e.wallet.On("CheckFunds", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.wallet.On("Send", mock.Anything, mock.Anything).Return("0xsenttx", nil)

	transfer, err := e.transferSvc.CreateExternal(testCtx, &ExternalTransferRequest{
		SenderUserID: "alice",
		Destination:  "0x52908400098527886E0F7030069857D2E4169EE7",
		Token:        "USDC",
		Amount:       decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	require.NoError(t, e.transferSvc.Execute(testCtx, transfer.TransferID))

	e.addBlock(100, "0xsenttx")
	for h := int64(101); h <= 105; h++ {
		e.addBlock(h)
	}
	e.bus.Publish(testCtx, bus.ReorgDetected{ChainID: 1, NewHeight: 103})
	e.bus.Flush()

	// 新链段在 104 重新打包同一交易
	e.addBlock(103)
	e.addBlock(104, "0xsenttx")

	updated, err := e.transferSvc.GetTransfer(testCtx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, int64(104), updated.TxBlockHeight)

	// 旧高度 100 不再作数: 链头 108 时深度不足，109 才确认
	for h := int64(105); h <= 108; h++ {
		e.addBlock(h)
	}
	updated, err = e.transferSvc.GetTransfer(testCtx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusExecuted, updated.Status)

	e.addBlock(109)
	updated, err = e.transferSvc.GetTransfer(testCtx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusConfirmed, updated.Status)
	assert.Equal(t, int64(109), updated.ConfirmedHeight)
}

// 重组回退已确认的外部转账并重建预留
func TestConfirmation_ReorgRevertsConfirmedTransfer(t *testing.T) {
	e := newEngine(t)
	e.seedChain(1, 99)
	fundAccount(t, e, "alice", "USDC", decimal.NewFromInt(50))
	e.wallet.On("CheckFunds", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e.wallet.On("Send", mock.Anything, mock.Anything).Return("0xsenttx", nil)

	transfer, err := e.transferSvc.CreateExternal(testCtx, &ExternalTransferRequest{
		SenderUserID: "alice",
		Destination:  "0x52908400098527886E0F7030069857D2E4169EE7",
		Token:        "USDC",
		Amount:       decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	require.NoError(t, e.transferSvc.Execute(testCtx, transfer.TransferID))

	e.addBlock(100, "0xsenttx")
	for h := int64(101); h <= 105; h++ {
		e.addBlock(h)
	}
	updated, err := e.transferSvc.GetTransfer(testCtx, transfer.TransferID)
	require.NoError(t, err)
	require.Equal(t, model.TransferStatusConfirmed, updated.Status)

	e.bus.Publish(testCtx, bus.ReorgDetected{ChainID: 1, NewHeight: 103})
	e.bus.Flush()

	updated, err = e.transferSvc.GetTransfer(testCtx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusExecuted, updated.Status)

	// 借记被冲正，预留重建
	balance, err := e.ledgerSvc.BalanceOfUser(testCtx, "alice", "USDC")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(50)))

	_, err = e.transferRepo.GetReserveByTransferID(testCtx, transfer.TransferID)
	assert.NoError(t, err)
}
