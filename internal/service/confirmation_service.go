package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

// ConfirmationService 确认追踪器
// 消费链头区块事件，按确认深度推进支付与外部转账的确认，
// 并在链重组时回退确认高度落入重组范围的对象。
// 乱序到达的区块在内存中缓冲，直到能接上已处理的链头。
type ConfirmationService struct {
	chainRepo    repository.ChainRepository
	paymentRepo  repository.PaymentRepository
	ledgerRepo   repository.LedgerRepository
	transferRepo repository.TransferRepository
	transferSvc  *TransferService
	eventBus     *bus.Bus

	paymentConfirmations  int64
	transferConfirmations int64

	mu      sync.Mutex
	buffers map[int64]map[int64]bus.BlockAdded // chainID -> height -> block
}

// ConfirmationOptions 确认深度配置
type ConfirmationOptions struct {
	PaymentConfirmations  int64
	TransferConfirmations int64
}

// NewConfirmationService 创建确认追踪器
func NewConfirmationService(
	chainRepo repository.ChainRepository,
	paymentRepo repository.PaymentRepository,
	ledgerRepo repository.LedgerRepository,
	transferRepo repository.TransferRepository,
	transferSvc *TransferService,
	eventBus *bus.Bus,
	opts ConfirmationOptions,
) *ConfirmationService {
	if opts.PaymentConfirmations <= 0 {
		opts.PaymentConfirmations = 10
	}
	if opts.TransferConfirmations <= 0 {
		opts.TransferConfirmations = opts.PaymentConfirmations
	}
	return &ConfirmationService{
		chainRepo:             chainRepo,
		paymentRepo:           paymentRepo,
		ledgerRepo:            ledgerRepo,
		transferRepo:          transferRepo,
		transferSvc:           transferSvc,
		eventBus:              eventBus,
		paymentConfirmations:  opts.PaymentConfirmations,
		transferConfirmations: opts.TransferConfirmations,
		buffers:               make(map[int64]map[int64]bus.BlockAdded),
	}
}

// Register 订阅链事件
func (s *ConfirmationService) Register() {
	s.eventBus.Subscribe(bus.TopicBlockAdded, s.onBlockAdded)
	s.eventBus.Subscribe(bus.TopicReorgDetected, s.onReorgDetected)
}

func (s *ConfirmationService) onBlockAdded(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.BlockAdded)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	chain, err := s.chainRepo.GetChain(ctx, ev.ChainID)
	if errors.Is(err, repository.ErrChainNotFound) {
		chain = &model.Chain{ChainID: ev.ChainID, Height: 0}
		if err := s.chainRepo.UpsertChain(ctx, chain); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	// 已处理过的高度: 同一区块为重复投递，不同区块意味着重组
	if chain.Height > 0 && ev.Height <= chain.Height {
		stored, err := s.chainRepo.GetBlockByHeight(ctx, ev.ChainID, ev.Height)
		if err == nil && stored.Hash == ev.Hash {
			logger.Debug("duplicate block ignored",
				zap.Int64("chain_id", ev.ChainID),
				zap.Int64("height", ev.Height))
			return nil
		}
		if err != nil && !errors.Is(err, repository.ErrBlockNotFound) {
			return err
		}
		if err := s.handleReorg(ctx, ev.ChainID, ev.Height); err != nil {
			return err
		}
		return s.applyBlock(ctx, ev)
	}

	// 乱序到达的区块先缓冲，等待缺口补齐
	if chain.Height > 0 && ev.Height > chain.Height+1 {
		s.bufferBlock(ev)
		return nil
	}

	return s.applyBlock(ctx, ev)
}

func (s *ConfirmationService) onReorgDetected(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.ReorgDetected)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}
	return s.handleReorg(ctx, ev.ChainID, ev.NewHeight)
}

// applyBlock 落库区块并处理其后果:
// 匹配已执行转账的打包高度、推进链头、排空缓冲、扫描可确认对象。
func (s *ConfirmationService) applyBlock(ctx context.Context, ev bus.BlockAdded) error {
	head, err := s.processBlock(ctx, ev)
	if err != nil {
		return err
	}

	// 缓冲里可能已有后续高度
	for {
		next, ok := s.takeBuffered(ev.ChainID, head+1)
		if !ok {
			break
		}
		head, err = s.processBlock(ctx, next)
		if err != nil {
			return err
		}
	}

	return s.sweepConfirmable(ctx, ev.ChainID, head)
}

func (s *ConfirmationService) processBlock(ctx context.Context, ev bus.BlockAdded) (int64, error) {
	err := s.chainRepo.CreateBlock(ctx, &model.Block{
		ChainID:    ev.ChainID,
		Height:     ev.Height,
		Hash:       ev.Hash,
		ParentHash: ev.ParentHash,
		Timestamp:  ev.Timestamp,
	})
	if err != nil && !errors.Is(err, repository.ErrDuplicateBlock) {
		return 0, err
	}

	// 区块中包含已执行转账的交易时记录其打包高度
	for _, txHash := range ev.TxHashes {
		transfer, err := s.transferRepo.GetByTxHash(ctx, ev.ChainID, txHash)
		if errors.Is(err, repository.ErrTransferNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if transfer.Status != model.TransferStatusExecuted || transfer.TxBlockHeight != 0 {
			continue
		}
		if err := s.transferRepo.SetTxBlockHeight(ctx, transfer.TransferID, ev.Height); err != nil {
			return 0, err
		}
		if err := s.chainRepo.CreateTransaction(ctx, &model.Transaction{
			ChainID:     ev.ChainID,
			TxHash:      txHash,
			BlockHeight: ev.Height,
			BlockHash:   ev.Hash,
		}); err != nil {
			return 0, err
		}
		logger.Info("transfer transaction mined",
			zap.String("transfer_id", transfer.TransferID),
			zap.String("tx_hash", txHash),
			zap.Int64("height", ev.Height))
	}

	if err := s.chainRepo.UpdateHeight(ctx, ev.ChainID, ev.Height, true); err != nil {
		return 0, err
	}

	chainLabel := fmt.Sprintf("%d", ev.ChainID)
	metrics.BlocksProcessedTotal.WithLabelValues(chainLabel).Inc()
	metrics.ChainHeightGauge.WithLabelValues(chainLabel).Set(float64(ev.Height))
	return ev.Height, nil
}

// sweepConfirmable 以当前链头扫描达到确认深度的支付与转账
func (s *ConfirmationService) sweepConfirmable(ctx context.Context, chainID, head int64) error {
	payments, err := s.paymentRepo.ListConfirmableAtHeight(ctx, chainID, head-s.paymentConfirmations)
	if err != nil {
		return err
	}
	for _, payment := range payments {
		confirmed, err := s.paymentRepo.Confirm(ctx, payment.PaymentID, head)
		if err != nil {
			return err
		}
		if !confirmed {
			continue
		}
		metrics.PaymentsConfirmedTotal.Inc()
		logger.Info("payment confirmed",
			zap.String("payment_id", payment.PaymentID),
			zap.String("order_id", payment.OrderID),
			zap.Int64("block_height", payment.BlockHeight),
			zap.Int64("confirmed_height", head))
		s.eventBus.Publish(ctx, bus.PaymentConfirmed{
			OrderID:         payment.OrderID,
			PaymentID:       payment.PaymentID,
			ConfirmedHeight: head,
		})
	}

	transfers, err := s.transferRepo.ListExecutedConfirmable(ctx, chainID, head-s.transferConfirmations)
	if err != nil {
		return err
	}
	for _, transfer := range transfers {
		if err := s.transferSvc.ConfirmExternal(ctx, transfer.TransferID, head); err != nil {
			return err
		}
	}
	return nil
}

// handleReorg 回退确认高度不低于新链头的支付与转账
// 补偿记录上的唯一索引保证同一重组范围只冲正一次。
func (s *ConfirmationService) handleReorg(ctx context.Context, chainID, newHeight int64) error {
	chainLabel := fmt.Sprintf("%d", chainID)
	metrics.ReorgsTotal.WithLabelValues(chainLabel).Inc()
	logger.Warn("chain reorg detected",
		zap.Int64("chain_id", chainID),
		zap.Int64("new_height", newHeight))

	s.dropBuffered(chainID)

	payments, err := s.paymentRepo.ListConfirmedFromHeight(ctx, chainID, newHeight)
	if err != nil {
		return err
	}
	for _, payment := range payments {
		if err := s.revertPayment(ctx, payment, newHeight); err != nil {
			return err
		}
	}

	transfers, err := s.transferRepo.ListConfirmedFromHeight(ctx, chainID, newHeight)
	if err != nil {
		return err
	}
	for _, transfer := range transfers {
		if err := s.revertTransfer(ctx, chainID, transfer.TransferID, newHeight); err != nil {
			return err
		}
	}

	if newHeight > 0 {
		if err := s.chainRepo.UpdateHeight(ctx, chainID, newHeight-1, false); err != nil {
			return err
		}
		metrics.ChainHeightGauge.WithLabelValues(chainLabel).Set(float64(newHeight - 1))
	}
	return nil
}

// revertPayment 回退一笔支付的确认并冲正其账目
// 补偿记录与回退、冲正账目在同一事务内提交:
// 回退失败时补偿记录一并回滚，重投可以重试。
func (s *ConfirmationService) revertPayment(ctx context.Context, payment *model.Payment, fromHeight int64) error {
	err := s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.ledgerRepo.CreateCompensation(ctx, &model.ReorgCompensation{
			ChainID:    payment.ChainID,
			RefType:    model.EntryRefPayment,
			RefID:      payment.PaymentID,
			FromHeight: fromHeight,
		}); err != nil {
			return err
		}

		reverted, err := s.paymentRepo.Revert(ctx, payment.PaymentID)
		if err != nil {
			return err
		}
		if !reverted {
			return errNoTransition
		}

		// 支付入账过的账目按原样冲正
		entries, err := s.ledgerRepo.ListEntriesByRef(ctx, model.EntryRefPayment, payment.PaymentID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := s.ledgerRepo.AppendEntry(ctx, &model.BalanceEntry{
				EntryID:   uuid.New().String(),
				AccountID: entry.AccountID,
				Token:     entry.Token,
				Amount:    entry.Amount.Neg(),
				RefType:   model.EntryRefCompensation,
				RefID:     payment.PaymentID,
			}); err != nil {
				return err
			}
			metrics.BalanceEntriesTotal.WithLabelValues(model.EntryRefCompensation.String()).Inc()
		}
		return nil
	})
	if errors.Is(err, repository.ErrAlreadyCompensated) || errors.Is(err, errNoTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.ReorgRevertedTotal.WithLabelValues(model.EntryRefPayment.String()).Inc()
	logger.Warn("payment confirmation reverted by reorg",
		zap.String("payment_id", payment.PaymentID),
		zap.String("order_id", payment.OrderID),
		zap.Int64("from_height", fromHeight))
	s.eventBus.Publish(ctx, bus.PaymentReverted{
		OrderID:   payment.OrderID,
		PaymentID: payment.PaymentID,
	})
	return nil
}

// revertTransfer 回退一笔已确认的外部转账，补偿记录与回退同事务提交
func (s *ConfirmationService) revertTransfer(ctx context.Context, chainID int64, transferID string, fromHeight int64) error {
	err := s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.ledgerRepo.CreateCompensation(ctx, &model.ReorgCompensation{
			ChainID:    chainID,
			RefType:    model.EntryRefTransfer,
			RefID:      transferID,
			FromHeight: fromHeight,
		}); err != nil {
			return err
		}
		return s.transferSvc.RevertExternal(ctx, transferID)
	})
	if errors.Is(err, repository.ErrAlreadyCompensated) {
		return nil
	}
	return err
}

func (s *ConfirmationService) bufferBlock(ev bus.BlockAdded) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks, ok := s.buffers[ev.ChainID]
	if !ok {
		blocks = make(map[int64]bus.BlockAdded)
		s.buffers[ev.ChainID] = blocks
	}
	blocks[ev.Height] = ev
	metrics.BufferedBlocksGauge.WithLabelValues(fmt.Sprintf("%d", ev.ChainID)).Set(float64(len(blocks)))
	logger.Debug("out of order block buffered",
		zap.Int64("chain_id", ev.ChainID),
		zap.Int64("height", ev.Height))
}

func (s *ConfirmationService) takeBuffered(chainID, height int64) (bus.BlockAdded, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks, ok := s.buffers[chainID]
	if !ok {
		return bus.BlockAdded{}, false
	}
	ev, ok := blocks[height]
	if ok {
		delete(blocks, height)
		metrics.BufferedBlocksGauge.WithLabelValues(fmt.Sprintf("%d", chainID)).Set(float64(len(blocks)))
	}
	return ev, ok
}

func (s *ConfirmationService) dropBuffered(chainID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, chainID)
	metrics.BufferedBlocksGauge.WithLabelValues(fmt.Sprintf("%d", chainID)).Set(0)
}
