package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/blockchain"
	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
	"github.com/clearhub-pay/clearhub-settlement/pkg/lock"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

var (
	ErrInsufficientBalance = errors.New("insufficient account balance")
	ErrSameAccount         = errors.New("sender and receiver are the same account")
	ErrInvalidDestination  = errors.New("invalid destination address")
	ErrTransferNotPending  = errors.New("transfer is not pending execution")
)

// reserveLockKey 预留创建全局锁
// 余额核查与预留落库必须互斥，防止并发转账超占热钱包余额。
const reserveLockKey = "transfer:reserve"

// WalletExecutor 热钱包执行接口
type WalletExecutor interface {
	Address() string
	CheckFunds(ctx context.Context, token string, amount decimal.Decimal) error
	Send(ctx context.Context, req *blockchain.SendRequest) (string, error)
}

// TransferService 转账服务
// 内部转账在创建事务内即时确认；外部转账先登记并预留资金，
// 由执行器提交上链，再由确认追踪器按确认深度终结。
type TransferService struct {
	transferRepo repository.TransferRepository
	ledgerSvc    *LedgerService
	wallet       WalletExecutor
	locker       *lock.RedisLocker
	eventBus     *bus.Bus
	chainID      int64
	nativeToken  string
	feeHeadroom  decimal.Decimal // 原生代币预留的 gas 余量
}

// TransferServiceOptions 转账服务配置
type TransferServiceOptions struct {
	ChainID     int64
	NativeToken string
	FeeHeadroom decimal.Decimal
}

// NewTransferService 创建转账服务
func NewTransferService(
	transferRepo repository.TransferRepository,
	ledgerSvc *LedgerService,
	wallet WalletExecutor,
	locker *lock.RedisLocker,
	eventBus *bus.Bus,
	opts TransferServiceOptions,
) *TransferService {
	nativeToken := opts.NativeToken
	if nativeToken == "" {
		nativeToken = "ETH"
	}
	return &TransferService{
		transferRepo: transferRepo,
		ledgerSvc:    ledgerSvc,
		wallet:       wallet,
		locker:       locker,
		eventBus:     eventBus,
		chainID:      opts.ChainID,
		nativeToken:  nativeToken,
		feeHeadroom:  opts.FeeHeadroom,
	}
}

// InternalTransferRequest 内部划转请求
type InternalTransferRequest struct {
	SenderUserID   string
	ReceiverUserID string
	Token          string
	Amount         decimal.Decimal
}

// CreateInternal 创建并即时结算一笔内部划转
// 划转与借贷双方账目在同一事务内落库；余额不足时
// 转账落为失败终态而非报错，留下可审计的记录。
func (s *TransferService) CreateInternal(ctx context.Context, req *InternalTransferRequest) (*model.Transfer, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.SenderUserID == req.ReceiverUserID {
		return nil, ErrSameAccount
	}

	sender, err := s.ledgerSvc.EnsureAccount(ctx, req.SenderUserID)
	if err != nil {
		return nil, err
	}
	receiver, err := s.ledgerSvc.EnsureAccount(ctx, req.ReceiverUserID)
	if err != nil {
		return nil, err
	}

	transfer := &model.Transfer{
		TransferID:        uuid.New().String(),
		Kind:              model.TransferKindInternal,
		SenderAccountID:   sender.AccountID,
		ReceiverAccountID: receiver.AccountID,
		Token:             req.Token,
		Amount:            req.Amount,
		Status:            model.TransferStatusScheduled,
	}

	err = s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.transferRepo.Create(ctx, transfer); err != nil {
			return err
		}
		if err := s.transferRepo.AppendEvent(ctx, &model.TransferEvent{
			TransferID: transfer.TransferID,
			Status:     model.TransferStatusScheduled,
		}); err != nil {
			return err
		}

		balance, err := s.ledgerSvc.Balance(ctx, sender.AccountID, req.Token)
		if err != nil {
			return err
		}
		if balance.LessThan(req.Amount) {
			return s.failTransfer(ctx, transfer, ErrInsufficientBalance.Error())
		}

		if err := s.ledgerSvc.Post(ctx, sender.AccountID, req.Token, req.Amount.Neg(), model.EntryRefTransfer, transfer.TransferID); err != nil {
			return err
		}
		if err := s.ledgerSvc.Post(ctx, receiver.AccountID, req.Token, req.Amount, model.EntryRefTransfer, transfer.TransferID); err != nil {
			return err
		}
		metrics.BalanceEntriesTotal.WithLabelValues(model.EntryRefTransfer.String()).Add(2)

		transitioned, err := s.transferRepo.UpdateStatusFrom(ctx, transfer.TransferID, model.TransferStatusScheduled, model.TransferStatusConfirmed)
		if err != nil {
			return err
		}
		if !transitioned {
			return fmt.Errorf("transfer %s left scheduled state concurrently", transfer.TransferID)
		}
		transfer.Status = model.TransferStatusConfirmed
		return s.transferRepo.AppendEvent(ctx, &model.TransferEvent{
			TransferID: transfer.TransferID,
			Status:     model.TransferStatusConfirmed,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.TransfersTotal.WithLabelValues(transfer.Kind.String(), transfer.Status.String()).Inc()
	if transfer.Status == model.TransferStatusFailed {
		s.eventBus.Publish(ctx, bus.TransferFailed{TransferID: transfer.TransferID, Reason: transfer.FailReason})
		return transfer, nil
	}
	logger.Info("internal transfer settled",
		zap.String("transfer_id", transfer.TransferID),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()))
	s.eventBus.Publish(ctx, bus.TransferConfirmed{TransferID: transfer.TransferID})
	return transfer, nil
}

// ExternalTransferRequest 外部提现请求
type ExternalTransferRequest struct {
	SenderUserID string
	Destination  string
	Token        string
	Amount       decimal.Decimal
}

// CreateExternal 登记一笔外部提现并预留热钱包资金
// 原生代币的预留额外包含 gas 余量。
func (s *TransferService) CreateExternal(ctx context.Context, req *ExternalTransferRequest) (*model.Transfer, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !common.IsHexAddress(req.Destination) {
		return nil, ErrInvalidDestination
	}

	sender, err := s.ledgerSvc.EnsureAccount(ctx, req.SenderUserID)
	if err != nil {
		return nil, err
	}

	transfer := &model.Transfer{
		TransferID:      uuid.New().String(),
		Kind:            model.TransferKindExternal,
		SenderAccountID: sender.AccountID,
		Destination:     req.Destination,
		Token:           req.Token,
		Amount:          req.Amount,
		Status:          model.TransferStatusScheduled,
		ChainID:         s.chainID,
	}

	err = s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.transferRepo.Create(ctx, transfer); err != nil {
			return err
		}
		if err := s.transferRepo.AppendEvent(ctx, &model.TransferEvent{
			TransferID: transfer.TransferID,
			Status:     model.TransferStatusScheduled,
		}); err != nil {
			return err
		}

		balance, err := s.ledgerSvc.Balance(ctx, sender.AccountID, req.Token)
		if err != nil {
			return err
		}
		if balance.LessThan(req.Amount) {
			return s.failTransfer(ctx, transfer, ErrInsufficientBalance.Error())
		}

		if err := s.reserveFunding(ctx, transfer); err != nil {
			if errors.Is(err, blockchain.ErrInsufficientHotWallet) {
				return s.failTransfer(ctx, transfer, err.Error())
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TransfersTotal.WithLabelValues(transfer.Kind.String(), transfer.Status.String()).Inc()
	if transfer.Status == model.TransferStatusFailed {
		s.eventBus.Publish(ctx, bus.TransferFailed{TransferID: transfer.TransferID, Reason: transfer.FailReason})
		return transfer, nil
	}
	logger.Info("external transfer scheduled",
		zap.String("transfer_id", transfer.TransferID),
		zap.String("destination", req.Destination),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()))
	s.eventBus.Publish(ctx, bus.TransferScheduled{TransferID: transfer.TransferID})
	return transfer, nil
}

// Execute 将一笔已登记的外部转账提交上链
// 由执行器工作池调用。发送失败时转账落为失败终态并释放预留。
func (s *TransferService) Execute(ctx context.Context, transferID string) error {
	transfer, err := s.transferRepo.GetByTransferID(ctx, transferID, nil)
	if err != nil {
		return err
	}
	if transfer.Kind != model.TransferKindExternal || transfer.Status != model.TransferStatusScheduled {
		return ErrTransferNotPending
	}

	if err := s.wallet.CheckFunds(ctx, transfer.Token, transfer.Amount); err != nil {
		return s.failAndRelease(ctx, transfer, err)
	}

	txHash, err := s.wallet.Send(ctx, &blockchain.SendRequest{
		To:     transfer.Destination,
		Token:  transfer.Token,
		Amount: transfer.Amount,
	})
	if err != nil {
		return s.failAndRelease(ctx, transfer, err)
	}

	err = s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		transitioned, err := s.transferRepo.MarkExecuted(ctx, transferID, s.chainID, txHash)
		if err != nil {
			return err
		}
		if !transitioned {
			logger.Warn("transfer executed on chain but no longer scheduled",
				zap.String("transfer_id", transferID),
				zap.String("tx_hash", txHash))
			return nil
		}
		return s.transferRepo.AppendEvent(ctx, &model.TransferEvent{
			TransferID: transferID,
			Status:     model.TransferStatusExecuted,
		})
	})
	if err != nil {
		return err
	}

	metrics.TransfersTotal.WithLabelValues(transfer.Kind.String(), model.TransferStatusExecuted.String()).Inc()
	logger.Info("external transfer executed",
		zap.String("transfer_id", transferID),
		zap.String("tx_hash", txHash))
	s.eventBus.Publish(ctx, bus.TransferExecuted{TransferID: transferID, ChainID: s.chainID, TxHash: txHash})
	return nil
}

// ConfirmExternal 外部转账达到确认深度后终结
// 确认、预留释放、发送方借记在同一事务内完成。
func (s *TransferService) ConfirmExternal(ctx context.Context, transferID string, confirmedHeight int64) error {
	transfer, err := s.transferRepo.GetByTransferID(ctx, transferID, nil)
	if err != nil {
		return err
	}

	var confirmed bool
	err = s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		confirmed, err = s.transferRepo.Confirm(ctx, transferID, confirmedHeight)
		if err != nil || !confirmed {
			return err
		}
		if err := s.transferRepo.AppendEvent(ctx, &model.TransferEvent{
			TransferID: transferID,
			Status:     model.TransferStatusConfirmed,
		}); err != nil {
			return err
		}

		released, err := s.transferRepo.DeleteReserve(ctx, transferID)
		if err != nil {
			return err
		}
		if !released {
			logger.Warn("no reserve to release on confirmation",
				zap.String("transfer_id", transferID))
		}

		if err := s.ledgerSvc.Post(ctx, transfer.SenderAccountID, transfer.Token, transfer.Amount.Neg(), model.EntryRefTransfer, transferID); err != nil {
			return err
		}
		metrics.BalanceEntriesTotal.WithLabelValues(model.EntryRefTransfer.String()).Inc()
		return nil
	})
	if err != nil || !confirmed {
		return err
	}

	metrics.TransfersTotal.WithLabelValues(transfer.Kind.String(), model.TransferStatusConfirmed.String()).Inc()
	logger.Info("external transfer confirmed",
		zap.String("transfer_id", transferID),
		zap.Int64("confirmed_height", confirmedHeight))
	s.eventBus.Publish(ctx, bus.TransferConfirmed{TransferID: transferID})
	return nil
}

// RevertExternal 重组回退一笔已确认的外部转账
// 回到 executed 状态等待重新确认，冲正借记并重建预留。
func (s *TransferService) RevertExternal(ctx context.Context, transferID string) error {
	transfer, err := s.transferRepo.GetByTransferID(ctx, transferID, nil)
	if err != nil {
		return err
	}

	var reverted bool
	err = s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		reverted, err = s.transferRepo.RevertToExecuted(ctx, transferID)
		if err != nil || !reverted {
			return err
		}
		if err := s.transferRepo.AppendEvent(ctx, &model.TransferEvent{
			TransferID: transferID,
			Status:     model.TransferStatusExecuted,
			Reason:     "chain reorg",
		}); err != nil {
			return err
		}

		if err := s.ledgerSvc.Post(ctx, transfer.SenderAccountID, transfer.Token, transfer.Amount, model.EntryRefCompensation, transferID); err != nil {
			return err
		}
		metrics.BalanceEntriesTotal.WithLabelValues(model.EntryRefCompensation.String()).Inc()

		if err := s.createReserve(ctx, transfer); err != nil {
			if errors.Is(err, repository.ErrDuplicateReserve) {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil || !reverted {
		return err
	}

	metrics.ReorgRevertedTotal.WithLabelValues(transfer.Kind.String()).Inc()
	logger.Warn("external transfer confirmation reverted",
		zap.String("transfer_id", transferID),
		zap.String("tx_hash", transfer.TxHash))
	s.eventBus.Publish(ctx, bus.TransferReverted{TransferID: transferID})
	return nil
}

// GetTransfer 查询转账
func (s *TransferService) GetTransfer(ctx context.Context, transferID string) (*model.Transfer, error) {
	return s.transferRepo.GetByTransferID(ctx, transferID, nil)
}

// ListEvents 查询转账状态历史
func (s *TransferService) ListEvents(ctx context.Context, transferID string) ([]*model.TransferEvent, error) {
	return s.transferRepo.ListEvents(ctx, transferID)
}

// failTransfer 在创建事务内将转账落为失败终态
func (s *TransferService) failTransfer(ctx context.Context, transfer *model.Transfer, reason string) error {
	failed, err := s.transferRepo.Fail(ctx, transfer.TransferID, reason)
	if err != nil {
		return err
	}
	if !failed {
		return fmt.Errorf("transfer %s already terminal", transfer.TransferID)
	}
	transfer.Status = model.TransferStatusFailed
	transfer.FailReason = reason
	return s.transferRepo.AppendEvent(ctx, &model.TransferEvent{
		TransferID: transfer.TransferID,
		Status:     model.TransferStatusFailed,
		Reason:     reason,
	})
}

// failAndRelease 执行阶段失败: 转账落为失败终态并释放预留
func (s *TransferService) failAndRelease(ctx context.Context, transfer *model.Transfer, cause error) error {
	err := s.transferRepo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.failTransfer(ctx, transfer, cause.Error()); err != nil {
			return err
		}
		_, err := s.transferRepo.DeleteReserve(ctx, transfer.TransferID)
		return err
	})
	if err != nil {
		return err
	}

	metrics.TransfersTotal.WithLabelValues(transfer.Kind.String(), model.TransferStatusFailed.String()).Inc()
	logger.Error("external transfer execution failed",
		zap.String("transfer_id", transfer.TransferID),
		zap.Error(cause))
	s.eventBus.Publish(ctx, bus.TransferFailed{TransferID: transfer.TransferID, Reason: cause.Error()})
	return nil
}

// reserveFunding 在锁保护下核定热钱包可用余额并建立预留
// 可用性按 余额 >= 本次预留 + 未释放预留总额 核定，
// 并发的外部转账无法重复占用同一笔热钱包余额。
func (s *TransferService) reserveFunding(ctx context.Context, transfer *model.Transfer) error {
	amount := s.reserveAmount(transfer)
	return s.locker.WithLockRetry(ctx, reserveLockKey, 100*time.Millisecond, 10, func(ctx context.Context) error {
		reserved, err := s.transferRepo.SumOpenReserves(ctx, s.wallet.Address(), transfer.Token)
		if err != nil {
			return err
		}
		if err := s.wallet.CheckFunds(ctx, transfer.Token, amount.Add(reserved)); err != nil {
			return err
		}
		return s.createReserve(ctx, transfer)
	})
}

// createReserve 为外部转账落库资金预留
// 重组回退重建预留走这里: 资金已上链支出，不再核查余额。
func (s *TransferService) createReserve(ctx context.Context, transfer *model.Transfer) error {
	return s.transferRepo.CreateReserve(ctx, &model.Reserve{
		ReserveID:     uuid.New().String(),
		TransferID:    transfer.TransferID,
		WalletAddress: s.wallet.Address(),
		Token:         transfer.Token,
		Amount:        s.reserveAmount(transfer),
	})
}

// reserveAmount 原生代币的预留额外包含 gas 余量
func (s *TransferService) reserveAmount(transfer *model.Transfer) decimal.Decimal {
	amount := transfer.Amount
	if transfer.Token == s.nativeToken && s.feeHeadroom.IsPositive() {
		amount = amount.Add(s.feeHeadroom)
	}
	return amount
}
