package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
)

// LedgerService 账本服务
// 余额没有独立存储，始终由追加写入的账目求和得出。
// 入账与冲正都通过追加账目完成，已有账目永不修改。
type LedgerService struct {
	repo repository.LedgerRepository
}

// NewLedgerService 创建账本服务
func NewLedgerService(repo repository.LedgerRepository) *LedgerService {
	return &LedgerService{repo: repo}
}

// EnsureAccount 获取用户账户，不存在则创建
func (s *LedgerService) EnsureAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	account, err := s.repo.GetAccountByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	account = &model.UserAccount{
		AccountID: uuid.New().String(),
		UserID:    userID,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		// 并发创建时读取已有账户
		if errors.Is(err, repository.ErrDuplicateAccount) {
			return s.repo.GetAccountByUserID(ctx, userID)
		}
		return nil, err
	}

	logger.Info("user account created",
		zap.String("account_id", account.AccountID),
		zap.String("user_id", userID))
	return account, nil
}

// Balance 返回账户某代币的余额
func (s *LedgerService) Balance(ctx context.Context, accountID, token string) (decimal.Decimal, error) {
	return s.repo.SumBalance(ctx, accountID, token)
}

// BalanceOfUser 返回用户某代币的余额
func (s *LedgerService) BalanceOfUser(ctx context.Context, userID, token string) (decimal.Decimal, error) {
	account, err := s.repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return s.repo.SumBalance(ctx, account.AccountID, token)
}

// Post 追加一条账目
// amount 有符号，贷记为正、借记为负。
func (s *LedgerService) Post(ctx context.Context, accountID, token string, amount decimal.Decimal, refType model.EntryRefType, refID string) error {
	entry := &model.BalanceEntry{
		EntryID:   uuid.New().String(),
		AccountID: accountID,
		Token:     token,
		Amount:    amount,
		RefType:   refType,
		RefID:     refID,
	}
	if err := s.repo.AppendEntry(ctx, entry); err != nil {
		return err
	}

	logger.Debug("balance entry posted",
		zap.String("entry_id", entry.EntryID),
		zap.String("account_id", accountID),
		zap.String("token", token),
		zap.String("amount", amount.String()),
		zap.String("ref_type", refType.String()),
		zap.String("ref_id", refID))
	return nil
}

// Entries 分页返回账户账目
func (s *LedgerService) Entries(ctx context.Context, accountID, token string, page *repository.Pagination) ([]*model.BalanceEntry, error) {
	return s.repo.ListEntries(ctx, accountID, token, page)
}
