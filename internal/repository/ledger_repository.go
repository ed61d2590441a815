package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound      = errors.New("user account not found")
	ErrDuplicateAccount     = errors.New("duplicate user account")
	ErrDuplicateEntry       = errors.New("duplicate balance entry")
	ErrAlreadyCompensated   = errors.New("reorg range already compensated")
	ErrCompensationNotFound = errors.New("reorg compensation not found")
)

// LedgerRepository 账本仓储接口
// 账目只追加不修改，余额始终由账目求和得出。
type LedgerRepository interface {
	CreateAccount(ctx context.Context, account *model.UserAccount) error
	GetAccountByAccountID(ctx context.Context, accountID string) (*model.UserAccount, error)
	GetAccountByUserID(ctx context.Context, userID string) (*model.UserAccount, error)

	AppendEntry(ctx context.Context, entry *model.BalanceEntry) error
	SumBalance(ctx context.Context, accountID, token string) (decimal.Decimal, error)
	ListEntries(ctx context.Context, accountID, token string, page *Pagination) ([]*model.BalanceEntry, error)
	ListEntriesByRef(ctx context.Context, refType model.EntryRefType, refID string) ([]*model.BalanceEntry, error)

	// CreateCompensation 登记一次重组补偿；同一回退区间重复登记
	// 返回 ErrAlreadyCompensated。
	CreateCompensation(ctx context.Context, comp *model.ReorgCompensation) error
}

// ledgerRepository 账本仓储实现
type ledgerRepository struct {
	*Repository
}

// NewLedgerRepository 创建账本仓储
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{
		Repository: NewRepository(db),
	}
}

func (r *ledgerRepository) CreateAccount(ctx context.Context, account *model.UserAccount) error {
	account.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(account).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateAccount
	}
	return err
}

func (r *ledgerRepository) GetAccountByAccountID(ctx context.Context, accountID string) (*model.UserAccount, error) {
	var account model.UserAccount
	err := r.DB(ctx).Where("account_id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *ledgerRepository) GetAccountByUserID(ctx context.Context, userID string) (*model.UserAccount, error) {
	var account model.UserAccount
	err := r.DB(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *ledgerRepository) AppendEntry(ctx context.Context, entry *model.BalanceEntry) error {
	entry.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(entry).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateEntry
	}
	return err
}

func (r *ledgerRepository) SumBalance(ctx context.Context, accountID, token string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.DB(ctx).Model(&model.BalanceEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ? AND token = ?", accountID, token).
		Scan(&balance).Error
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (r *ledgerRepository) ListEntries(ctx context.Context, accountID, token string, page *Pagination) ([]*model.BalanceEntry, error) {
	var entries []*model.BalanceEntry

	query := r.DB(ctx).Model(&model.BalanceEntry{}).
		Where("account_id = ? AND token = ?", accountID, token)

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) ListEntriesByRef(ctx context.Context, refType model.EntryRefType, refID string) ([]*model.BalanceEntry, error) {
	var entries []*model.BalanceEntry
	err := r.DB(ctx).
		Where("ref_type = ? AND ref_id = ?", refType, refID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) CreateCompensation(ctx context.Context, comp *model.ReorgCompensation) error {
	comp.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(comp).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrAlreadyCompensated
	}
	return err
}
