package model

import "github.com/shopspring/decimal"

// UserAccount 用户内部账户
type UserAccount struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string `gorm:"column:account_id;type:varchar(64);uniqueIndex;not null" json:"account_id"`
	UserID    string `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null" json:"user_id"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (UserAccount) TableName() string {
	return "settlement_accounts"
}

// EntryRefType 账目关联对象类型
// 每条账目必须能追溯到产生它的支付或转账
type EntryRefType int8

const (
	EntryRefPayment      EntryRefType = 0
	EntryRefTransfer     EntryRefType = 1
	EntryRefCompensation EntryRefType = 2 // 重组补偿
)

func (t EntryRefType) String() string {
	switch t {
	case EntryRefPayment:
		return "PAYMENT"
	case EntryRefTransfer:
		return "TRANSFER"
	case EntryRefCompensation:
		return "COMPENSATION"
	default:
		return "UNKNOWN"
	}
}

// BalanceEntry 账目 (追加写入，不可变)
// 余额 = 同一 (account, token) 下所有账目金额之和。
// 账目永不修改或删除；冲正通过追加反向账目完成。
type BalanceEntry struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryID   string          `gorm:"column:entry_id;type:varchar(64);uniqueIndex;not null" json:"entry_id"`
	AccountID string          `gorm:"column:account_id;type:varchar(64);index:idx_account_token;not null" json:"account_id"`
	Token     string          `gorm:"column:token;type:varchar(20);index:idx_account_token;not null" json:"token"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"` // 有符号
	RefType   EntryRefType    `gorm:"column:ref_type;type:smallint;not null" json:"ref_type"`
	RefID     string          `gorm:"column:ref_id;type:varchar(64);index;not null" json:"ref_id"`
	CreatedAt int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (BalanceEntry) TableName() string {
	return "settlement_balance_entries"
}

// ReorgCompensation 重组补偿记录
// (chain_id, ref_type, ref_id, from_height) 唯一，
// 保证同一回退区间的补偿只会被应用一次。
type ReorgCompensation struct {
	ID         int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID    int64        `gorm:"column:chain_id;type:int;uniqueIndex:uk_reorg_comp;not null" json:"chain_id"`
	RefType    EntryRefType `gorm:"column:ref_type;type:smallint;uniqueIndex:uk_reorg_comp;not null" json:"ref_type"`
	RefID      string       `gorm:"column:ref_id;type:varchar(64);uniqueIndex:uk_reorg_comp;not null" json:"ref_id"`
	FromHeight int64        `gorm:"column:from_height;type:bigint;uniqueIndex:uk_reorg_comp;not null" json:"from_height"`
	CreatedAt  int64        `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ReorgCompensation) TableName() string {
	return "settlement_reorg_compensations"
}
