package model

import "github.com/shopspring/decimal"

// TransferKind 转账类型
type TransferKind int8

const (
	TransferKindInternal TransferKind = 0 // 内部账户间划转
	TransferKindExternal TransferKind = 1 // 提现到外部链上地址
)

func (k TransferKind) String() string {
	switch k {
	case TransferKindInternal:
		return "INTERNAL"
	case TransferKindExternal:
		return "EXTERNAL"
	default:
		return "UNKNOWN"
	}
}

// TransferStatus 转账状态
// scheduled -> executed -> confirmed，failed 可从 scheduled/executed 进入。
// failed 为终态，重试必须创建新转账。
type TransferStatus int8

const (
	TransferStatusScheduled TransferStatus = 0
	TransferStatusExecuted  TransferStatus = 1
	TransferStatusConfirmed TransferStatus = 2
	TransferStatusFailed    TransferStatus = 3
)

func (s TransferStatus) String() string {
	switch s {
	case TransferStatusScheduled:
		return "SCHEDULED"
	case TransferStatusExecuted:
		return "EXECUTED"
	case TransferStatusConfirmed:
		return "CONFIRMED"
	case TransferStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusConfirmed || s == TransferStatusFailed
}

// Transfer 转账
// 内部转账在创建时同步确认；外部转账经由资金预留、
// 链上执行、确认深度三个阶段推进。
type Transfer struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransferID        string          `gorm:"column:transfer_id;type:varchar(64);uniqueIndex;not null" json:"transfer_id"`
	Kind              TransferKind    `gorm:"column:kind;type:smallint;not null" json:"kind"`
	SenderAccountID   string          `gorm:"column:sender_account_id;type:varchar(64);index;not null" json:"sender_account_id"`
	ReceiverAccountID string          `gorm:"column:receiver_account_id;type:varchar(64)" json:"receiver_account_id"` // 内部转账
	Destination       string          `gorm:"column:destination;type:varchar(42)" json:"destination"`                 // 外部转账目标地址
	Token             string          `gorm:"column:token;type:varchar(20);not null" json:"token"`
	Amount            decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Status            TransferStatus  `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	ChainID           int64           `gorm:"column:chain_id;type:int;not null;default:0" json:"chain_id"`
	TxHash            string          `gorm:"column:tx_hash;type:varchar(66);index" json:"tx_hash"`
	TxBlockHeight     int64           `gorm:"column:tx_block_height;type:bigint;index;not null;default:0" json:"tx_block_height"` // 交易被打包的区块高度
	ConfirmedHeight   int64           `gorm:"column:confirmed_height;type:bigint;index;not null;default:0" json:"confirmed_height"`
	FailReason        string          `gorm:"column:fail_reason;type:varchar(255)" json:"fail_reason"`
	CreatedAt         int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Transfer) TableName() string {
	return "settlement_transfers"
}

// TransferEvent 转账状态历史 (追加写入)
type TransferEvent struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TransferID string         `gorm:"column:transfer_id;type:varchar(64);index;not null" json:"transfer_id"`
	Status     TransferStatus `gorm:"column:status;type:smallint;not null" json:"status"`
	Reason     string         `gorm:"column:reason;type:varchar(255)" json:"reason"`
	CreatedAt  int64          `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (TransferEvent) TableName() string {
	return "settlement_transfer_events"
}

// Reserve 资金预留
// 由一笔待处理的外部转账独占；确认或失败时删除。
// transfer_id 上的唯一索引保证一笔转账最多一份预留。
type Reserve struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ReserveID     string          `gorm:"column:reserve_id;type:varchar(64);uniqueIndex;not null" json:"reserve_id"`
	TransferID    string          `gorm:"column:transfer_id;type:varchar(64);uniqueIndex;not null" json:"transfer_id"`
	WalletAddress string          `gorm:"column:wallet_address;type:varchar(42);index;not null" json:"wallet_address"`
	Token         string          `gorm:"column:token;type:varchar(20);not null" json:"token"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Reserve) TableName() string {
	return "settlement_reserves"
}
