package model

import "github.com/shopspring/decimal"

// Chain 链状态
// 仅由区块摄取方推进高度，确认追踪器只读
type Chain struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID   int64  `gorm:"column:chain_id;type:int;uniqueIndex;not null" json:"chain_id"`
	Name      string `gorm:"column:name;type:varchar(50);not null" json:"name"`
	Height    int64  `gorm:"column:height;type:bigint;not null;default:0" json:"height"`
	Synced    bool   `gorm:"column:synced;type:boolean;not null;default:false" json:"synced"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Chain) TableName() string {
	return "settlement_chains"
}

// Block 区块记录 (追加写入，不可变)
// 唯一性约束: (chain_id, height, hash)
// 收到 height <= 链头的新区块意味着可能发生了重组
type Block struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID    int64  `gorm:"column:chain_id;type:int;uniqueIndex:uk_chain_height_hash;not null" json:"chain_id"`
	Height     int64  `gorm:"column:height;type:bigint;uniqueIndex:uk_chain_height_hash;index;not null" json:"height"`
	Hash       string `gorm:"column:hash;type:varchar(66);uniqueIndex:uk_chain_height_hash;not null" json:"hash"`
	ParentHash string `gorm:"column:parent_hash;type:varchar(66);not null" json:"parent_hash"`
	Uncles     string `gorm:"column:uncles;type:text" json:"uncles"` // JSON array of hashes
	Timestamp  int64  `gorm:"column:timestamp;type:bigint;not null" json:"timestamp"`
	CreatedAt  int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Block) TableName() string {
	return "settlement_blocks"
}

// Transaction 链上交易记录 (追加写入，不可变)
// 属于唯一一个区块
type Transaction struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     int64           `gorm:"column:chain_id;type:int;uniqueIndex:uk_chain_tx;not null" json:"chain_id"`
	TxHash      string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:uk_chain_tx;not null" json:"tx_hash"`
	BlockHeight int64           `gorm:"column:block_height;type:bigint;index;not null" json:"block_height"`
	BlockHash   string          `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	FromAddress string          `gorm:"column:from_address;type:varchar(42);not null" json:"from_address"`
	ToAddress   string          `gorm:"column:to_address;type:varchar(42);index;not null" json:"to_address"`
	Value       decimal.Decimal `gorm:"column:value;type:decimal(36,18);not null" json:"value"`
	Nonce       int64           `gorm:"column:nonce;type:bigint;not null" json:"nonce"`
	TxIndex     int             `gorm:"column:tx_index;type:int;not null" json:"tx_index"` // 区块内顺序
	CreatedAt   int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Transaction) TableName() string {
	return "settlement_transactions"
}
