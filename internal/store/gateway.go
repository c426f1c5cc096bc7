package store

import (
	"context"
	"time"
)

// AccountRow 身份存储中的一行账号数据。
type AccountRow struct {
	IdentityID int64
	Name       string
	Billing    byte
	Flags      int32
	Blocked    bool
}

// TxnState 交易行的持久化状态。
type TxnState string

const (
	TxnPending   TxnState = "pending"
	TxnCommitted TxnState = "committed"
	TxnFailed    TxnState = "failed"
	TxnRecovered TxnState = "recovered"
)

// TxnRow 交易存储中的一行订单数据。
// OrderID 为 32 位十六进制字符串。
type TxnRow struct {
	OrderID           string
	IdentityID        int64
	WorldID           int
	EntityID          int64
	SKU               string
	Shape             string
	Granted           int32
	Claimed           int32
	State             TxnState
	OperatorInitiated bool
	CreatedAt         time.Time
}

// Gateway 是核心对持久存储的全部依赖。
// 所有查询都是参数化的；每个写入要么完整生效要么报告失败，
// 不要求存储层提供部分生效语义。调用都是阻塞的，
// 异步性由上层的提交池负责。
type Gateway interface {
	// LoadAccount 按账号名读取账号行。
	LoadAccount(ctx context.Context, name string) (AccountRow, error)

	// RecordLogout 写入一条登出审计行。
	RecordLogout(ctx context.Context, identity int64, loginAt, logoutAt time.Time, lastWorldID int) error

	// AddMicro 写入一条点数购买订单。
	AddMicro(ctx context.Context, row TxnRow) error

	// AddGame 写入一条游戏内购买订单。
	AddGame(ctx context.Context, row TxnRow) error

	// AddMultiGame 原子写入一批子订单：全部成功或全部失败。
	AddMultiGame(ctx context.Context, rows []TxnRow) error

	// ReadUnsaved 读出所有仍处于 pending 状态的订单行。
	ReadUnsaved(ctx context.Context) ([]TxnRow, error)

	// MarkState 更新订单状态。
	MarkState(ctx context.Context, orderID string, state TxnState) error

	// SaveGame 记录游戏侧领取数量。
	SaveGame(ctx context.Context, orderID string, claimed int32) error

	// RevertGame 撤销一条订单。
	RevertGame(ctx context.Context, orderID string) error

	// Close 释放底层连接。
	Close() error
}
