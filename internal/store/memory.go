package store

import (
	"context"
	"sync"
	"time"

	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// MemoryGateway 是纯内存的网关实现，供测试与单机模式使用。
type MemoryGateway struct {
	mu       sync.Mutex
	accounts map[string]AccountRow
	orders   map[string]TxnRow
	logouts  []logoutRow

	// failNext 非 nil 时，下一次写操作返回该错误并清空。
	failNext error
}

type logoutRow struct {
	identity    int64
	loginAt     time.Time
	logoutAt    time.Time
	lastWorldID int
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemory 创建空的内存网关。
func NewMemory() *MemoryGateway {
	return &MemoryGateway{
		accounts: make(map[string]AccountRow),
		orders:   make(map[string]TxnRow),
	}
}

// PutAccount 预置一行账号数据，仅测试使用。
func (g *MemoryGateway) PutAccount(row AccountRow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[row.Name] = row
}

// FailNext 注入一次写失败，仅测试使用。
func (g *MemoryGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

func (g *MemoryGateway) takeInjectedLocked() error {
	err := g.failNext
	g.failNext = nil
	return err
}

func (g *MemoryGateway) LoadAccount(ctx context.Context, name string) (AccountRow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	row, ok := g.accounts[name]
	if !ok {
		return AccountRow{}, merr.WrapErrSessionNoLoginInfo(name)
	}
	return row, nil
}

func (g *MemoryGateway) RecordLogout(ctx context.Context, identity int64, loginAt, logoutAt time.Time, lastWorldID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked(); err != nil {
		return err
	}
	g.logouts = append(g.logouts, logoutRow{identity, loginAt, logoutAt, lastWorldID})
	return nil
}

// LogoutCount 返回已写入的登出审计行数，仅测试使用。
func (g *MemoryGateway) LogoutCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.logouts)
}

func (g *MemoryGateway) AddMicro(ctx context.Context, row TxnRow) error {
	return g.addOne(row)
}

func (g *MemoryGateway) AddGame(ctx context.Context, row TxnRow) error {
	return g.addOne(row)
}

func (g *MemoryGateway) addOne(row TxnRow) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked(); err != nil {
		return err
	}
	if _, dup := g.orders[row.OrderID]; dup {
		return merr.WrapErrTxnPersistFailed(row.OrderID, merr.ErrParameterInvalid, "duplicate order id")
	}
	g.orders[row.OrderID] = row
	return nil
}

func (g *MemoryGateway) AddMultiGame(ctx context.Context, rows []TxnRow) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked(); err != nil {
		return err
	}
	for _, row := range rows {
		if _, dup := g.orders[row.OrderID]; dup {
			return merr.WrapErrTxnPersistFailed(row.OrderID, merr.ErrParameterInvalid, "duplicate order id")
		}
	}
	for _, row := range rows {
		g.orders[row.OrderID] = row
	}
	return nil
}

func (g *MemoryGateway) ReadUnsaved(ctx context.Context) ([]TxnRow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []TxnRow
	for _, row := range g.orders {
		if row.State == TxnPending {
			out = append(out, row)
		}
	}
	return out, nil
}

func (g *MemoryGateway) MarkState(ctx context.Context, orderID string, state TxnState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked(); err != nil {
		return err
	}
	row, ok := g.orders[orderID]
	if !ok {
		return merr.ErrStoreNotFound
	}
	row.State = state
	g.orders[orderID] = row
	return nil
}

func (g *MemoryGateway) SaveGame(ctx context.Context, orderID string, claimed int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	row, ok := g.orders[orderID]
	if !ok {
		return merr.ErrStoreNotFound
	}
	row.Claimed = claimed
	g.orders[orderID] = row
	return nil
}

func (g *MemoryGateway) RevertGame(ctx context.Context, orderID string) error {
	return g.MarkState(ctx, orderID, TxnFailed)
}

// Order 返回指定订单行，仅测试使用。
func (g *MemoryGateway) Order(orderID string) (TxnRow, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	row, ok := g.orders[orderID]
	return row, ok
}

// OrderIDs 返回全部订单号，仅测试使用。
func (g *MemoryGateway) OrderIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.orders))
	for id := range g.orders {
		ids = append(ids, id)
	}
	return ids
}

func (g *MemoryGateway) Close() error {
	return nil
}
