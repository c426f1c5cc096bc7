// Package txn 实现交易管理：签发内容派生的订单号，异步落库，
// 并在重启后恢复仍处于 Pending 的订单。
package txn

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/bytedance/sonic"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/catalog"
	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/store"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
	"github.com/lk2023060901/auth-garden-go/pkg/util/typeutil"
)

// 交易形态，同时用作指标标签。
const (
	ShapeMicro     = "micro"
	ShapeGame      = "game"
	ShapeMultiGame = "multi_game"
)

// Request 一次购买或发放请求。
type Request struct {
	IdentityID        int64
	WorldID           int
	EntityID          int64
	SKU               string
	Quantity          int32
	OperatorInitiated bool
}

// Callback 异步落库完成后的回调，成功或失败都恰好调用一次。
// err 为 nil 表示订单已提交；失败不会自动重试，
// 由调用方决定是否放弃（玩家购买）或告警（运营发放）。
type Callback func(orderID OrderID, err error)

type pendingWrite struct {
	rows     []store.TxnRow
	shape    string
	operator bool
	start    time.Time
	cb       Callback
}

// Manager 交易管理器。创建订单是同步的，落库经由内部工作池异步完成。
type Manager struct {
	gateway store.Gateway
	catalog *catalog.Catalog
	pool    *ants.Pool
	pending *typeutil.ConcurrentMap[string, *pendingWrite]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager 创建交易管理器并启动工作池。
func NewManager(cfg config.TxnConfig, gateway store.Gateway, cat *catalog.Catalog) (*Manager, error) {
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		gateway: gateway,
		catalog: cat,
		pool:    pool,
		pending: typeutil.NewConcurrentMap[string, *pendingWrite](),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Close 停止工作池。已入队的写入会执行完毕。
func (m *Manager) Close() {
	m.cancel()
	m.pool.Release()
}

// PendingLen 返回仍在等待落库的订单数。
func (m *Manager) PendingLen() int {
	return m.pending.Len()
}

// SubmitMicro 签发一笔点数购买订单并异步落库。
// Granted 记录按商品点数乘以数量折算出的点数。
func (m *Manager) SubmitMicro(req Request, cb Callback) (OrderID, error) {
	product, err := m.validate(req)
	if err != nil {
		return OrderID{}, err
	}
	id := NewOrderID(encodePayload(req))
	row := newRow(id, req, ShapeMicro, product.Points*req.Quantity)
	return m.submit(id, ShapeMicro, []store.TxnRow{row}, req.OperatorInitiated, cb,
		func(ctx context.Context) error { return m.gateway.AddMicro(ctx, row) })
}

// SubmitGame 签发一笔游戏内购买订单并异步落库。
// Granted 记录发放数量，Claimed 由世界侧通过 Save 回填。
func (m *Manager) SubmitGame(req Request, cb Callback) (OrderID, error) {
	if _, err := m.validate(req); err != nil {
		return OrderID{}, err
	}
	id := NewOrderID(encodePayload(req))
	row := newRow(id, req, ShapeGame, req.Quantity)
	return m.submit(id, ShapeGame, []store.TxnRow{row}, req.OperatorInitiated, cb,
		func(ctx context.Context) error { return m.gateway.AddGame(ctx, row) })
}

// SubmitMultiGame 签发一批游戏内订单并原子落库：整批成功或整批失败。
// 所有子订单共享批订单号，子订单号只在低位字上加 index+1。
func (m *Manager) SubmitMultiGame(reqs []Request, cb Callback) (OrderID, error) {
	if len(reqs) == 0 {
		return OrderID{}, merr.WrapErrTxnMalformed("empty batch")
	}
	payload := make([]byte, 0, 64*len(reqs))
	operator := false
	for _, req := range reqs {
		if _, err := m.validate(req); err != nil {
			return OrderID{}, err
		}
		payload = append(payload, encodePayload(req)...)
		operator = operator || req.OperatorInitiated
	}
	batchID := NewOrderID(payload)
	rows := make([]store.TxnRow, 0, len(reqs))
	for i, req := range reqs {
		rows = append(rows, newRow(batchID.Child(i), req, ShapeMultiGame, req.Quantity))
	}
	return m.submit(batchID, ShapeMultiGame, rows, operator, cb,
		func(ctx context.Context) error { return m.gateway.AddMultiGame(ctx, rows) })
}

// Save 回填世界侧已领取数量。
func (m *Manager) Save(ctx context.Context, orderID string, claimed int32) error {
	return m.gateway.SaveGame(ctx, orderID, claimed)
}

// Revert 撤销一条已落库订单。
func (m *Manager) Revert(ctx context.Context, orderID string) error {
	return m.gateway.RevertGame(ctx, orderID)
}

func (m *Manager) validate(req Request) (catalog.Product, error) {
	if req.Quantity <= 0 {
		return catalog.Product{}, merr.WrapErrTxnMalformed("non-positive quantity")
	}
	return m.catalog.Lookup(req.SKU)
}

func (m *Manager) submit(id OrderID, shape string, rows []store.TxnRow, operator bool, cb Callback, write func(context.Context) error) (OrderID, error) {
	key := id.String()
	entry := &pendingWrite{rows: rows, shape: shape, operator: operator, start: time.Now(), cb: cb}
	if _, existed := m.pending.GetOrInsert(key, entry); existed {
		return OrderID{}, merr.WrapErrTxnPersistFailed(key, merr.ErrParameterInvalid, "order id already pending")
	}
	metrics.TxnIssuedTotal.WithLabelValues(shape).Inc()
	metrics.TxnPendingWrites.Inc()

	if err := m.pool.Submit(func() {
		m.complete(id, key, write(m.ctx))
	}); err != nil {
		m.pending.GetAndRemove(key)
		metrics.TxnPendingWrites.Dec()
		return OrderID{}, merr.WrapErrTxnPersistFailed(key, err)
	}
	return id, nil
}

// complete 是异步落库的唯一收口：更新订单状态、销毁本地记录、
// 通知调用方，三件事各恰好发生一次。
func (m *Manager) complete(id OrderID, key string, writeErr error) {
	entry, ok := m.pending.GetAndRemove(key)
	if !ok {
		return
	}
	metrics.TxnPendingWrites.Dec()
	metrics.TxnPersistLatency.Observe(float64(time.Since(entry.start).Milliseconds()))

	if writeErr != nil {
		metrics.TxnPersistTotal.WithLabelValues("fail").Inc()
		if entry.operator {
			m.alertOperatorGrant(key, entry, writeErr)
		} else {
			log.Warn("purchase persist failed",
				zap.String("orderID", key),
				zap.String("shape", entry.shape),
				zap.Error(writeErr))
		}
		if entry.cb != nil {
			entry.cb(id, merr.WrapErrTxnPersistFailed(key, writeErr))
		}
		return
	}

	metrics.TxnPersistTotal.WithLabelValues("success").Inc()
	// 行已写入，此处确认已应用。确认失败不致命：行保持 Pending，
	// 下次恢复扫描会重放。
	for _, row := range entry.rows {
		if err := m.gateway.MarkState(m.ctx, row.OrderID, store.TxnCommitted); err != nil {
			log.Warn("order commit mark failed, will be re-applied by recovery",
				zap.String("orderID", row.OrderID), zap.Error(err))
		}
	}
	if entry.cb != nil {
		entry.cb(id, nil)
	}
}

// alertOperatorGrant 运营发放落库失败没有对应的扣费，属于纯记账缺口，
// 以 JSON 审计记录的形式按告警级别落日志。
func (m *Manager) alertOperatorGrant(key string, entry *pendingWrite, cause error) {
	audit := struct {
		OrderID  string `json:"order_id"`
		Shape    string `json:"shape"`
		Identity int64  `json:"identity_id"`
		WorldID  int    `json:"world_id"`
		SKU      string `json:"sku"`
		Granted  int32  `json:"granted"`
		Error    string `json:"error"`
	}{
		OrderID:  key,
		Shape:    entry.shape,
		Identity: entry.rows[0].IdentityID,
		WorldID:  entry.rows[0].WorldID,
		SKU:      entry.rows[0].SKU,
		Granted:  entry.rows[0].Granted,
		Error:    cause.Error(),
	}
	data, err := sonic.Marshal(audit)
	if err != nil {
		log.Error("operator grant persist failed", zap.String("orderID", key), zap.Error(cause))
		return
	}
	log.Error("operator grant persist failed", zap.ByteString("audit", data))
}

func newRow(id OrderID, req Request, shape string, granted int32) store.TxnRow {
	return store.TxnRow{
		OrderID:           id.String(),
		IdentityID:        req.IdentityID,
		WorldID:           req.WorldID,
		EntityID:          req.EntityID,
		SKU:               req.SKU,
		Shape:             shape,
		Granted:           granted,
		State:             store.TxnPending,
		OperatorInitiated: req.OperatorInitiated,
		CreatedAt:         time.Now(),
	}
}

func encodePayload(req Request) []byte {
	buf := make([]byte, 0, 32+len(req.SKU))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(req.IdentityID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(req.WorldID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(req.EntityID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(req.Quantity))
	buf = append(buf, req.SKU...)
	return buf
}
