package authority

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/auth-garden-go/internal/catalog"
	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/guard"
	"github.com/lk2023060901/auth-garden-go/internal/registry"
	"github.com/lk2023060901/auth-garden-go/internal/store"
	"github.com/lk2023060901/auth-garden-go/internal/txn"
	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/internal/world"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

type fakeSession struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	addr   string
}

func newFakeSession(addr string) *fakeSession {
	return &fakeSession{addr: addr}
}

func (s *fakeSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) RemoteAddr() string { return s.addr }

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// lastByOp 返回最近一条以 op 开头的下行载荷。
func (s *fakeSession) lastByOp(op wire.Opcode) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if len(s.sent[i]) > 0 && s.sent[i][0] == byte(op) {
			return s.sent[i], true
		}
	}
	return nil, false
}

// fakeArbiter 在 Send 内同步应答的仲裁链路替身。
// 等待表在 Acquire 发送前已插入，因此同步派发应答是安全的。
type fakeArbiter struct {
	mu       sync.Mutex
	up       bool
	deny     bool
	disp     *wire.Dispatcher
	released []int64
}

func (a *fakeArbiter) Up() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.up
}

func (a *fakeArbiter) Send(payload []byte) error {
	a.mu.Lock()
	if !a.up {
		a.mu.Unlock()
		return merr.ErrGuardLinkDown
	}
	deny := a.deny
	a.mu.Unlock()

	r := wire.NewReader(payload)
	op, err := r.Opcode()
	if err != nil {
		return err
	}
	switch op {
	case wire.OpGuardAcquire:
		identity, _ := r.ReadInt64()
		var reply []byte
		if deny {
			reply = wire.NewWriter(wire.OpGuardDenied).
				WriteInt64(identity).WriteInt32(1).Bytes()
		} else {
			reply = wire.NewWriter(wire.OpGuardGranted).
				WriteInt64(identity).WriteInt64(identity + 1000).Bytes()
		}
		return a.disp.Dispatch(context.Background(), reply)
	case wire.OpGuardRelease:
		token, _ := r.ReadInt64()
		a.mu.Lock()
		a.released = append(a.released, token)
		a.mu.Unlock()
	}
	return nil
}

func (a *fakeArbiter) releasedTokens() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int64, len(a.released))
	copy(out, a.released)
	return out
}

type fixture struct {
	facade  *Facade
	disp    *wire.Dispatcher
	guard   *guard.Guard
	arbiter *fakeArbiter
	gateway *store.MemoryGateway
	world7  *fakeSession
	txn     *txn.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gw := store.NewMemory()
	gw.PutAccount(store.AccountRow{IdentityID: 42, Name: "alice", Billing: byte(registry.BillingPaid)})
	gw.PutAccount(store.AccountRow{IdentityID: 43, Name: "bob", Billing: byte(registry.BillingFree)})
	gw.PutAccount(store.AccountRow{IdentityID: 44, Name: "mallory", Billing: byte(registry.BillingPaid), Blocked: true})

	cat := catalog.New(
		catalog.Product{SKU: "healkit", Name: "Heal Kit", Points: 30, Recoverable: true},
	)
	mgr, err := txn.NewManager(config.TxnConfig{Workers: 2, QueueSize: 64, MaxBatchSize: 8}, gw, cat)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	arbiter := &fakeArbiter{up: true}
	var f *Facade
	g := guard.New(arbiter, guard.WithKickFunc(func(id int64) { f.KickByArbiter(id) }))
	guardDisp := wire.NewDispatcher(wire.GuardMaxOpcode)
	require.NoError(t, g.Bind(guardDisp))
	arbiter.disp = guardDisp

	dir := world.NewDirectory([]config.WorldConfig{
		{ID: 7, Name: "lionna", Addr: "127.0.0.1:7777", MaxUsers: 5000},
	})
	world7 := newFakeSession("127.0.0.1:7777")
	require.NoError(t, dir.SetUp(7, world7))

	f = New(config.RegistryConfig{IdleTimeout: time.Minute}, dir, g, mgr, gw)
	disp := wire.NewDispatcher(wire.AuthMaxOpcode)
	require.NoError(t, f.Bind(disp))

	return &fixture{
		facade:  f,
		disp:    disp,
		guard:   g,
		arbiter: arbiter,
		gateway: gw,
		world7:  world7,
		txn:     mgr,
	}
}

func (fx *fixture) dispatch(t *testing.T, cs *ConnState, payload []byte) error {
	t.Helper()
	return fx.disp.Dispatch(WithConn(context.Background(), cs), payload)
}

func (fx *fixture) login(t *testing.T, cs *ConnState, name string) wire.Reason {
	t.Helper()
	require.NoError(t, fx.dispatch(t, cs, wire.NewWriter(wire.OpLogin).WriteString(name).Bytes()))
	sess := cs.Session.(*fakeSession)
	reply, ok := sess.lastByOp(wire.OpLoginResult)
	require.True(t, ok, "no login reply")
	return wire.Reason(reply[1])
}

func newConn(addr string) *ConnState {
	return &ConnState{Session: newFakeSession(addr)}
}

func TestLoginToDisconnectEndToEnd(t *testing.T) {
	fx := newFixture(t)
	cs := newConn("10.0.0.1:5000")

	require.Equal(t, wire.ReasonOK, fx.login(t, cs, "alice"))
	require.Equal(t, 1, fx.facade.Registry().Len())
	assert.EqualValues(t, 42, cs.Identity.Load())

	// 世界列表
	require.NoError(t, fx.dispatch(t, cs, wire.NewWriter(wire.OpWorldList).WriteInt64(42).Bytes()))
	reply, ok := cs.Session.(*fakeSession).lastByOp(wire.OpWorldListResult)
	require.True(t, ok)
	assert.Equal(t, byte(wire.ReasonOK), reply[1])

	// 交接到世界 7 并确认
	require.NoError(t, fx.dispatch(t, cs,
		wire.NewWriter(wire.OpAboutToPlay).WriteInt64(42).WriteUint8(7).Bytes()))
	require.NoError(t, fx.dispatch(t, cs,
		wire.NewWriter(wire.OpWorldConfirm).WriteInt64(42).WriteUint8(7).Bytes()))
	rec, ok := fx.facade.Registry().Lookup(42)
	require.True(t, ok)
	assert.Equal(t, registry.ModeInGame, rec.Mode)
	// 世界侧收到接收预告
	_, ok = fx.world7.lastByOp(wire.OpPlayOK)
	assert.True(t, ok)

	// 购买 healkit x3，异步落库后回结果帧
	require.NoError(t, fx.dispatch(t, cs, wire.NewWriter(wire.OpPurchase).
		WriteInt64(42).
		WriteUint8(purchaseMicro).
		WriteUint8(7).
		WriteInt64(9001).
		WriteUint8(0).
		WriteUint8(1).
		WriteString("healkit").
		WriteInt32(3).
		Bytes()))
	require.Eventually(t, func() bool {
		reply, ok := cs.Session.(*fakeSession).lastByOp(wire.OpPurchaseResult)
		return ok && reply[1] == byte(wire.ReasonOK)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, fx.txn.PendingLen())

	// 断开：注册表清空、槽位令牌被释放、审计落库
	fx.facade.Disconnect(cs)
	assert.Equal(t, 0, fx.facade.Registry().Len())
	assert.Contains(t, fx.arbiter.releasedTokens(), int64(1042))
	assert.Eventually(t, func() bool { return fx.gateway.LogoutCount() == 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestLoginGuardLinkDown(t *testing.T) {
	fx := newFixture(t)
	fx.arbiter.up = false
	cs := newConn("10.0.0.2:5000")

	assert.Equal(t, wire.ReasonGuardUnavailable, fx.login(t, cs, "alice"))
	// 等待表与注册表都不留残项
	assert.Equal(t, 0, fx.guard.WaitingLen())
	assert.Equal(t, 0, fx.facade.Registry().Len())
}

func TestLoginGuardDenied(t *testing.T) {
	fx := newFixture(t)
	fx.arbiter.deny = true
	cs := newConn("10.0.0.3:5000")

	assert.Equal(t, wire.ReasonGuardDenied, fx.login(t, cs, "alice"))
	assert.Equal(t, 0, fx.facade.Registry().Len())
}

func TestFreeAccountSkipsGuard(t *testing.T) {
	fx := newFixture(t)
	fx.arbiter.up = false // 免费账号不应触碰仲裁

	cs := newConn("10.0.0.4:5000")
	assert.Equal(t, wire.ReasonOK, fx.login(t, cs, "bob"))
	assert.Equal(t, 1, fx.facade.Registry().Len())
}

func TestStandaloneModeBypassesGuard(t *testing.T) {
	gw := store.NewMemory()
	gw.PutAccount(store.AccountRow{IdentityID: 42, Name: "alice", Billing: byte(registry.BillingPaid)})
	cat := catalog.New(catalog.Product{SKU: "healkit", Points: 30})
	mgr, err := txn.NewManager(config.TxnConfig{Workers: 1, QueueSize: 8}, gw, cat)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	dir := world.NewDirectory(nil)

	f := New(config.RegistryConfig{IdleTimeout: time.Minute}, dir, nil, mgr, gw)
	disp := wire.NewDispatcher(wire.AuthMaxOpcode)
	require.NoError(t, f.Bind(disp))

	cs := newConn("10.0.0.5:5000")
	require.NoError(t, disp.Dispatch(WithConn(context.Background(), cs),
		wire.NewWriter(wire.OpLogin).WriteString("alice").Bytes()))
	reply, ok := cs.Session.(*fakeSession).lastByOp(wire.OpLoginResult)
	require.True(t, ok)
	assert.Equal(t, byte(wire.ReasonOK), reply[1])
}

func TestLoginRejections(t *testing.T) {
	fx := newFixture(t)

	cs := newConn("10.0.0.6:5000")
	assert.Equal(t, wire.ReasonNoLoginInfo, fx.login(t, cs, "nobody"))
	assert.Equal(t, wire.ReasonKicked, fx.login(t, cs, "mallory"))
	assert.Equal(t, 0, fx.facade.Registry().Len())
}

func TestReloginRebindsSession(t *testing.T) {
	fx := newFixture(t)

	first := newConn("10.0.0.7:5000")
	require.Equal(t, wire.ReasonOK, fx.login(t, first, "alice"))

	second := newConn("10.0.0.7:6000")
	assert.Equal(t, wire.ReasonOK, fx.login(t, second, "alice"))
	assert.True(t, first.Session.(*fakeSession).isClosed())
	assert.Equal(t, 1, fx.facade.Registry().Len())
}

func TestReloginWhileInGameRejected(t *testing.T) {
	fx := newFixture(t)

	first := newConn("10.0.0.8:5000")
	require.Equal(t, wire.ReasonOK, fx.login(t, first, "alice"))
	require.NoError(t, fx.dispatch(t, first,
		wire.NewWriter(wire.OpAboutToPlay).WriteInt64(42).WriteUint8(7).Bytes()))
	require.NoError(t, fx.dispatch(t, first,
		wire.NewWriter(wire.OpWorldConfirm).WriteInt64(42).WriteUint8(7).Bytes()))

	// 现存会话获胜，新登录被拒。
	second := newConn("10.0.0.8:6000")
	assert.Equal(t, wire.ReasonAlreadyPlaying, fx.login(t, second, "alice"))
	rec, ok := fx.facade.Registry().Lookup(42)
	require.True(t, ok)
	assert.Equal(t, registry.ModeInGame, rec.Mode)
}

func TestKickByArbiter(t *testing.T) {
	fx := newFixture(t)
	cs := newConn("10.0.0.9:5000")
	require.Equal(t, wire.ReasonOK, fx.login(t, cs, "alice"))

	// 仲裁主动推送踢人命令
	require.NoError(t, fx.arbiter.disp.Dispatch(context.Background(),
		wire.NewWriter(wire.OpGuardKick).WriteInt64(42).Bytes()))

	assert.Equal(t, 0, fx.facade.Registry().Len())
	assert.True(t, cs.Session.(*fakeSession).isClosed())
	_, kicked := cs.Session.(*fakeSession).lastByOp(wire.OpKick)
	assert.True(t, kicked)
	assert.Contains(t, fx.arbiter.releasedTokens(), int64(1042))
}

func TestWorldDownEvictsSessions(t *testing.T) {
	fx := newFixture(t)
	cs := newConn("10.0.0.10:5000")
	require.Equal(t, wire.ReasonOK, fx.login(t, cs, "alice"))
	require.NoError(t, fx.dispatch(t, cs,
		wire.NewWriter(wire.OpAboutToPlay).WriteInt64(42).WriteUint8(7).Bytes()))
	require.NoError(t, fx.dispatch(t, cs,
		wire.NewWriter(wire.OpWorldConfirm).WriteInt64(42).WriteUint8(7).Bytes()))

	fx.facade.WorldDown(7)
	assert.Equal(t, 0, fx.facade.Registry().Len())
	reply, ok := cs.Session.(*fakeSession).lastByOp(wire.OpKick)
	require.True(t, ok)
	assert.Equal(t, byte(wire.ReasonServerDown), reply[1])
}

func TestPurchaseRequiresLogin(t *testing.T) {
	fx := newFixture(t)
	cs := newConn("10.0.0.11:5000")

	require.NoError(t, fx.dispatch(t, cs, wire.NewWriter(wire.OpPurchase).
		WriteInt64(42).
		WriteUint8(purchaseMicro).
		WriteUint8(7).
		WriteInt64(9001).
		WriteUint8(0).
		WriteUint8(1).
		WriteString("healkit").
		WriteInt32(1).
		Bytes()))
	reply, ok := cs.Session.(*fakeSession).lastByOp(wire.OpPurchaseResult)
	require.True(t, ok)
	assert.Equal(t, byte(wire.ReasonNoLoginInfo), reply[1])
}

func TestPurchaseUnknownProduct(t *testing.T) {
	fx := newFixture(t)
	cs := newConn("10.0.0.12:5000")
	require.Equal(t, wire.ReasonOK, fx.login(t, cs, "alice"))

	require.NoError(t, fx.dispatch(t, cs, wire.NewWriter(wire.OpPurchase).
		WriteInt64(42).
		WriteUint8(purchaseMicro).
		WriteUint8(7).
		WriteInt64(9001).
		WriteUint8(0).
		WriteUint8(1).
		WriteString("no-such-sku").
		WriteInt32(1).
		Bytes()))
	reply, ok := cs.Session.(*fakeSession).lastByOp(wire.OpPurchaseResult)
	require.True(t, ok)
	assert.Equal(t, byte(wire.ReasonUnknownProduct), reply[1])
}

func TestRecoverReplaysToWorld(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.gateway.AddGame(context.Background(), store.TxnRow{
		OrderID:    "deadbeef",
		IdentityID: 42,
		WorldID:    7,
		EntityID:   9001,
		SKU:        "healkit",
		Shape:      txn.ShapeGame,
		Granted:    3,
		State:      store.TxnPending,
		CreatedAt:  time.Now(),
	}))

	cs := newConn("10.0.0.13:5000")
	require.NoError(t, fx.dispatch(t, cs, wire.NewWriter(wire.OpRecover).
		WriteUint8(7).
		WriteInt64(9001).
		Bytes()))

	reply, ok := cs.Session.(*fakeSession).lastByOp(wire.OpRecoverResult)
	require.True(t, ok)
	assert.Equal(t, byte(wire.ReasonOK), reply[1])
	assert.EqualValues(t, 1, binary.LittleEndian.Uint16(reply[2:4]))

	// 归属世界收到发放帧
	_, got := fx.world7.lastByOp(wire.OpRecoverResult)
	assert.True(t, got)

	row, _ := fx.gateway.Order("deadbeef")
	assert.Equal(t, store.TxnRecovered, row.State)
}
