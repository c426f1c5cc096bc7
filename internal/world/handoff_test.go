package world

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/registry"
	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

type fakeWorldLink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (l *fakeWorldLink) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.sent = append(l.sent, cp)
	return nil
}

func (l *fakeWorldLink) Close() error       { return nil }
func (l *fakeWorldLink) RemoteAddr() string { return "10.0.1.1:7777" }

func (l *fakeWorldLink) opcodes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := make([]byte, 0, len(l.sent))
	for _, frame := range l.sent {
		ops = append(ops, frame[0])
	}
	return ops
}

type clientSession struct{ fakeWorldLink }

func newFixture(t *testing.T) (*registry.Registry, *Directory, *Coordinator, map[int]*fakeWorldLink) {
	t.Helper()

	reg := registry.New(time.Minute)
	dir := NewDirectory([]config.WorldConfig{
		{ID: 1, Name: "Bartz", Addr: "10.0.1.1:7777", MaxUsers: 5000},
		{ID: 2, Name: "Sieghardt", Addr: "10.0.1.2:7777", MaxUsers: 5000},
		{ID: 7, Name: "Kain", Addr: "10.0.1.7:7777", MaxUsers: 5000},
	})

	links := make(map[int]*fakeWorldLink)
	for _, id := range []int{1, 2, 7} {
		links[id] = &fakeWorldLink{}
		require.NoError(t, dir.SetUp(id, links[id]))
	}

	return reg, dir, NewCoordinator(reg, dir), links
}

func login(t *testing.T, reg *registry.Registry, id int64) {
	t.Helper()
	_, err := reg.Register(id, "qa01", &clientSession{}, registry.BillingPaid)
	require.NoError(t, err)
	_, err = reg.TransitionMode(id, registry.ModeLoggedIn)
	require.NoError(t, err)
}

func TestRequestAndConfirm(t *testing.T) {
	reg, _, c, links := newFixture(t)
	login(t, reg, 42)

	require.NoError(t, c.RequestWorld(42, 7))

	rec, ok := reg.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, registry.ModeAwaitingWorld, rec.Mode)
	assert.Equal(t, 7, rec.PendingWorldID)

	// 目标世界收到接收通知。
	assert.Equal(t, []byte{byte(wire.OpPlayOK)}, links[7].opcodes())

	require.NoError(t, c.ConfirmWorld(42, 7))

	rec, ok = reg.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, registry.ModeInGame, rec.Mode)
	assert.Equal(t, 7, rec.CurrentWorldID)
	assert.Equal(t, 7, rec.LastWorldID)
	assert.Zero(t, rec.PendingWorldID)
}

func TestStaleConfirmKicksOldWorld(t *testing.T) {
	reg, _, c, links := newFixture(t)
	login(t, reg, 42)

	// w1 请求后改选 w2，w1 的确认过期。
	require.NoError(t, c.RequestWorld(42, 1))
	require.NoError(t, c.RequestWorld(42, 2))

	err := c.ConfirmWorld(42, 1)
	assert.ErrorIs(t, err, merr.ErrSessionStale)

	// 记录不变：仍在等待 w2。
	rec, ok := reg.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, registry.ModeAwaitingWorld, rec.Mode)
	assert.Equal(t, 2, rec.PendingWorldID)

	// w1 收到踢人命令。
	assert.Contains(t, links[1].opcodes(), byte(wire.OpKick))

	// 匹配 pending 的确认正常生效。
	require.NoError(t, c.ConfirmWorld(42, 2))
	rec, _ = reg.Lookup(42)
	assert.Equal(t, registry.ModeInGame, rec.Mode)
	assert.Equal(t, 2, rec.CurrentWorldID)
}

func TestInGameDuplicateClaimExistingWins(t *testing.T) {
	reg, _, c, links := newFixture(t)
	login(t, reg, 42)

	require.NoError(t, c.RequestWorld(42, 1))
	require.NoError(t, c.ConfirmWorld(42, 1))

	// 另一个世界认领同一身份：现存会话获胜，认领方被踢。
	err := c.ConfirmWorld(42, 2)
	assert.ErrorIs(t, err, merr.ErrSessionStale)

	rec, _ := reg.Lookup(42)
	assert.Equal(t, registry.ModeInGame, rec.Mode)
	assert.Equal(t, 1, rec.CurrentWorldID)
	assert.Contains(t, links[2].opcodes(), byte(wire.OpKick))
}

func TestRequestWorldValidation(t *testing.T) {
	reg, dir, c, _ := newFixture(t)
	login(t, reg, 42)

	assert.ErrorIs(t, c.RequestWorld(42, 99), merr.ErrWorldNotFound)

	dir.SetDown(7)
	assert.ErrorIs(t, c.RequestWorld(42, 7), merr.ErrWorldDown)

	// PreLogin 会话不能发起交接。
	_, err := reg.Register(43, "qa02", &clientSession{}, registry.BillingFree)
	require.NoError(t, err)
	assert.ErrorIs(t, c.RequestWorld(43, 1), merr.ErrSessionIllegalState)
}

func TestLeaveWorld(t *testing.T) {
	reg, _, c, _ := newFixture(t)
	login(t, reg, 42)

	require.NoError(t, c.RequestWorld(42, 1))
	require.NoError(t, c.ConfirmWorld(42, 1))

	// 非当前世界的回大厅通知无效。
	assert.ErrorIs(t, c.LeaveWorld(42, 2), merr.ErrSessionStale)

	require.NoError(t, c.LeaveWorld(42, 1))
	rec, _ := reg.Lookup(42)
	assert.Equal(t, registry.ModeLoggedIn, rec.Mode)
	assert.Zero(t, rec.CurrentWorldID)
	assert.Equal(t, 1, rec.LastWorldID)
}

func TestKickDegradesWhenWorldDown(t *testing.T) {
	reg, dir, c, links := newFixture(t)
	login(t, reg, 42)

	require.NoError(t, c.RequestWorld(42, 1))
	require.NoError(t, c.ConfirmWorld(42, 1))

	dir.SetDown(1)
	before := len(links[1].opcodes())
	c.Kick(42) // 无投递保证：只降级为本地日志，不 panic 不重试
	assert.Len(t, links[1].opcodes(), before)
}

func TestDirectoryList(t *testing.T) {
	_, dir, _, _ := newFixture(t)

	list := dir.List()
	assert.Len(t, list, 3)

	dir.SetDown(2)
	st, ok := dir.Get(2)
	require.True(t, ok)
	assert.False(t, st.Up)

	_, ok = dir.Get(99)
	assert.False(t, ok)
}
