package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

type fakeSession struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	addr   string
}

func (s *fakeSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) RemoteAddr() string {
	if s.addr == "" {
		return "127.0.0.1:5000"
	}
	return s.addr
}

func TestRegisterAtMostOnePerIdentity(t *testing.T) {
	r := New(time.Minute)

	const goroutines = 32
	var wg sync.WaitGroup
	var succeeded atomic.Int32
	var duplicated atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(42, "qa01", &fakeSession{}, BillingPaid)
			switch {
			case err == nil:
				succeeded.Inc()
			case errors.Is(err, merr.ErrSessionDuplicate):
				duplicated.Inc()
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded.Load())
	assert.EqualValues(t, goroutines-1, duplicated.Load())
	assert.Equal(t, 1, r.Len())
}

func TestMaxSessions(t *testing.T) {
	r := New(time.Minute, WithMaxSessions(2))

	_, err := r.Register(1, "qa01", &fakeSession{}, BillingPaid)
	require.NoError(t, err)
	_, err = r.Register(2, "qa02", &fakeSession{}, BillingPaid)
	require.NoError(t, err)

	_, err = r.Register(3, "qa03", &fakeSession{}, BillingPaid)
	require.ErrorIs(t, err, merr.ErrServiceUnavailable)

	// 腾出位置后可以再登记。
	_, ok := r.Remove(1)
	require.True(t, ok)
	_, err = r.Register(3, "qa03", &fakeSession{}, BillingPaid)
	assert.NoError(t, err)
}

func TestIdleEviction(t *testing.T) {
	var evicted atomic.Int32
	r := New(30*time.Millisecond, WithEvictFunc(func(rec Record, reason EvictReason) {
		assert.Equal(t, EvictIdle, reason)
		assert.EqualValues(t, 42, rec.IdentityID)
		evicted.Inc()
	}))

	_, err := r.Register(42, "qa01", &fakeSession{}, BillingFree)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return evicted.Load() == 1
	}, time.Second, 5*time.Millisecond)

	_, ok := r.Lookup(42)
	assert.False(t, ok)

	// 已移除的记录不会被二次驱逐。
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, evicted.Load())
}

func TestTouchDefersEviction(t *testing.T) {
	var evicted atomic.Int32
	r := New(50*time.Millisecond, WithEvictFunc(func(Record, EvictReason) {
		evicted.Inc()
	}))

	_, err := r.Register(42, "qa01", &fakeSession{}, BillingFree)
	require.NoError(t, err)

	// 持续保活超过一个空闲周期，期间不得发生驱逐。
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, r.Touch(42))
		assert.EqualValues(t, 0, evicted.Load())
	}

	// 停止保活后恰好驱逐一次。
	require.Eventually(t, func() bool {
		return evicted.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, evicted.Load())
}

func TestRemoveBeatsTimer(t *testing.T) {
	var evicted atomic.Int32
	r := New(20*time.Millisecond, WithEvictFunc(func(Record, EvictReason) {
		evicted.Inc()
	}))

	_, err := r.Register(42, "qa01", &fakeSession{}, BillingFree)
	require.NoError(t, err)

	rec, ok := r.Remove(42)
	require.True(t, ok)
	assert.EqualValues(t, 42, rec.IdentityID)

	// Remove 幂等。
	_, ok = r.Remove(42)
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 0, evicted.Load())
}

func TestTransitionMode(t *testing.T) {
	r := New(time.Minute)

	_, err := r.Register(42, "qa01", &fakeSession{}, BillingPaid)
	require.NoError(t, err)

	rec, err := r.TransitionMode(42, ModeLoggedIn)
	require.NoError(t, err)
	assert.Equal(t, ModeLoggedIn, rec.Mode)

	// LoggedIn 不能直接进入 InGame。
	_, err = r.TransitionMode(42, ModeInGame)
	assert.ErrorIs(t, err, merr.ErrSessionIllegalState)

	_, err = r.TransitionMode(42, ModeAwaitingWorld)
	require.NoError(t, err)
	rec, err = r.TransitionMode(42, ModeInGame)
	require.NoError(t, err)
	assert.Equal(t, ModeInGame, rec.Mode)

	// 回到大厅。
	rec, err = r.TransitionMode(42, ModeLoggedIn)
	require.NoError(t, err)
	assert.Equal(t, ModeLoggedIn, rec.Mode)

	_, err = r.TransitionMode(99, ModeLoggedIn)
	assert.ErrorIs(t, err, merr.ErrSessionNotFound)
}

func TestInGameSuspendsIdleTimer(t *testing.T) {
	var evicted atomic.Int32
	r := New(30*time.Millisecond, WithEvictFunc(func(Record, EvictReason) {
		evicted.Inc()
	}))

	_, err := r.Register(42, "qa01", &fakeSession{}, BillingPaid)
	require.NoError(t, err)
	_, err = r.TransitionMode(42, ModeLoggedIn)
	require.NoError(t, err)
	_, err = r.TransitionMode(42, ModeAwaitingWorld)
	require.NoError(t, err)
	_, err = r.TransitionMode(42, ModeInGame)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, evicted.Load())
	_, ok := r.Lookup(42)
	assert.True(t, ok)

	// 回到大厅后空闲计时恢复。
	_, err = r.TransitionMode(42, ModeLoggedIn)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return evicted.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAttachSession(t *testing.T) {
	r := New(time.Minute)

	first := &fakeSession{addr: "10.0.0.1:1"}
	_, err := r.Register(42, "qa01", first, BillingPaid)
	require.NoError(t, err)

	second := &fakeSession{addr: "10.0.0.2:2"}
	old, err := r.AttachSession(42, second)
	require.NoError(t, err)
	assert.Same(t, first, old.(*fakeSession))

	rec, ok := r.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:2", rec.Session.RemoteAddr())

	// InGame 记录禁止重绑。
	_, err = r.TransitionMode(42, ModeLoggedIn)
	require.NoError(t, err)
	_, err = r.TransitionMode(42, ModeAwaitingWorld)
	require.NoError(t, err)
	_, err = r.TransitionMode(42, ModeInGame)
	require.NoError(t, err)

	_, err = r.AttachSession(42, &fakeSession{})
	assert.ErrorIs(t, err, merr.ErrSessionInGame)
}

func TestRemoveAllForWorld(t *testing.T) {
	var evicted []Record
	var mu sync.Mutex
	r := New(time.Minute, WithEvictFunc(func(rec Record, reason EvictReason) {
		assert.Equal(t, EvictWorldDown, reason)
		mu.Lock()
		evicted = append(evicted, rec)
		mu.Unlock()
	}))

	bind := func(id int64, world int) {
		_, err := r.Register(id, "acc", &fakeSession{}, BillingPaid)
		require.NoError(t, err)
		_, err = r.Mutate(id, func(rec *Record) error {
			rec.Mode = ModeInGame
			rec.CurrentWorldID = world
			return nil
		})
		require.NoError(t, err)
	}

	bind(1, 7)
	bind(2, 7)
	bind(3, 9)

	removed := r.RemoveAllForWorld(7)
	assert.Len(t, removed, 2)
	assert.Len(t, evicted, 2)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Lookup(3)
	assert.True(t, ok)
}

func TestLookupReturnsSnapshot(t *testing.T) {
	r := New(time.Minute)

	_, err := r.Register(42, "qa01", &fakeSession{}, BillingPaid)
	require.NoError(t, err)

	rec, ok := r.Lookup(42)
	require.True(t, ok)
	rec.DisplayName = "tampered"
	rec.GuardToken = 999

	again, ok := r.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "qa01", again.DisplayName)
	assert.EqualValues(t, 0, again.GuardToken)
}

func TestFinishedQueue(t *testing.T) {
	r := New(time.Minute)

	before, err := r.Register(42, "qa01", &fakeSession{}, BillingFree)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.FinishedQueue(42))

	after, ok := r.Lookup(42)
	require.True(t, ok)
	assert.True(t, after.LoginAt.After(before.LoginAt))

	assert.ErrorIs(t, r.FinishedQueue(99), merr.ErrSessionNotFound)
}
