package registry

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// EvictReason 记录一次会话被移出注册表的原因。
type EvictReason string

const (
	EvictIdle      EvictReason = "idle"
	EvictWorldDown EvictReason = "world_down"
)

// EvictFunc 在记录被注册表自行移除后调用。
// rec 为移除时刻的快照；回调在注册表锁之外执行，
// 可以安全地做套接字通知和仲裁释放。
type EvictFunc func(rec Record, reason EvictReason)

// Registry 是身份到会话记录的并发映射，持有会话生命周期、
// 锁纪律和空闲定时器。表锁为短临界区，绝不跨 I/O 持有。
type Registry struct {
	mu    sync.Mutex
	table map[int64]*Record

	idleTimeout time.Duration
	maxSessions int
	onEvict     EvictFunc
}

// Option 配置 Registry。
type Option func(*Registry)

// WithEvictFunc 设置注册表自行移除记录时的回调。
func WithEvictFunc(fn EvictFunc) Option {
	return func(r *Registry) {
		r.onEvict = fn
	}
}

// WithMaxSessions 限制同时在表的会话数，0 表示不限。
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// New 创建会话注册表。
// idleTimeout 为 PreLogin/LoggedIn/AwaitingWorld 会话允许的最大空闲时间。
func New(idleTimeout time.Duration, opts ...Option) *Registry {
	r := &Registry{
		table:       make(map[int64]*Record),
		idleTimeout: idleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 登记一个新会话，身份已存在时返回 ErrSessionDuplicate。
// 成功后安装空闲定时器并返回记录快照。
func (r *Registry) Register(id int64, name string, sess Session, billing Billing) (Record, error) {
	now := time.Now()

	r.mu.Lock()
	if existing, ok := r.table[id]; ok {
		mode := existing.Mode
		r.mu.Unlock()
		metrics.SessionLoginTotal.WithLabelValues("duplicate").Inc()
		return Record{}, merr.WrapErrSessionDuplicate(name, mode.String())
	}
	if r.maxSessions > 0 && len(r.table) >= r.maxSessions {
		r.mu.Unlock()
		metrics.SessionLoginTotal.WithLabelValues("full").Inc()
		return Record{}, merr.WrapErrServiceUnavailable("session table full")
	}

	rec := &Record{
		IdentityID:     id,
		DisplayName:    name,
		Session:        sess,
		Mode:           ModePreLogin,
		LoginAt:        now,
		QueueEnteredAt: now,
		Billing:        billing,
	}
	r.table[id] = rec
	r.armTimerLocked(rec)
	snap := rec.snapshot()
	r.mu.Unlock()

	metrics.SessionLoginTotal.WithLabelValues("ok").Inc()
	metrics.SessionNum.WithLabelValues(ModePreLogin.String()).Inc()
	return snap, nil
}

// Lookup 返回记录快照。外部永远拿不到内部指针。
func (r *Registry) Lookup(id int64) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.table[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Touch 重置空闲定时器。旧定时器恰好取消一次，再安装新的。
func (r *Registry) Touch(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.table[id]
	if !ok {
		return merr.WrapErrSessionNotFound(idKey(id))
	}
	if rec.Mode == ModeInGame {
		// InGame 会话不计空闲。
		return nil
	}
	r.armTimerLocked(rec)
	return nil
}

// TransitionMode 执行状态迁移，非法迁移返回 ErrSessionIllegalState。
// 进入 InGame 挂起空闲定时器，回到 LoggedIn 重新安装。
func (r *Registry) TransitionMode(id int64, to Mode) (Record, error) {
	return r.Mutate(id, func(rec *Record) error {
		if !canTransition(rec.Mode, to) {
			return merr.WrapErrSessionIllegalState(rec.DisplayName, rec.Mode.String(), to.String())
		}
		rec.Mode = to
		return nil
	})
}

// Mutate 在表锁内对记录执行 fn，返回修改后的快照。
// fn 不得做任何 I/O。fn 修改 Mode 后，注册表负责空闲定时器的
// 挂起/重装和会话数指标。
func (r *Registry) Mutate(id int64, fn func(rec *Record) error) (Record, error) {
	r.mu.Lock()

	rec, ok := r.table[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, merr.WrapErrSessionNotFound(idKey(id))
	}
	from := rec.Mode
	if err := fn(rec); err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	to := rec.Mode
	if from != to {
		if to == ModeInGame {
			r.disarmTimerLocked(rec)
		} else {
			r.armTimerLocked(rec)
		}
	}
	snap := rec.snapshot()
	r.mu.Unlock()

	if from != to {
		metrics.SessionNum.WithLabelValues(from.String()).Dec()
		metrics.SessionNum.WithLabelValues(to.String()).Inc()
	}
	return snap, nil
}

// Remove 移除记录并停掉定时器，幂等。
// 返回被移除记录的快照；记录不存在时第二个返回值为 false。
func (r *Registry) Remove(id int64) (Record, bool) {
	r.mu.Lock()

	rec, ok := r.table[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, false
	}
	r.disarmTimerLocked(rec)
	delete(r.table, id)
	snap := rec.snapshot()
	r.mu.Unlock()

	metrics.SessionNum.WithLabelValues(snap.Mode.String()).Dec()
	if snap.Mode == ModeInGame {
		metrics.SessionInWorldNum.WithLabelValues(worldKey(snap.CurrentWorldID)).Dec()
	}
	return snap, true
}

// RemoveAllForWorld 移除绑定到指定世界的所有会话。
// 世界连接断开时调用；返回的快照由调用方逐个释放仲裁槽位。
func (r *Registry) RemoveAllForWorld(worldID int) []Record {
	r.mu.Lock()
	var removed []Record
	for id, rec := range r.table {
		if rec.CurrentWorldID != worldID && rec.PendingWorldID != worldID {
			continue
		}
		r.disarmTimerLocked(rec)
		delete(r.table, id)
		removed = append(removed, rec.snapshot())
	}
	r.mu.Unlock()

	for _, snap := range removed {
		metrics.SessionNum.WithLabelValues(snap.Mode.String()).Dec()
		if snap.Mode == ModeInGame {
			metrics.SessionInWorldNum.WithLabelValues(worldKey(snap.CurrentWorldID)).Dec()
		}
		if r.onEvict != nil {
			r.onEvict(snap, EvictWorldDown)
		}
	}
	return removed
}

// FinishedQueue 标记排队登录完成，刷新 LoginAt 并重置空闲定时器。
func (r *Registry) FinishedQueue(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.table[id]
	if !ok {
		return merr.WrapErrSessionNotFound(idKey(id))
	}
	rec.LoginAt = time.Now()
	r.armTimerLocked(rec)
	return nil
}

// AttachSession 重登录路径：为已有记录重新绑定传输句柄。
// InGame 记录不允许重绑，返回 ErrSessionInGame。
// 返回被替换的旧句柄（可能为 nil），由调用方在锁外关闭。
func (r *Registry) AttachSession(id int64, sess Session) (old Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.table[id]
	if !ok {
		return nil, merr.WrapErrSessionNotFound(idKey(id))
	}
	if rec.Mode == ModeInGame {
		return nil, merr.WrapErrSessionInGame(rec.DisplayName, rec.CurrentWorldID)
	}
	old = rec.Session
	rec.Session = sess
	r.armTimerLocked(rec)
	return old, nil
}

// Len 返回当前记录数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// armTimerLocked 取消现有定时器并安装新的。调用方必须持有表锁。
func (r *Registry) armTimerLocked(rec *Record) {
	r.disarmTimerLocked(rec)
	if r.idleTimeout <= 0 {
		return
	}
	rec.timerGen++
	gen := rec.timerGen
	id := rec.IdentityID
	rec.timer = time.AfterFunc(r.idleTimeout, func() {
		r.onIdleExpire(id, gen)
	})
}

// disarmTimerLocked 停掉现有定时器。Stop 失败也无妨：
// 已经触发的回调会因代数失配而放弃。
func (r *Registry) disarmTimerLocked(rec *Record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.timerGen++
}

// onIdleExpire 是空闲定时器回调。按键重新查找而不是持有记录指针，
// 记录已被移除或定时器已被替换时直接放弃，保证移除先于触发。
func (r *Registry) onIdleExpire(id int64, gen uint64) {
	r.mu.Lock()
	rec, ok := r.table[id]
	if !ok || rec.timerGen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.table, id)
	snap := rec.snapshot()
	r.mu.Unlock()

	metrics.SessionNum.WithLabelValues(snap.Mode.String()).Dec()
	metrics.SessionIdleExpiredTotal.Inc()
	metrics.SessionKickTotal.WithLabelValues(string(EvictIdle)).Inc()
	log.Warn("session evicted for idling",
		zap.Int64("identity", snap.IdentityID),
		zap.String("account", snap.DisplayName),
		zap.String("mode", snap.Mode.String()))

	if r.onEvict != nil {
		r.onEvict(snap, EvictIdle)
	}
}

func idKey(id int64) string {
	return "id:" + strconv.FormatInt(id, 10)
}

func worldKey(id int) string {
	return strconv.Itoa(id)
}
