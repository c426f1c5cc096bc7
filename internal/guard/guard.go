package guard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
	"github.com/lk2023060901/auth-garden-go/pkg/util/typeutil"
)

// result 是一次仲裁请求的终态。
type result struct {
	token  int64
	reason int32
	err    error
}

// waiter 在等待表里代表一个在途请求。
// done 缓冲为 1，应答方写入后即可退出，不依赖接收方。
type waiter struct {
	done chan result
}

// KickFunc 处理仲裁服务主动推送的踢人命令。
type KickFunc func(identity int64)

// Guard 是跨分片 IP 会话仲裁的客户端。
// 保证同一身份同一时刻至多一个在途请求（等待表原子去重），
// 链路断开时所有在途请求立即失败，不做重放。
type Guard struct {
	link Transport

	// waiting 身份 -> 在途请求。插入必须是原子的 insert-if-absent。
	waiting *typeutil.ConcurrentMap[int64, *waiter]

	// tokens 身份 -> 已持有的槽位令牌。
	tokens *typeutil.ConcurrentMap[int64, int64]

	onKick KickFunc
}

// Option 配置 Guard。
type Option func(*Guard)

// WithKickFunc 设置仲裁踢人命令的处理函数。
func WithKickFunc(fn KickFunc) Option {
	return func(g *Guard) {
		g.onKick = fn
	}
}

// New 创建仲裁客户端。
// 调用方需将 Bind 注册到链路的调度器，并把 FailAllWaiting
// 挂到链路的 OnDown 回调上。
func New(link Transport, opts ...Option) *Guard {
	g := &Guard{
		link:    link,
		waiting: typeutil.NewConcurrentMap[int64, *waiter](),
		tokens:  typeutil.NewConcurrentMap[int64, int64](),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind 把应答处理函数注册到链路调度器。
func (g *Guard) Bind(d *wire.Dispatcher) error {
	if err := d.Register(wire.OpGuardGranted, g.handleGranted); err != nil {
		return err
	}
	if err := d.Register(wire.OpGuardDenied, g.handleDenied); err != nil {
		return err
	}
	if err := d.Register(wire.OpGuardKick, g.handleKick); err != nil {
		return err
	}
	return d.Register(wire.OpGuardChargeAck, g.handleChargeAck)
}

// Acquire 为身份申请跨分片并发槽位。
// 同一身份已有在途请求时返回 ErrGuardWaiting；
// 链路断开时同步返回 ErrGuardUnavailable，等待表不留残项。
// 成功返回仲裁签发的令牌。
func (g *Guard) Acquire(ctx context.Context, identity int64, origin string) (int64, error) {
	w := &waiter{done: make(chan result, 1)}
	if _, exists := g.waiting.GetOrInsert(identity, w); exists {
		metrics.GuardRequestTotal.WithLabelValues("acquire", "already_waiting").Inc()
		return 0, merr.WrapErrGuardWaiting(identity)
	}
	metrics.GuardWaitingNum.Inc()

	payload := wire.NewWriter(wire.OpGuardAcquire).
		WriteInt64(identity).
		WriteString(origin).
		Bytes()
	if err := g.link.Send(payload); err != nil {
		g.dropWaiter(identity)
		metrics.GuardRequestTotal.WithLabelValues("acquire", "link_down").Inc()
		return 0, merr.WrapErrGuardUnavailable(origin, err.Error())
	}

	select {
	case res := <-w.done:
		if res.err != nil {
			metrics.GuardRequestTotal.WithLabelValues("acquire", "failed").Inc()
			return 0, res.err
		}
		if res.token == 0 {
			metrics.GuardRequestTotal.WithLabelValues("acquire", "denied").Inc()
			return 0, merr.WrapErrGuardDenied(identity, res.reason)
		}
		metrics.GuardRequestTotal.WithLabelValues("acquire", "granted").Inc()
		return res.token, nil
	case <-ctx.Done():
		g.dropWaiter(identity)
		metrics.GuardRequestTotal.WithLabelValues("acquire", "canceled").Inc()
		return 0, ctx.Err()
	}
}

// Release 释放槽位令牌，发后即忘，无投递保证。
func (g *Guard) Release(token int64) {
	if token == 0 {
		return
	}
	payload := wire.NewWriter(wire.OpGuardRelease).WriteInt64(token).Bytes()
	if err := g.link.Send(payload); err != nil {
		// 链路断开时仲裁侧会按超时回收被遗弃的槽位。
		log.Debug("guard release dropped, link down", zap.Int64("token", token))
		return
	}
	metrics.GuardRequestTotal.WithLabelValues("release", "sent").Inc()
}

// PutToken 记录身份持有的令牌，insert-if-absent。
// 竞争失败（已有令牌在表中）时释放新令牌并返回 false。
func (g *Guard) PutToken(identity, token int64) bool {
	if _, exists := g.tokens.GetOrInsert(identity, token); exists {
		g.Release(token)
		return false
	}
	return true
}

// DropToken 取出并移除身份持有的令牌，幂等。
func (g *Guard) DropToken(identity int64) (int64, bool) {
	return g.tokens.GetAndRemove(identity)
}

// StartCharge 通知仲裁开始计费，发后即忘。
func (g *Guard) StartCharge(identity int64, worldID int) {
	g.sendCharge(wire.OpGuardStartCharge, identity, int64(worldID))
}

// StopCharge 通知仲裁停止计费，发后即忘。
func (g *Guard) StopCharge(identity int64) {
	g.sendCharge(wire.OpGuardStopCharge, identity, 0)
}

// ReadyCharge 通知仲裁计费预备完成，发后即忘。
func (g *Guard) ReadyCharge(identity int64) {
	g.sendCharge(wire.OpGuardReadyCharge, identity, 0)
}

// ConfirmStartTime 向仲裁确认计费起始时间，发后即忘。
func (g *Guard) ConfirmStartTime(identity int64, startedAt time.Time) {
	g.sendCharge(wire.OpGuardConfirmStartTime, identity, startedAt.Unix())
}

func (g *Guard) sendCharge(op wire.Opcode, identity int64, arg int64) {
	payload := wire.NewWriter(op).WriteInt64(identity).WriteInt64(arg).Bytes()
	if err := g.link.Send(payload); err != nil {
		log.Debug("guard charge message dropped, link down",
			zap.Uint8("opcode", byte(op)), zap.Int64("identity", identity))
		return
	}
	metrics.GuardRequestTotal.WithLabelValues(op.String(), "sent").Inc()
}

// FailAllWaiting 在链路断开时把所有在途请求立即失败回去。
// 断开期间的请求不重放。
func (g *Guard) FailAllWaiting() {
	for _, identity := range g.waiting.Keys() {
		w, ok := g.waiting.GetAndRemove(identity)
		if !ok {
			continue
		}
		metrics.GuardWaitingNum.Dec()
		w.done <- result{err: merr.WrapErrGuardUnavailable("", "link lost")}
	}
}

// WaitingLen 返回等待表当前大小，仅用于测试与指标。
func (g *Guard) WaitingLen() int {
	return g.waiting.Len()
}

func (g *Guard) dropWaiter(identity int64) {
	if _, ok := g.waiting.GetAndRemove(identity); ok {
		metrics.GuardWaitingNum.Dec()
	}
}

// handleGranted 处理 Granted(identity, token) 应答。
func (g *Guard) handleGranted(ctx context.Context, r *wire.Reader) error {
	identity, err := r.ReadInt64()
	if err != nil {
		return err
	}
	token, err := r.ReadInt64()
	if err != nil {
		return err
	}

	w, ok := g.waiting.GetAndRemove(identity)
	if !ok {
		// 迟到的应答：请求方已超时离开，令牌直接退回。
		log.Debug("granted reply for absent waiter, releasing",
			zap.Int64("identity", identity), zap.Int64("token", token))
		g.Release(token)
		return nil
	}
	metrics.GuardWaitingNum.Dec()
	w.done <- result{token: token}
	return nil
}

// handleDenied 处理 Denied(identity, reason) 应答。
func (g *Guard) handleDenied(ctx context.Context, r *wire.Reader) error {
	identity, err := r.ReadInt64()
	if err != nil {
		return err
	}
	reason, err := r.ReadInt32()
	if err != nil {
		return err
	}

	w, ok := g.waiting.GetAndRemove(identity)
	if !ok {
		return nil
	}
	metrics.GuardWaitingNum.Dec()
	w.done <- result{reason: reason}
	return nil
}

// handleKick 处理仲裁主动推送的踢人命令。
func (g *Guard) handleKick(ctx context.Context, r *wire.Reader) error {
	identity, err := r.ReadInt64()
	if err != nil {
		return err
	}
	log.Info("kick pushed by arbiter", zap.Int64("identity", identity))
	metrics.SessionKickTotal.WithLabelValues("arbiter").Inc()
	if g.onKick != nil {
		g.onKick(identity)
	}
	return nil
}

// handleChargeAck 处理计费类消息的确认，仅做日志。
func (g *Guard) handleChargeAck(ctx context.Context, r *wire.Reader) error {
	identity, err := r.ReadInt64()
	if err != nil {
		return err
	}
	log.Debug("charge message acknowledged", zap.Int64("identity", identity))
	return nil
}
