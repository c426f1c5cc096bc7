// Package authority 把会话注册表、并发仲裁、世界交接与交易管理
// 组合成认证监听的操作码处理表。
package authority

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/guard"
	"github.com/lk2023060901/auth-garden-go/internal/registry"
	"github.com/lk2023060901/auth-garden-go/internal/store"
	"github.com/lk2023060901/auth-garden-go/internal/txn"
	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/internal/world"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// 购买请求的交易形态字节。
const (
	purchaseMicro byte = iota
	purchaseGame
	purchaseMulti
)

// Facade 认证权威门面。guard 为 nil 时是单机模式，登录不经仲裁。
type Facade struct {
	registry *registry.Registry
	guard    *guard.Guard
	dir      *world.Directory
	worlds   *world.Coordinator
	txn      *txn.Manager
	gateway  store.Gateway
}

// New 创建门面。注册表由门面自建，空闲逐出回调指向门面的清退逻辑。
func New(cfg config.RegistryConfig, dir *world.Directory, g *guard.Guard, mgr *txn.Manager, gw store.Gateway) *Facade {
	f := &Facade{
		guard:   g,
		dir:     dir,
		txn:     mgr,
		gateway: gw,
	}
	f.registry = registry.New(cfg.IdleTimeout,
		registry.WithEvictFunc(f.onEvict),
		registry.WithMaxSessions(cfg.MaxSessions))
	f.worlds = world.NewCoordinator(f.registry, dir)
	return f
}

// Registry 暴露内部注册表，供连接层与测试使用。
func (f *Facade) Registry() *registry.Registry {
	return f.registry
}

// Bind 在调度器上注册全部认证入站操作码。
func (f *Facade) Bind(d *wire.Dispatcher) error {
	return merr.Combine(
		d.Register(wire.OpLogin, f.handleLogin),
		d.Register(wire.OpWorldList, f.handleWorldList),
		d.Register(wire.OpAboutToPlay, f.handleAboutToPlay),
		d.Register(wire.OpWorldConfirm, f.handleWorldConfirm),
		d.Register(wire.OpWorldLeave, f.handleWorldLeave),
		d.Register(wire.OpLogout, f.handleLogout),
		d.Register(wire.OpTouch, f.handleTouch),
		d.Register(wire.OpPurchase, f.handlePurchase),
		d.Register(wire.OpRecover, f.handleRecover),
	)
}

// handleLogin 处理登录：装载账号行，先占注册表名额，再按计费类型
// 征询仲裁；任一步失败都以单条回复帧收尾，不留半成品状态。
func (f *Facade) handleLogin(ctx context.Context, r *wire.Reader) error {
	cs, ok := ConnFrom(ctx)
	if !ok {
		return merr.WrapErrParameterInvalidMsg("login frame without connection state")
	}
	name, err := r.ReadString()
	if err != nil {
		return err
	}

	account, err := f.gateway.LoadAccount(ctx, name)
	if err != nil {
		f.replyLogin(cs, wire.ReasonOf(err), 0, 0)
		return nil
	}
	if account.Blocked {
		f.replyLogin(cs, wire.ReasonKicked, 0, 0)
		return nil
	}
	id := account.IdentityID
	billing := registry.Billing(account.Billing)

	if _, err := f.registry.Register(id, account.Name, cs.Session, billing); err != nil {
		if errors.Is(err, merr.ErrSessionDuplicate) {
			return f.relogin(cs, id, billing)
		}
		f.replyLogin(cs, wire.ReasonOf(err), 0, 0)
		return nil
	}

	var token int64
	if f.metered(billing) {
		token, err = f.guard.Acquire(ctx, id, cs.Session.RemoteAddr())
		if err != nil {
			f.registry.Remove(id)
			metrics.SessionLoginTotal.WithLabelValues("guard_reject").Inc()
			f.replyLogin(cs, wire.ReasonOf(err), 0, 0)
			return nil
		}
		f.guard.PutToken(id, token)
		f.guard.ConfirmStartTime(id, time.Now())
		// 仲裁等待期间不算空闲。
		if err := f.registry.FinishedQueue(id); err != nil {
			log.Warn("finished-queue after guard grant failed",
				zap.Int64("identity", id), zap.Error(err))
		}
	}

	if _, err := f.registry.Mutate(id, func(rec *registry.Record) error {
		rec.Mode = registry.ModeLoggedIn
		rec.GuardToken = token
		return nil
	}); err != nil {
		// 等待仲裁期间记录被并发移除，按失败登录收尾。
		if token != 0 {
			f.guard.DropToken(id)
			f.guard.Release(token)
		}
		f.replyLogin(cs, wire.ReasonOf(err), 0, 0)
		return nil
	}

	cs.Identity.Store(id)
	metrics.SessionLoginTotal.WithLabelValues("success").Inc()
	log.Info("session logged in",
		zap.Int64("identity", id),
		zap.String("account", account.Name),
		zap.String("from", cs.Session.RemoteAddr()))
	f.replyLogin(cs, wire.ReasonOK, id, byte(billing))
	return nil
}

// relogin 重绑已有记录的套接字。InGame 的记录拒绝重绑：
// 现存会话获胜，调用方必须先显式踢掉旧会话。
func (f *Facade) relogin(cs *ConnState, id int64, billing registry.Billing) error {
	old, err := f.registry.AttachSession(id, cs.Session)
	if err != nil {
		metrics.SessionLoginTotal.WithLabelValues("already_playing").Inc()
		f.replyLogin(cs, wire.ReasonOf(err), 0, 0)
		return nil
	}
	if old != nil && old != cs.Session {
		_ = old.Close()
	}
	cs.Identity.Store(id)
	metrics.SessionLoginTotal.WithLabelValues("relogin").Inc()
	log.Info("session rebound",
		zap.Int64("identity", id), zap.String("from", cs.Session.RemoteAddr()))
	f.replyLogin(cs, wire.ReasonOK, id, byte(billing))
	return nil
}

func (f *Facade) handleWorldList(ctx context.Context, r *wire.Reader) error {
	cs, ok := ConnFrom(ctx)
	if !ok {
		return merr.WrapErrParameterInvalidMsg("world-list frame without connection state")
	}
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}

	var lastWorldID int
	if rec, ok := f.registry.Lookup(id); ok {
		lastWorldID = rec.LastWorldID
		_ = f.registry.Touch(id)
	}

	worlds := f.dir.List()
	w := wire.NewWriter(wire.OpWorldListResult).
		WriteUint8(byte(wire.ReasonOK)).
		WriteUint8(byte(lastWorldID)).
		WriteUint8(byte(len(worlds)))
	for _, st := range worlds {
		up := byte(0)
		if st.Up {
			up = 1
		}
		w.WriteUint8(byte(st.ID)).
			WriteString(st.Name).
			WriteUint8(up).
			WriteInt32(int32(st.MaxUsers))
	}
	f.reply(cs, w.Bytes())
	return nil
}

func (f *Facade) handleAboutToPlay(ctx context.Context, r *wire.Reader) error {
	cs, ok := ConnFrom(ctx)
	if !ok {
		return merr.WrapErrParameterInvalidMsg("about-to-play frame without connection state")
	}
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}
	worldID, err := r.ReadByte()
	if err != nil {
		return err
	}

	reqErr := f.worlds.RequestWorld(id, int(worldID))
	if reqErr == nil {
		if rec, ok := f.registry.Lookup(id); ok && f.metered(rec.Billing) {
			f.guard.ReadyCharge(id)
		}
	}
	f.reply(cs, wire.NewWriter(wire.OpPlayOK).
		WriteUint8(byte(wire.ReasonOf(reqErr))).
		WriteUint8(worldID).
		Bytes())
	return nil
}

// handleWorldConfirm 世界服务器确认接收会话。过期确认由交接协调器
// 拒绝并反向踢人，这里不再回复确认方。
func (f *Facade) handleWorldConfirm(ctx context.Context, r *wire.Reader) error {
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}
	worldID, err := r.ReadByte()
	if err != nil {
		return err
	}

	if err := f.worlds.ConfirmWorld(id, int(worldID)); err != nil {
		return err
	}
	if rec, ok := f.registry.Lookup(id); ok && f.metered(rec.Billing) {
		f.guard.StartCharge(id, int(worldID))
	}
	return nil
}

func (f *Facade) handleWorldLeave(ctx context.Context, r *wire.Reader) error {
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}
	worldID, err := r.ReadByte()
	if err != nil {
		return err
	}

	if err := f.worlds.LeaveWorld(id, int(worldID)); err != nil {
		return err
	}
	if rec, ok := f.registry.Lookup(id); ok && f.metered(rec.Billing) {
		f.guard.StopCharge(id)
	}
	return nil
}

func (f *Facade) handleLogout(ctx context.Context, r *wire.Reader) error {
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}
	f.Logout(id)
	return nil
}

func (f *Facade) handleTouch(ctx context.Context, r *wire.Reader) error {
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}
	return f.registry.Touch(id)
}

// handlePurchase 解析购买请求并异步提交，落库完成后回一条结果帧。
func (f *Facade) handlePurchase(ctx context.Context, r *wire.Reader) error {
	cs, ok := ConnFrom(ctx)
	if !ok {
		return merr.WrapErrParameterInvalidMsg("purchase frame without connection state")
	}
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}
	shape, err := r.ReadByte()
	if err != nil {
		return err
	}
	worldID, err := r.ReadByte()
	if err != nil {
		return err
	}
	entityID, err := r.ReadInt64()
	if err != nil {
		return err
	}
	operator, err := r.ReadByte()
	if err != nil {
		return err
	}
	count, err := r.ReadByte()
	if err != nil {
		return err
	}

	if _, ok := f.registry.Lookup(id); !ok {
		f.replyPurchase(cs, wire.ReasonNoLoginInfo, "")
		return nil
	}
	_ = f.registry.Touch(id)

	reqs := make([]txn.Request, 0, count)
	for i := 0; i < int(count); i++ {
		sku, err := r.ReadString()
		if err != nil {
			return err
		}
		qty, err := r.ReadInt32()
		if err != nil {
			return err
		}
		reqs = append(reqs, txn.Request{
			IdentityID:        id,
			WorldID:           int(worldID),
			EntityID:          entityID,
			SKU:               sku,
			Quantity:          qty,
			OperatorInitiated: operator != 0,
		})
	}

	cb := func(orderID txn.OrderID, err error) {
		if err != nil {
			f.replyPurchase(cs, wire.ReasonOf(err), "")
			return
		}
		f.replyPurchase(cs, wire.ReasonOK, orderID.String())
	}

	var submitErr error
	switch {
	case shape == purchaseMicro && len(reqs) == 1:
		_, submitErr = f.txn.SubmitMicro(reqs[0], cb)
	case shape == purchaseGame && len(reqs) == 1:
		_, submitErr = f.txn.SubmitGame(reqs[0], cb)
	case shape == purchaseMulti && len(reqs) > 0:
		_, submitErr = f.txn.SubmitMultiGame(reqs, cb)
	default:
		submitErr = merr.WrapErrTxnMalformed("shape/item count mismatch")
	}
	if submitErr != nil {
		f.replyPurchase(cs, wire.ReasonOf(submitErr), "")
	}
	return nil
}

// handleRecover 按世界与实体重放仍未确认的订单，
// 发放帧逐条推给归属世界，最后给请求方汇总结果。
func (f *Facade) handleRecover(ctx context.Context, r *wire.Reader) error {
	cs, ok := ConnFrom(ctx)
	if !ok {
		return merr.WrapErrParameterInvalidMsg("recover frame without connection state")
	}
	worldID, err := r.ReadByte()
	if err != nil {
		return err
	}
	entityID, err := r.ReadInt64()
	if err != nil {
		return err
	}

	n, err := f.txn.RecoverFor(ctx, int(worldID), entityID, f.replayGrant)
	f.reply(cs, wire.NewWriter(wire.OpRecoverResult).
		WriteUint8(byte(wire.ReasonOf(err))).
		WriteUint16(uint16(n)).
		Bytes())
	return nil
}

// RecoverAll 启动时重放全部未确认订单。
func (f *Facade) RecoverAll(ctx context.Context) (int, error) {
	return f.txn.Recover(ctx, f.replayGrant)
}

func (f *Facade) replayGrant(ctx context.Context, row store.TxnRow) error {
	payload := wire.NewWriter(wire.OpRecoverResult).
		WriteInt64(row.EntityID).
		WriteString(row.OrderID).
		WriteString(row.SKU).
		WriteInt32(row.Granted).
		Bytes()
	return f.dir.Send(row.WorldID, payload)
}

// Logout 移除会话并清退其持有的资源。重复调用无害。
func (f *Facade) Logout(id int64) {
	rec, ok := f.registry.Remove(id)
	if !ok {
		return
	}
	f.retire(rec)
	log.Info("session logged out", zap.Int64("identity", id))
}

// Disconnect 连接层在套接字关闭时调用。
func (f *Facade) Disconnect(cs *ConnState) {
	if id := cs.Identity.Load(); id != 0 {
		f.Logout(id)
	}
}

// KickByArbiter 处理仲裁推送的踢人命令：InGame 会话先通知所在世界，
// 然后移除记录、清退资源并断开客户端。
func (f *Facade) KickByArbiter(id int64) {
	if rec, ok := f.registry.Lookup(id); ok && rec.Mode == registry.ModeInGame {
		f.worlds.Kick(id)
	}
	rec, ok := f.registry.Remove(id)
	if !ok {
		return
	}
	f.retire(rec)
	f.kickSession(rec, wire.ReasonKicked)
	log.Info("session kicked by arbiter", zap.Int64("identity", id))
}

// WorldUp 标记世界上线并绑定其链路。
func (f *Facade) WorldUp(worldID int, link registry.Session) error {
	return f.dir.SetUp(worldID, link)
}

// WorldDown 标记世界下线并逐出其名下全部会话。
func (f *Facade) WorldDown(worldID int) {
	f.dir.SetDown(worldID)
	evicted := f.registry.RemoveAllForWorld(worldID)
	if len(evicted) > 0 {
		log.Warn("world down, sessions evicted",
			zap.Int("worldID", worldID), zap.Int("count", len(evicted)))
	}
}

// onEvict 注册表逐出回调：清退资源并通知客户端。
func (f *Facade) onEvict(rec registry.Record, reason registry.EvictReason) {
	f.retire(rec)
	switch reason {
	case registry.EvictWorldDown:
		metrics.SessionKickTotal.WithLabelValues("world_down").Inc()
		f.kickSession(rec, wire.ReasonServerDown)
	default:
		metrics.SessionKickTotal.WithLabelValues("idle").Inc()
		f.kickSession(rec, wire.ReasonKicked)
	}
}

// retire 释放仲裁槽位并异地写登出审计。记录已从注册表移除，
// 这里只处理记录快照上残留的资源。
func (f *Facade) retire(rec registry.Record) {
	if f.guard != nil {
		if token, ok := f.guard.DropToken(rec.IdentityID); ok {
			f.guard.Release(token)
		}
		if f.metered(rec.Billing) {
			f.guard.StopCharge(rec.IdentityID)
		}
	}

	// 审计写入是阻塞调用，移出调用方的定时器与处理协程。
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.gateway.RecordLogout(ctx, rec.IdentityID, rec.LoginAt, time.Now(), rec.LastWorldID); err != nil {
			log.Warn("logout audit write failed",
				zap.Int64("identity", rec.IdentityID), zap.Error(err))
		}
	}()
}

func (f *Facade) kickSession(rec registry.Record, reason wire.Reason) {
	if rec.Session == nil {
		return
	}
	payload := wire.NewWriter(wire.OpKick).WriteUint8(byte(reason)).Bytes()
	if err := rec.Session.Send(payload); err != nil {
		log.Debug("kick notify dropped",
			zap.Int64("identity", rec.IdentityID), zap.Error(err))
	}
	_ = rec.Session.Close()
}

func (f *Facade) metered(b registry.Billing) bool {
	return f.guard != nil && b.Metered()
}

func (f *Facade) replyLogin(cs *ConnState, reason wire.Reason, id int64, billing byte) {
	f.reply(cs, wire.NewWriter(wire.OpLoginResult).
		WriteUint8(byte(reason)).
		WriteInt64(id).
		WriteUint8(billing).
		Bytes())
}

func (f *Facade) replyPurchase(cs *ConnState, reason wire.Reason, orderID string) {
	f.reply(cs, wire.NewWriter(wire.OpPurchaseResult).
		WriteUint8(byte(reason)).
		WriteString(orderID).
		Bytes())
}

func (f *Facade) reply(cs *ConnState, payload []byte) {
	if err := cs.Session.Send(payload); err != nil {
		log.Debug("reply dropped",
			zap.String("peer", cs.Session.RemoteAddr()), zap.Error(err))
	}
}
