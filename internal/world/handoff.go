package world

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/registry"
	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// Coordinator 决定会话能否交接到目标世界，并仲裁两个世界
// 同时认领同一身份的竞争：已在游戏中的会话获胜，过期确认方收到踢人命令。
type Coordinator struct {
	reg *registry.Registry
	dir *Directory
}

// NewCoordinator 创建世界交接协调器。
func NewCoordinator(reg *registry.Registry, dir *Directory) *Coordinator {
	return &Coordinator{reg: reg, dir: dir}
}

// RequestWorld 发起向 worldID 的交接。
// 重复请求用新目标覆盖旧的待确认目标；旧目标的确认从此按过期处理。
// 成功后向目标世界发出无投递保证的接收通知。
func (c *Coordinator) RequestWorld(id int64, worldID int) error {
	status, ok := c.dir.Get(worldID)
	if !ok {
		return merr.WrapErrWorldNotFound(worldID)
	}
	if !status.Up {
		return merr.WrapErrWorldDown(worldID)
	}

	rec, err := c.reg.Mutate(id, func(rec *registry.Record) error {
		switch rec.Mode {
		case registry.ModeLoggedIn:
			rec.Mode = registry.ModeAwaitingWorld
		case registry.ModeAwaitingWorld:
			// 覆盖旧的待确认目标。
		default:
			return merr.WrapErrSessionIllegalState(rec.DisplayName,
				rec.Mode.String(), registry.ModeAwaitingWorld.String())
		}
		rec.PendingWorldID = worldID
		rec.QueueEnteredAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	// 向目标世界预告会话：身份、显示名、计费标记。
	payload := wire.NewWriter(wire.OpPlayOK).
		WriteInt64(rec.IdentityID).
		WriteString(rec.DisplayName).
		WriteUint8(byte(rec.Billing)).
		Bytes()
	if err := c.dir.Send(worldID, payload); err != nil {
		// 发送失败不回滚待确认状态；确认超时由空闲定时器兜底。
		log.Warn("about-to-play notify dropped",
			zap.Int64("identity", id), zap.Int("worldID", worldID), zap.Error(err))
	}
	return nil
}

// ConfirmWorld 处理世界服务器的接收确认。
// 仅与待确认目标一致的确认使会话进入 InGame；
// 过期确认不改变记录，并向确认方世界发出踢人命令。
// 已在游戏中的会话遇到重复认领时同样保持原状（现存会话获胜）。
func (c *Coordinator) ConfirmWorld(id int64, worldID int) error {
	start := time.Now()

	rec, err := c.reg.Mutate(id, func(rec *registry.Record) error {
		if rec.Mode == registry.ModeInGame {
			// 现存会话获胜。
			return merr.WrapErrSessionStale(rec.DisplayName, rec.CurrentWorldID, worldID)
		}
		if rec.Mode != registry.ModeAwaitingWorld || rec.PendingWorldID != worldID {
			return merr.WrapErrSessionStale(rec.DisplayName, rec.PendingWorldID, worldID)
		}
		rec.Mode = registry.ModeInGame
		rec.CurrentWorldID = worldID
		rec.LastWorldID = worldID
		rec.PendingWorldID = 0
		return nil
	})
	if err != nil {
		if errors.Is(err, merr.ErrSessionStale) {
			c.kickFromWorld(id, worldID, "stale_confirm")
		}
		return err
	}

	elapsed := float64(time.Since(rec.QueueEnteredAt).Milliseconds())
	metrics.SessionHandoffLatency.WithLabelValues(worldLabel(worldID)).Observe(elapsed)
	metrics.SessionInWorldNum.WithLabelValues(worldLabel(worldID)).Inc()
	log.Info("session handed off to world",
		zap.Int64("identity", id),
		zap.Int("worldID", worldID),
		zap.Duration("took", time.Since(start)))
	return nil
}

// LeaveWorld 处理世界服务器的回大厅通知。
// 只有当前世界的通知有效；空闲定时器随之恢复。
func (c *Coordinator) LeaveWorld(id int64, worldID int) error {
	rec, err := c.reg.Mutate(id, func(rec *registry.Record) error {
		if rec.Mode != registry.ModeInGame || rec.CurrentWorldID != worldID {
			return merr.WrapErrSessionStale(rec.DisplayName, rec.CurrentWorldID, worldID)
		}
		rec.Mode = registry.ModeLoggedIn
		rec.LastWorldID = rec.CurrentWorldID
		rec.CurrentWorldID = 0
		return nil
	})
	if err != nil {
		return err
	}

	metrics.SessionInWorldNum.WithLabelValues(worldLabel(worldID)).Dec()
	log.Info("session returned to lobby",
		zap.Int64("identity", id), zap.Int("worldID", rec.LastWorldID))
	return nil
}

// Kick 向会话当前所在世界发出踢人命令。
// 世界离线时只做本地日志，调用方继续本地清理。
func (c *Coordinator) Kick(id int64) {
	rec, ok := c.reg.Lookup(id)
	if !ok || rec.Mode != registry.ModeInGame {
		return
	}
	c.kickFromWorld(id, rec.CurrentWorldID, "arbiter")
}

func (c *Coordinator) kickFromWorld(id int64, worldID int, label string) {
	metrics.SessionKickTotal.WithLabelValues(label).Inc()
	payload := wire.NewWriter(wire.OpKick).WriteInt64(id).Bytes()
	if err := c.dir.Send(worldID, payload); err != nil {
		log.Debug("kick to world dropped",
			zap.Int64("identity", id), zap.Int("worldID", worldID), zap.Error(err))
	}
}

func worldLabel(worldID int) string {
	return strconv.Itoa(worldID)
}
