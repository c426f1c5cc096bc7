package world

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// LinkConfig 世界链路的连接参数，各世界共用。
type LinkConfig struct {
	DialTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxPayloadSize   int
}

// Link 维护到单个世界服务器的持久 TCP 连接。
// 世界侧的确认与离场帧从这条链路进来，交给认证调度器处理；
// 接收预告与踢人命令从这条链路出去。
// 实现 registry.Session，可直接挂进世界目录。
type Link struct {
	world      config.WorldConfig
	cfg        LinkConfig
	framer     *wire.Framer
	dispatcher *wire.Dispatcher

	mu   sync.Mutex // 保护 conn 的写端
	conn net.Conn

	up atomic.Bool

	onUp   func(worldID int)
	onDown func(worldID int)

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// LinkOption 配置 Link。
type LinkOption func(*Link)

// WithUpFunc 设置链路建立后的回调。
func WithUpFunc(fn func(worldID int)) LinkOption {
	return func(l *Link) {
		l.onUp = fn
	}
}

// WithDownFunc 设置链路断开后的回调，
// 在读循环退出后、下一次重连前执行。
func WithDownFunc(fn func(worldID int)) LinkOption {
	return func(l *Link) {
		l.onDown = fn
	}
}

// NewLink 创建世界链路。入站帧交给 d（认证入站调度器）。
// 调用 Start 之前不会发起连接。
func NewLink(w config.WorldConfig, cfg LinkConfig, d *wire.Dispatcher, opts ...LinkOption) *Link {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	l := &Link{
		world:      w,
		cfg:        cfg,
		framer:     wire.NewFramer(cfg.MaxPayloadSize),
		dispatcher: d,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start 启动连接维护循环，随 ctx 取消而退出。
func (l *Link) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop 关闭链路并等待维护循环退出。
func (l *Link) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Up 返回链路当前是否可用。
func (l *Link) Up() bool {
	return l.up.Load()
}

// Send 发送一条载荷。链路断开时返回 ErrWorldDown。
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.up.Load() || l.conn == nil {
		return merr.WrapErrWorldDown(l.world.ID)
	}
	if err := l.framer.WriteFrame(l.conn, payload); err != nil {
		// 写失败视为链路故障，由读循环统一收尾。
		_ = l.conn.Close()
		return merr.WrapErrWorldDown(l.world.ID, err.Error())
	}
	return nil
}

// Close 关闭当前连接。维护循环未停止时会继续重连。
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	return nil
}

// RemoteAddr 返回配置的世界地址。
func (l *Link) RemoteAddr() string {
	return l.world.Addr
}

func (l *Link) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		conn, err := l.dial(ctx)
		if err != nil {
			return
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.up.Store(true)
		log.Info("world link established",
			zap.Int("worldID", l.world.ID), zap.String("addr", l.world.Addr))
		if l.onUp != nil {
			l.onUp(l.world.ID)
		}

		l.readLoop(ctx, conn)

		l.up.Store(false)
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()
		log.Warn("world link lost",
			zap.Int("worldID", l.world.ID), zap.String("addr", l.world.Addr))
		if l.onDown != nil {
			l.onDown(l.world.ID)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.ReconnectInitial
	bo.MaxInterval = l.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	var conn net.Conn
	operation := func() error {
		dialer := net.Dialer{Timeout: l.cfg.DialTimeout}
		c, err := dialer.DialContext(ctx, "tcp", l.world.Addr)
		if err != nil {
			log.Debug("world dial failed, will retry",
				zap.Int("worldID", l.world.ID), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Link) readLoop(ctx context.Context, conn net.Conn) {
	for {
		payload, err := l.framer.ReadFrame(conn)
		if err != nil {
			return
		}
		if err := l.dispatcher.Dispatch(ctx, payload); err != nil {
			if errors.Is(err, merr.ErrWireOpcodeOutOfRange) {
				return
			}
			log.Warn("world frame handler failed",
				zap.Int("worldID", l.world.ID), zap.Error(err))
		}
	}
}
