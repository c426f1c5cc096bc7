package guard

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// Transport 是 Guard 发送请求使用的链路抽象。
// 真实实现为 Link；测试中用假链路替代。
type Transport interface {
	// Send 发送一条载荷。链路断开时返回 ErrGuardLinkDown。
	Send(payload []byte) error
	// Up 返回链路当前是否可用。
	Up() bool
}

// LinkConfig 仲裁链路配置。
type LinkConfig struct {
	Addr             string
	DialTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxPayloadSize   int
}

// Link 维护到 IP 会话仲裁服务的持久 TCP 连接：
// 断线后按退避间隔重连，入站帧交给调度器处理。
type Link struct {
	cfg        LinkConfig
	framer     *wire.Framer
	dispatcher *wire.Dispatcher

	mu   sync.Mutex // 保护 conn 的写端
	conn net.Conn

	up atomic.Bool

	onUp   func()
	onDown func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// LinkOption 配置 Link。
type LinkOption func(*Link)

// WithOnUp 设置链路建立后的回调。
func WithOnUp(fn func()) LinkOption {
	return func(l *Link) {
		l.onUp = fn
	}
}

// WithOnDown 设置链路断开后的回调。
// 回调在读循环退出后、下一次重连前执行。
func WithOnDown(fn func()) LinkOption {
	return func(l *Link) {
		l.onDown = fn
	}
}

// NewLink 创建仲裁链路。调用 Start 之前不会发起连接。
func NewLink(cfg LinkConfig, opts ...LinkOption) *Link {
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
		cfg:        cfg,
		framer:     wire.NewFramer(cfg.MaxPayloadSize),
		dispatcher: wire.NewDispatcher(wire.GuardMaxOpcode),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dispatcher 返回入站帧调度器，供 Guard 注册应答处理函数。
func (l *Link) Dispatcher() *wire.Dispatcher {
	return l.dispatcher
}

// Start 启动连接维护循环。循环随 ctx 取消而退出。
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

// Send 发送一条载荷。链路断开时同步返回 ErrGuardLinkDown。
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.up.Load() || l.conn == nil {
		return merr.ErrGuardLinkDown
	}
	if err := l.framer.WriteFrame(l.conn, payload); err != nil {
		// 写失败视为链路故障，由读循环统一收尾。
		_ = l.conn.Close()
		return merr.WrapErrGuardUnavailable(l.cfg.Addr, err.Error())
	}
	return nil
}

func (l *Link) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		conn, err := l.dial(ctx)
		if err != nil {
			// dial 只会因 ctx 取消而失败。
			return
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.up.Store(true)
		metrics.GuardLinkUp.Set(1)
		log.Info("guard link established", zap.String("addr", l.cfg.Addr))
		if l.onUp != nil {
			l.onUp()
		}

		l.readLoop(ctx, conn)

		l.up.Store(false)
		metrics.GuardLinkUp.Set(0)
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()
		log.Warn("guard link lost", zap.String("addr", l.cfg.Addr))
		if l.onDown != nil {
			l.onDown()
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dial 按指数退避重试连接，直到成功或 ctx 取消。
func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.ReconnectInitial
	bo.MaxInterval = l.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	var conn net.Conn
	operation := func() error {
		dialer := net.Dialer{Timeout: l.cfg.DialTimeout}
		c, err := dialer.DialContext(ctx, "tcp", l.cfg.Addr)
		if err != nil {
			metrics.GuardReconnectTotal.Inc()
			log.Debug("guard dial failed, will retry",
				zap.String("addr", l.cfg.Addr), zap.Error(err))
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
				// 协议外的操作码：关闭连接，交给重连逻辑。
				return
			}
			log.Warn("guard frame handler failed", zap.Error(err))
		}
	}
}
