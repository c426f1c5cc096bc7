// Package server 实现认证监听：接受 TCP 连接，按长度前缀取帧，
// 交给权威门面的操作码处理表。每个连接一个协程串行处理，
// 保证同一连接上的帧按序执行。
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/authority"
	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/wire"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
	"github.com/lk2023060901/auth-garden-go/pkg/util/typeutil"
)

// Server 认证 TCP 监听器。
type Server struct {
	cfg    config.ServerConfig
	facade *authority.Facade
	disp   *wire.Dispatcher
	framer *wire.Framer

	ln        net.Listener
	conns     *typeutil.ConcurrentSet[*conn]
	closeOnce sync.Once
}

// New 创建监听器并绑定门面的操作码处理表。
func New(cfg config.ServerConfig, facade *authority.Facade) (*Server, error) {
	disp := wire.NewDispatcher(wire.AuthMaxOpcode)
	if err := facade.Bind(disp); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		facade: facade,
		disp:   disp,
		framer: wire.NewFramer(cfg.MaxPayloadSize),
		ln:     ln,
		conns:  typeutil.NewConcurrentSet[*conn](),
	}, nil
}

// Dispatcher 返回认证入站调度器。世界链路复用同一张操作码表，
// 世界侧的确认与离场帧与客户端帧走同一套处理函数。
func (s *Server) Dispatcher() *wire.Dispatcher {
	return s.disp
}

// Addr 返回实际监听地址。
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve 进入接受循环，直到 ctx 取消或监听器关闭。
// 返回前等待全部连接协程退出。
func (s *Server) Serve(ctx context.Context) error {
	log.Info("auth listener started", zap.String("addr", s.Addr()))

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		raw, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func(raw net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, raw)
		}(raw)
	}
}

// Close 关闭监听器并断开全部存活连接，幂等。
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
		s.conns.Range(func(c *conn) bool {
			_ = c.Close()
			return true
		})
	})
}

func (s *Server) handleConnection(ctx context.Context, raw net.Conn) {
	c := &conn{
		raw:          raw,
		framer:       s.framer,
		writeTimeout: s.cfg.WriteTimeout,
	}
	cs := &authority.ConnState{Session: c}
	ctx = authority.WithConn(ctx, cs)
	s.conns.Insert(c)
	log.Debug("connection accepted", zap.String("peer", c.RemoteAddr()))

	defer func() {
		s.conns.TryRemove(c)
		s.facade.Disconnect(cs)
		_ = c.Close()
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = raw.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		payload, err := s.framer.ReadFrame(raw)
		if err != nil {
			log.Debug("connection read ended",
				zap.String("peer", c.RemoteAddr()), zap.Error(err))
			return
		}
		if err := s.disp.Dispatch(ctx, payload); err != nil {
			// 越界操作码立即断开；处理函数内部的业务错误已各自回复。
			if errors.Is(err, merr.ErrWireOpcodeOutOfRange) {
				log.Warn("closing connection on out-of-range opcode",
					zap.String("peer", c.RemoteAddr()))
				return
			}
			log.Warn("frame handling failed",
				zap.String("peer", c.RemoteAddr()), zap.Error(err))
		}
	}
}

// conn 把一条 TCP 连接适配成注册表持有的会话句柄。
// 写入串行化，越过帧上限的载荷由 Framer 拒绝。
type conn struct {
	raw          net.Conn
	framer       *wire.Framer
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.framer.WriteFrame(c.raw, payload)
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.raw.Close()
	})
	return nil
}

func (c *conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
