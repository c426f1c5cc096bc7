package authority

import (
	"context"

	"go.uber.org/atomic"

	"github.com/lk2023060901/auth-garden-go/internal/registry"
)

// ConnState 一条认证连接的生命周期状态，由连接层创建并随
// context 传入各处理函数。Identity 在登录成功前为 0。
type ConnState struct {
	Session  registry.Session
	Identity atomic.Int64
}

type ctxKey struct{}

// WithConn 把连接状态放入 context。
func WithConn(ctx context.Context, cs *ConnState) context.Context {
	return context.WithValue(ctx, ctxKey{}, cs)
}

// ConnFrom 取出随 context 传入的连接状态。
func ConnFrom(ctx context.Context) (*ConnState, bool) {
	cs, ok := ctx.Value(ctxKey{}).(*ConnState)
	return cs, ok
}
