package wire

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// Handler 处理一条已经剥离帧头的载荷。
// reader 的操作码字节已被消费。
type Handler func(ctx context.Context, r *Reader) error

// Dispatcher 维护操作码到 Handler 的映射。
// 操作码大于等于 max 的帧会被拒绝，调用方应随即关闭连接。
type Dispatcher struct {
	handlers []Handler
	max      Opcode
}

// NewDispatcher 创建一个操作码上限为 max（不含）的调度器。
func NewDispatcher(max Opcode) *Dispatcher {
	return &Dispatcher{
		handlers: make([]Handler, int(max)),
		max:      max,
	}
}

// Register 为操作码 op 注册处理函数。
// 同一操作码不允许重复注册。
func (d *Dispatcher) Register(op Opcode, h Handler) error {
	if op >= d.max {
		return merr.WrapErrWireOpcodeOutOfRange(byte(op), byte(d.max))
	}
	if d.handlers[op] != nil {
		return merr.WrapErrParameterInvalidMsg("duplicate handler for opcode %d", op)
	}
	d.handlers[op] = h
	return nil
}

// Dispatch 解析载荷的操作码并调用对应的处理函数。
// 返回 ErrWireOpcodeOutOfRange 时调用方必须关闭连接。
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) error {
	r := NewReader(payload)
	op, err := r.Opcode()
	if err != nil {
		return err
	}

	if op >= d.max || d.handlers[op] == nil {
		metrics.WireRejectedOpcodes.Inc()
		log.Ctx(ctx).Warn("rejected frame with out-of-range opcode",
			zap.Uint8("opcode", byte(op)),
			zap.Uint8("max", byte(d.max)))
		return merr.WrapErrWireOpcodeOutOfRange(byte(op), byte(d.max))
	}

	metrics.WireFramesTotal.WithLabelValues(op.String()).Inc()
	return d.handlers[op](ctx, r)
}
