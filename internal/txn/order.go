package txn

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"time"

	"go.uber.org/atomic"
)

// OrderID 内容派生的 128 位订单号：md5(订单内容 || 进程内计数器)。
// 计数器在进程启动时以 2000 纪元起的墙钟秒数播种，每批订单递增一次，
// 因此同一内容的重复提交只有计数器不同。调用方重试提交前必须变更
// 上下文（至少让计数器前进），本包不做强制。
type OrderID [16]byte

var epoch2000 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var orderCounter = atomic.NewInt64(int64(time.Since(epoch2000) / time.Second))

func nextCounter() int64 {
	return orderCounter.Inc()
}

// NewOrderID 取一次计数器并派生订单号。
func NewOrderID(payload []byte) OrderID {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(nextCounter()))
	return md5.Sum(buf)
}

// Child 返回批内第 index 个子订单的订单号：
// 批订单号的低 32 位字加上 index+1，使子订单行在存储中数值相邻。
// 相邻性只是存储局部性提示，不承载正确性。
func (id OrderID) Child(index int) OrderID {
	out := id
	low := binary.LittleEndian.Uint32(out[0:4])
	binary.LittleEndian.PutUint32(out[0:4], low+uint32(index+1))
	return out
}

// String 返回 32 位十六进制编码，与存储层的 OrderID 列一致。
func (id OrderID) String() string {
	return hex.EncodeToString(id[:])
}
