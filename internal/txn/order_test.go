package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderIDUnique(t *testing.T) {
	payload := []byte("identical payload")
	seen := make(map[string]struct{})

	// 相同内容连续签发也必须得到不同订单号（计数器在变）。
	for i := 0; i < 1000; i++ {
		id := NewOrderID(payload)
		key := id.String()
		_, dup := seen[key]
		require.False(t, dup, "duplicate order id %s", key)
		seen[key] = struct{}{}
	}

	// 不同内容同样互不碰撞。
	for i := 0; i < 1000; i++ {
		id := NewOrderID([]byte{byte(i), byte(i >> 8)})
		key := id.String()
		_, dup := seen[key]
		require.False(t, dup, "duplicate order id %s", key)
		seen[key] = struct{}{}
	}
}

func TestOrderIDChildAdjacency(t *testing.T) {
	batch := NewOrderID([]byte("batch"))
	c0 := batch.Child(0)
	c1 := batch.Child(1)

	assert.NotEqual(t, batch, c0)
	assert.NotEqual(t, c0, c1)
	// 仅低位字不同，其余字节保持批订单号不变。
	assert.Equal(t, batch[4:], c0[4:])
	assert.Equal(t, batch[4:], c1[4:])
}

func TestOrderIDString(t *testing.T) {
	id := NewOrderID([]byte("x"))
	assert.Len(t, id.String(), 32)
}
