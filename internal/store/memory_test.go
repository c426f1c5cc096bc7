package store

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

func txnRow(orderID string, state TxnState) TxnRow {
	return TxnRow{
		OrderID:    orderID,
		IdentityID: 42,
		WorldID:    1,
		SKU:        "sku.points.100",
		Shape:      "micro",
		Granted:    100,
		State:      state,
		CreatedAt:  time.Now(),
	}
}

func TestLoadAccount(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	g.PutAccount(AccountRow{IdentityID: 42, Name: "alice", Billing: 1})

	row, err := g.LoadAccount(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 42, row.IdentityID)

	_, err = g.LoadAccount(ctx, "nobody")
	assert.True(t, errors.Is(err, merr.ErrSessionNoLoginInfo))
}

func TestAddAndMarkState(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()

	require.NoError(t, g.AddMicro(ctx, txnRow("aa", TxnPending)))

	// 重复订单号必须被拒绝。
	err := g.AddMicro(ctx, txnRow("aa", TxnPending))
	assert.True(t, errors.Is(err, merr.ErrTxnPersistFailed))

	require.NoError(t, g.MarkState(ctx, "aa", TxnCommitted))
	row, ok := g.Order("aa")
	require.True(t, ok)
	assert.Equal(t, TxnCommitted, row.State)

	err = g.MarkState(ctx, "missing", TxnCommitted)
	assert.True(t, errors.Is(err, merr.ErrStoreNotFound))
}

func TestAddMultiGameAtomic(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	require.NoError(t, g.AddGame(ctx, txnRow("bb", TxnPending)))

	// 批内有重复订单号时整批失败，不留下半批数据。
	err := g.AddMultiGame(ctx, []TxnRow{
		txnRow("cc", TxnPending),
		txnRow("bb", TxnPending),
	})
	assert.True(t, errors.Is(err, merr.ErrTxnPersistFailed))
	_, ok := g.Order("cc")
	assert.False(t, ok)

	require.NoError(t, g.AddMultiGame(ctx, []TxnRow{
		txnRow("cc", TxnPending),
		txnRow("dd", TxnPending),
	}))
	assert.Len(t, g.OrderIDs(), 3)
}

func TestReadUnsaved(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	require.NoError(t, g.AddMicro(ctx, txnRow("aa", TxnPending)))
	require.NoError(t, g.AddMicro(ctx, txnRow("bb", TxnCommitted)))
	require.NoError(t, g.AddMicro(ctx, txnRow("cc", TxnPending)))

	rows, err := g.ReadUnsaved(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, TxnPending, row.State)
	}
}

func TestSaveAndRevertGame(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	require.NoError(t, g.AddGame(ctx, txnRow("aa", TxnCommitted)))

	require.NoError(t, g.SaveGame(ctx, "aa", 77))
	row, _ := g.Order("aa")
	assert.EqualValues(t, 77, row.Claimed)

	require.NoError(t, g.RevertGame(ctx, "aa"))
	row, _ = g.Order("aa")
	assert.Equal(t, TxnFailed, row.State)

	err := g.SaveGame(ctx, "missing", 1)
	assert.True(t, errors.Is(err, merr.ErrStoreNotFound))
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	g.FailNext(merr.ErrStoreUnavailable)

	err := g.AddMicro(ctx, txnRow("aa", TxnPending))
	assert.True(t, errors.Is(err, merr.ErrStoreUnavailable))

	// 注入只生效一次。
	require.NoError(t, g.AddMicro(ctx, txnRow("aa", TxnPending)))
}

func TestRecordLogout(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	now := time.Now()
	require.NoError(t, g.RecordLogout(ctx, 42, now.Add(-time.Hour), now, 7))
	assert.Equal(t, 1, g.LogoutCount())
}
