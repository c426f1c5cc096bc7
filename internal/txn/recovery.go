package txn

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/auth-garden-go/internal/store"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
)

// GrantFunc 把一条恢复出的订单行重放到其归属实体上。
type GrantFunc func(ctx context.Context, row store.TxnRow) error

// Recover 扫描存储中仍处于 Pending 的订单并逐条重放。
// 行先标记为 recovered 再重放，因此第二次扫描不会重复应用；
// 代价是标记后重放失败的行不会再被自动重试，只能靠日志人工跟进。
// 没有恢复路径的商品记日志后跳过，从不静默丢弃。
// 返回成功重放的行数。
func (m *Manager) Recover(ctx context.Context, apply GrantFunc) (int, error) {
	return m.recover(ctx, apply, func(store.TxnRow) bool { return true })
}

// RecoverFor 只重放指定世界与实体名下的 Pending 订单，
// 供实体再次登录时按需调用。
func (m *Manager) RecoverFor(ctx context.Context, worldID int, entityID int64, apply GrantFunc) (int, error) {
	return m.recover(ctx, apply, func(row store.TxnRow) bool {
		return row.WorldID == worldID && row.EntityID == entityID
	})
}

func (m *Manager) recover(ctx context.Context, apply GrantFunc, match func(store.TxnRow) bool) (int, error) {
	rows, err := m.gateway.ReadUnsaved(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, row := range rows {
		if !match(row) {
			continue
		}
		product, err := m.catalog.Lookup(row.SKU)
		if err != nil || !product.Recoverable {
			log.Warn("pending order has no recovery path, skipped",
				zap.String("orderID", row.OrderID),
				zap.String("sku", row.SKU),
				zap.Int64("identity", row.IdentityID))
			continue
		}
		if err := m.gateway.MarkState(ctx, row.OrderID, store.TxnRecovered); err != nil {
			log.Error("recovery mark failed, row left pending",
				zap.String("orderID", row.OrderID), zap.Error(err))
			continue
		}
		if err := apply(ctx, row); err != nil {
			log.Error("recovered grant replay failed",
				zap.String("orderID", row.OrderID),
				zap.Int64("identity", row.IdentityID),
				zap.Error(err))
			continue
		}
		recovered++
		metrics.TxnRecoveredTotal.Inc()
		log.Info("pending order recovered",
			zap.String("orderID", row.OrderID),
			zap.String("sku", row.SKU),
			zap.Int64("identity", row.IdentityID),
			zap.Int32("granted", row.Granted))
	}
	return recovered, nil
}
