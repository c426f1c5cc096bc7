package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"

	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
	"github.com/lk2023060901/auth-garden-go/pkg/util/retry"
)

// ensureSchema 建出订单与审计表，幂等。
const ensureSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	identity_id BIGINT PRIMARY KEY,
	name        TEXT UNIQUE NOT NULL,
	billing     SMALLINT NOT NULL DEFAULT 0,
	flags       INTEGER NOT NULL DEFAULT 0,
	blocked     BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS orders (
	order_id    CHAR(32) PRIMARY KEY,
	identity_id BIGINT NOT NULL,
	world_id    INTEGER NOT NULL,
	entity_id   BIGINT NOT NULL,
	sku         TEXT NOT NULL,
	shape       TEXT NOT NULL,
	granted     INTEGER NOT NULL,
	claimed     INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL,
	operator    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_state_idx ON orders (state);
CREATE TABLE IF NOT EXISTS logout_audit (
	identity_id   BIGINT NOT NULL,
	login_at      TIMESTAMPTZ NOT NULL,
	logout_at     TIMESTAMPTZ NOT NULL,
	last_world_id INTEGER NOT NULL
);
`

// PostgresGateway 是基于 lib/pq 的持久化网关实现。
type PostgresGateway struct {
	db *sql.DB
}

var _ Gateway = (*PostgresGateway)(nil)

// NewPostgres 按配置建立 Postgres 连接并保证表结构存在。
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresGateway, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, merr.WrapErrStoreUnavailable(err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	// 数据库晚于本进程起来是常态，连通性检查按退避重试。
	if err := retry.Do(ctx, func() error {
		return db.PingContext(ctx)
	}, retry.Attempts(10), retry.Sleep(time.Second), retry.MaxSleepTime(10*time.Second)); err != nil {
		_ = db.Close()
		return nil, merr.WrapErrStoreUnavailable(err)
	}
	if _, err := db.ExecContext(ctx, ensureSchema); err != nil {
		_ = db.Close()
		return nil, merr.WrapErrStoreUnavailable(err)
	}
	return &PostgresGateway{db: db}, nil
}

func (g *PostgresGateway) LoadAccount(ctx context.Context, name string) (AccountRow, error) {
	var row AccountRow
	err := g.db.QueryRowContext(ctx,
		`SELECT identity_id, name, billing, flags, blocked FROM accounts WHERE name = $1`,
		name,
	).Scan(&row.IdentityID, &row.Name, &row.Billing, &row.Flags, &row.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountRow{}, merr.WrapErrSessionNoLoginInfo(name)
	}
	if err != nil {
		return AccountRow{}, merr.WrapErrStoreUnavailable(err)
	}
	return row, nil
}

func (g *PostgresGateway) RecordLogout(ctx context.Context, identity int64, loginAt, logoutAt time.Time, lastWorldID int) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO logout_audit (identity_id, login_at, logout_at, last_world_id) VALUES ($1, $2, $3, $4)`,
		identity, loginAt, logoutAt, lastWorldID)
	if err != nil {
		return merr.WrapErrStoreUnavailable(err)
	}
	return nil
}

const insertOrder = `INSERT INTO orders
	(order_id, identity_id, world_id, entity_id, sku, shape, granted, claimed, state, operator, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (g *PostgresGateway) AddMicro(ctx context.Context, row TxnRow) error {
	return g.insertOne(ctx, row)
}

func (g *PostgresGateway) AddGame(ctx context.Context, row TxnRow) error {
	return g.insertOne(ctx, row)
}

func (g *PostgresGateway) insertOne(ctx context.Context, row TxnRow) error {
	_, err := g.db.ExecContext(ctx, insertOrder,
		row.OrderID, row.IdentityID, row.WorldID, row.EntityID, row.SKU, row.Shape,
		row.Granted, row.Claimed, string(row.State), row.OperatorInitiated, row.CreatedAt)
	if err != nil {
		return merr.WrapErrTxnPersistFailed(row.OrderID, err)
	}
	return nil
}

// AddMultiGame 在单个存储事务里写入整批子订单。
func (g *PostgresGateway) AddMultiGame(ctx context.Context, rows []TxnRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return merr.WrapErrStoreUnavailable(err)
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, insertOrder,
			row.OrderID, row.IdentityID, row.WorldID, row.EntityID, row.SKU, row.Shape,
			row.Granted, row.Claimed, string(row.State), row.OperatorInitiated, row.CreatedAt); err != nil {
			_ = tx.Rollback()
			return merr.WrapErrTxnPersistFailed(row.OrderID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return merr.WrapErrTxnPersistFailed(rows[0].OrderID, err)
	}
	return nil
}

func (g *PostgresGateway) ReadUnsaved(ctx context.Context) ([]TxnRow, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT order_id, identity_id, world_id, entity_id, sku, shape, granted, claimed, state, operator, created_at
		 FROM orders WHERE state = $1 ORDER BY order_id`,
		string(TxnPending))
	if err != nil {
		return nil, merr.WrapErrStoreUnavailable(err)
	}
	defer rows.Close()

	var out []TxnRow
	for rows.Next() {
		var row TxnRow
		var state string
		if err := rows.Scan(&row.OrderID, &row.IdentityID, &row.WorldID, &row.EntityID,
			&row.SKU, &row.Shape, &row.Granted, &row.Claimed, &state,
			&row.OperatorInitiated, &row.CreatedAt); err != nil {
			return nil, merr.WrapErrStoreUnavailable(err)
		}
		row.State = TxnState(state)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, merr.WrapErrStoreUnavailable(err)
	}
	return out, nil
}

func (g *PostgresGateway) MarkState(ctx context.Context, orderID string, state TxnState) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE orders SET state = $2 WHERE order_id = $1`, orderID, string(state))
	if err != nil {
		return merr.WrapErrStoreUnavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return merr.WrapErrStoreUnavailable(err)
	}
	if affected == 0 {
		return merr.ErrStoreNotFound
	}
	return nil
}

func (g *PostgresGateway) SaveGame(ctx context.Context, orderID string, claimed int32) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE orders SET claimed = $2 WHERE order_id = $1`, orderID, claimed)
	if err != nil {
		return merr.WrapErrStoreUnavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return merr.WrapErrStoreUnavailable(err)
	}
	if affected == 0 {
		return merr.ErrStoreNotFound
	}
	return nil
}

func (g *PostgresGateway) RevertGame(ctx context.Context, orderID string) error {
	return g.MarkState(ctx, orderID, TxnFailed)
}

func (g *PostgresGateway) Close() error {
	return g.db.Close()
}
