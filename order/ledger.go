package order

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"auto-trader-go/exec"
)

// ErrNotFound 台账中不存在该订单
var ErrNotFound = errors.New("order not found")

// Ledger sqlite 持久化台账。
// 订单、成交与熔断状态写在同一个库里，重启后先于一切交易活动恢复。
type Ledger struct {
	db *sql.DB
}

// OpenLedger 打开（必要时建表）台账数据库。path 可用 ":memory:" 做测试。
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// sqlite 单写者，限制连接数避免 database is locked
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	idempotency_key  TEXT NOT NULL UNIQUE,
	broker_order_id  TEXT,
	account_id       TEXT,
	reservation_id   TEXT,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	quantity         REAL NOT NULL,
	limit_price      REAL,
	expected_price   REAL,
	status           TEXT NOT NULL,
	filled_quantity  REAL NOT NULL DEFAULT 0,
	avg_fill_price   REAL NOT NULL DEFAULT 0,
	commission       REAL NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	reason           TEXT,
	strategy_id      TEXT,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS fills (
	fill_id          TEXT PRIMARY KEY,
	order_id         TEXT NOT NULL,
	broker_order_id  TEXT,
	idempotency_key  TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	quantity         REAL NOT NULL,
	price            REAL NOT NULL,
	commission       REAL NOT NULL DEFAULT 0,
	slippage         REAL NOT NULL DEFAULT 0,
	source           TEXT,
	ts               TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS kill_switch (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	state      TEXT NOT NULL,
	reason     TEXT,
	tripped_at TIMESTAMP
);`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Close 关闭数据库
func (l *Ledger) Close() error { return l.db.Close() }

// UpsertOrder 插入或整行更新订单
func (l *Ledger) UpsertOrder(o *Order) error {
	_, err := l.db.Exec(`
INSERT INTO orders (id, idempotency_key, broker_order_id, account_id, reservation_id,
	symbol, side, type, quantity, limit_price, expected_price, status,
	filled_quantity, avg_fill_price, commission, retry_count, reason, strategy_id,
	created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(idempotency_key) DO UPDATE SET
	broker_order_id = excluded.broker_order_id,
	status          = excluded.status,
	filled_quantity = excluded.filled_quantity,
	avg_fill_price  = excluded.avg_fill_price,
	commission      = excluded.commission,
	retry_count     = excluded.retry_count,
	reason          = excluded.reason,
	updated_at      = excluded.updated_at`,
		o.ID, o.IdempotencyKey, o.BrokerOrderID, o.AccountID, o.ReservationID,
		o.Symbol, o.Side, o.Type, o.Quantity, o.LimitPrice, o.ExpectedPrice, string(o.Status),
		o.FilledQuantity, o.AvgFillPrice, o.Commission, o.RetryCount, o.Reason, o.StrategyID,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.IdempotencyKey, err)
	}
	return nil
}

// GetByKey 按幂等键读取订单，不存在返回 ErrNotFound
func (l *Ledger) GetByKey(key string) (*Order, error) {
	row := l.db.QueryRow(`
SELECT id, idempotency_key, broker_order_id, account_id, reservation_id,
	symbol, side, type, quantity, limit_price, expected_price, status,
	filled_quantity, avg_fill_price, commission, retry_count, reason, strategy_id,
	created_at, updated_at
FROM orders WHERE idempotency_key = ?`, key)
	return scanOrder(row)
}

// OpenOrders 全部未终态订单
func (l *Ledger) OpenOrders() ([]*Order, error) {
	rows, err := l.db.Query(`
SELECT id, idempotency_key, broker_order_id, account_id, reservation_id,
	symbol, side, type, quantity, limit_price, expected_price, status,
	filled_quantity, avg_fill_price, commission, retry_count, reason, strategy_id,
	created_at, updated_at
FROM orders WHERE status NOT IN ('FILLED', 'REJECTED', 'CANCELLED', 'EXPIRED')
ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var status string
	var broker, account, reservation, reason, strategy sql.NullString
	err := row.Scan(&o.ID, &o.IdempotencyKey, &broker, &account, &reservation,
		&o.Symbol, &o.Side, &o.Type, &o.Quantity, &o.LimitPrice, &o.ExpectedPrice, &status,
		&o.FilledQuantity, &o.AvgFillPrice, &o.Commission, &o.RetryCount, &reason, &strategy,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = Status(status)
	o.BrokerOrderID = broker.String
	o.AccountID = account.String
	o.ReservationID = reservation.String
	o.Reason = reason.String
	o.StrategyID = strategy.String
	return &o, nil
}

// RecordFill 写入成交，按 fill_id 去重。返回是否为新成交。
func (l *Ledger) RecordFill(orderID string, f exec.Fill) (bool, error) {
	res, err := l.db.Exec(`
INSERT OR IGNORE INTO fills (fill_id, order_id, broker_order_id, idempotency_key,
	symbol, side, quantity, price, commission, slippage, source, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FillID, orderID, f.BrokerOrderID, f.ClientOrderID,
		f.Symbol, f.Side, f.Quantity, f.Price, f.Commission, f.Slippage, f.Source, f.Timestamp)
	if err != nil {
		return false, fmt.Errorf("record fill %s: %w", f.FillID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FillsForOrder 订单的全部成交
func (l *Ledger) FillsForOrder(orderID string) ([]exec.Fill, error) {
	rows, err := l.db.Query(`
SELECT fill_id, broker_order_id, idempotency_key, symbol, side, quantity, price, commission, slippage, source, ts
FROM fills WHERE order_id = ? ORDER BY ts`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []exec.Fill
	for rows.Next() {
		var f exec.Fill
		var source sql.NullString
		if err := rows.Scan(&f.FillID, &f.BrokerOrderID, &f.ClientOrderID, &f.Symbol, &f.Side,
			&f.Quantity, &f.Price, &f.Commission, &f.Slippage, &source, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Source = source.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveKillSwitch 持久化熔断状态（实现 risk.KillSwitchStore）
func (l *Ledger) SaveKillSwitch(state, reason string, at time.Time) error {
	_, err := l.db.Exec(`
INSERT INTO kill_switch (id, state, reason, tripped_at) VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET state = excluded.state, reason = excluded.reason, tripped_at = excluded.tripped_at`,
		state, reason, at)
	if err != nil {
		return fmt.Errorf("save kill switch: %w", err)
	}
	return nil
}

// LoadKillSwitch 读取熔断状态，从未写入时返回空串
func (l *Ledger) LoadKillSwitch() (string, string, time.Time, error) {
	var (
		state, reason sql.NullString
		at            sql.NullTime
	)
	err := l.db.QueryRow(`SELECT state, reason, tripped_at FROM kill_switch WHERE id = 1`).
		Scan(&state, &reason, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, nil
	}
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("load kill switch: %w", err)
	}
	return state.String, reason.String, at.Time, nil
}
