package store

import (
	"context"
	"database/sql"
	"fmt"

	"kabu-trader/internal/models"
)

// ============================================================================
// Orders Methods
// ============================================================================

const orderColumns = `o.id, o.item_id, o.role, o.api_order_id, o.side, o.qty, o.order_type, o.price, o.trigger_price,
	o.hold_id, o.status, o.cum_qty, o.avg_price, o.raw_json, o.sent_at, o.last_sync_at, o.updated_at`

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	var synced sql.NullTime
	if err := row.Scan(&o.ID, &o.ItemID, &o.Role, &o.APIOrderID, &o.Side, &o.Qty, &o.Type, &o.Price, &o.TriggerPrice,
		&o.HoldID, &o.Status, &o.CumQty, &o.AvgPrice, &o.RawJSON, &o.SentAt, &synced, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.LastSyncAt = timePtr(synced)
	return &o, nil
}

// upsertOrder inserts an order or, when the broker id is known, refreshes
// its broker-reported fields. Role and item linkage never change.
func upsertOrder(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	o.SentAt = stamp(o.SentAt)
	o.UpdatedAt = stamp(o.UpdatedAt)
	if o.Status == "" {
		o.Status = models.OrderNew
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (item_id, role, api_order_id, side, qty, order_type, price, trigger_price, hold_id, status, cum_qty, avg_price, raw_json, sent_at, last_sync_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(api_order_id) DO UPDATE SET
			status = excluded.status,
			cum_qty = excluded.cum_qty,
			avg_price = excluded.avg_price,
			raw_json = CASE WHEN excluded.raw_json != '' THEN excluded.raw_json ELSE orders.raw_json END,
			last_sync_at = COALESCE(excluded.last_sync_at, orders.last_sync_at),
			updated_at = excluded.updated_at
	`, o.ItemID, o.Role, o.APIOrderID, o.Side, o.Qty, o.Type, o.Price, o.TriggerPrice, o.HoldID,
		o.Status, o.CumQty, o.AvgPrice, o.RawJSON, o.SentAt, nullTime(o.LastSyncAt), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", o.APIOrderID, err)
	}
	return nil
}

// UpsertOrder stores an order keyed by its broker id.
func (s *SQLiteStore) UpsertOrder(ctx context.Context, order *models.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertOrder(ctx, tx, order)
	})
}

// GetOrder retrieves an order by broker id; nil when unknown.
func (s *SQLiteStore) GetOrder(ctx context.Context, apiOrderID string) (*models.Order, error) {
	var order *models.Order
	err := s.read(ctx, func() error {
		var err error
		order, err = scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.api_order_id = ?`, apiOrderID))
		if err == sql.ErrNoRows {
			order, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOpenOrders returns orders the broker may still change.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.read(ctx, func() error {
		orders = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+orderColumns+` FROM orders o
			WHERE o.status NOT IN (?, ?)
			ORDER BY o.id ASC
		`, models.OrderFilled, models.OrderCancelled)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return err
			}
			orders = append(orders, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	return orders, nil
}

// ============================================================================
// Events Methods
// ============================================================================

func insertEvent(ctx context.Context, tx *sql.Tx, ev *models.EventLog) error {
	ev.CreatedAt = stamp(ev.CreatedAt)
	if ev.Level == "" {
		ev.Level = models.LevelInfo
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_logs (job_id, level, event_type, message, created_at) VALUES (?, ?, ?, ?, ?)
	`, ev.JobID, ev.Level, ev.Type, ev.Message, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// AppendEvent adds a row to the event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *models.EventLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, event)
	})
}

// ListEvents returns the newest events, optionally for one job.
func (s *SQLiteStore) ListEvents(ctx context.Context, jobID int64, limit int) ([]models.EventLog, error) {
	query := `SELECT id, job_id, level, event_type, message, created_at FROM event_logs WHERE 1=1`
	args := []interface{}{}
	if jobID != 0 {
		query += " AND job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var events []models.EventLog
	err := s.read(ctx, func() error {
		events = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e models.EventLog
			if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Type, &e.Message, &e.CreatedAt); err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}
