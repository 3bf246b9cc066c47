package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
)

// ============================================================================
// Jobs Methods
// ============================================================================

const jobColumns = `j.id, j.batch_code, j.account_id, j.name, j.status, j.run_mode, j.scheduled_at,
	j.eod_close_time, j.eod_force_close, j.created_at, j.updated_at`

func scanJob(row scanner) (*models.BatchJob, error) {
	var j models.BatchJob
	var scheduled sql.NullTime
	if err := row.Scan(&j.ID, &j.Code, &j.AccountID, &j.Name, &j.Status, &j.RunMode, &scheduled,
		&j.EODCloseTime, &j.EODForceClose, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.ScheduledAt = timePtr(scheduled)
	return &j, nil
}

// CreateBatch inserts a job with its items and opening events in one
// transaction and fills in the generated ids.
func (s *SQLiteStore) CreateBatch(ctx context.Context, job *models.BatchJob, items []*models.BatchItem, events ...*models.EventLog) (int64, error) {
	job.CreatedAt = stamp(job.CreatedAt)
	job.UpdatedAt = stamp(job.UpdatedAt)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO batch_jobs (batch_code, account_id, name, status, run_mode, scheduled_at, eod_close_time, eod_force_close, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.Code, job.AccountID, job.Name, job.Status, job.RunMode, nullTime(job.ScheduledAt),
			job.EODCloseTime, job.EODForceClose, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		if job.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO batch_items (job_id, symbol, exchange, product, side, qty, entry_type, entry_price, tp_offset, sl_offset, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			it.JobID = job.ID
			it.CreatedAt = job.CreatedAt
			it.UpdatedAt = job.CreatedAt
			res, err := stmt.ExecContext(ctx, it.JobID, it.Symbol, it.Exchange, it.Product, it.Side, it.Qty,
				it.EntryType, it.EntryPrice, it.TPOffset, it.SLOffset, it.Status, it.CreatedAt, it.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert item: %w", err)
			}
			if it.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}

		for _, ev := range events {
			ev.JobID = job.ID
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return job.ID, nil
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*models.BatchJob, error) {
	var job *models.BatchJob
	err := s.read(ctx, func() error {
		var err error
		job, err = scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs j WHERE j.id = ?`, id))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs in the given statuses, oldest first. No statuses
// means all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs j WHERE 1=1`
	args := []interface{}{}
	if len(statuses) > 0 {
		query += " AND j.status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY j.id ASC"

	var jobs []*models.BatchJob
	err := s.read(ctx, func() error {
		jobs = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	return jobs, nil
}

// TransitionJob moves a job from one status to another. It fails with
// ErrInvalidTransition for illegal moves and ErrStaleState when the job is
// no longer in from.
func (s *SQLiteStore) TransitionJob(ctx context.Context, id int64, from, to models.JobStatus, at time.Time, events ...*models.EventLog) error {
	if !from.CanTransition(to) {
		return &apperrors.TransitionError{Entity: "job", ID: id, From: string(from), To: string(to)}
	}
	at = stamp(at)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE batch_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, to, at, id, from)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %d not in %s: %w", id, from, apperrors.ErrStaleState)
		}
		for _, ev := range events {
			ev.JobID = id
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Items Methods
// ============================================================================

const itemColumns = `i.id, i.job_id, i.symbol, i.exchange, i.product, i.side, i.qty, i.entry_type, i.entry_price,
	i.tp_offset, i.sl_offset, i.status, i.entry_order_id, i.tp_order_id, i.sl_order_id, i.eod_order_id,
	i.hold_id, i.entry_filled_qty, i.entry_avg_price, i.closed_qty, i.last_error, i.created_at, i.updated_at`

func itemDest(it *models.BatchItem) []interface{} {
	return []interface{}{
		&it.ID, &it.JobID, &it.Symbol, &it.Exchange, &it.Product, &it.Side, &it.Qty, &it.EntryType, &it.EntryPrice,
		&it.TPOffset, &it.SLOffset, &it.Status, &it.EntryOrderID, &it.TPOrderID, &it.SLOrderID, &it.EODOrderID,
		&it.HoldID, &it.EntryFilledQty, &it.EntryAvgPrice, &it.ClosedQty, &it.LastError, &it.CreatedAt, &it.UpdatedAt,
	}
}

func scanItem(row scanner) (*models.BatchItem, error) {
	var it models.BatchItem
	if err := row.Scan(itemDest(&it)...); err != nil {
		return nil, err
	}
	return &it, nil
}

// GetItem retrieves an item by id.
func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (*models.BatchItem, error) {
	var item *models.BatchItem
	err := s.read(ctx, func() error {
		var err error
		item, err = scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM batch_items i WHERE i.id = ?`, id))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// ListItems returns items matching filter, oldest first.
func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]*models.BatchItem, error) {
	query := `SELECT ` + itemColumns + ` FROM batch_items i JOIN batch_jobs j ON j.id = i.job_id WHERE 1=1`
	args := []interface{}{}

	if filter.JobID != 0 {
		query += " AND i.job_id = ?"
		args = append(args, filter.JobID)
	}
	if len(filter.Statuses) > 0 {
		query += " AND i.status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if len(filter.JobStatuses) > 0 {
		query += " AND j.status IN (" + placeholders(len(filter.JobStatuses)) + ")"
		for _, st := range filter.JobStatuses {
			args = append(args, st)
		}
	}
	if filter.Product != "" {
		query += " AND i.product = ?"
		args = append(args, filter.Product)
	}
	if filter.NoHoldID {
		query += " AND i.hold_id = ''"
	}
	query += " ORDER BY i.id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	items, err := s.queryItems(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...interface{}) ([]*models.BatchItem, error) {
	var items []*models.BatchItem
	err := s.read(ctx, func() error {
		items = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				return err
			}
			items = append(items, it)
		}
		return rows.Err()
	})
	return items, err
}

// SaveItem writes every mutable item field, guarded on the item still
// being in update.From, together with its orders and events.
func (s *SQLiteStore) SaveItem(ctx context.Context, update ItemUpdate) error {
	it := update.Item
	if !update.From.CanTransition(it.Status) {
		return &apperrors.TransitionError{Entity: "item", ID: it.ID, From: string(update.From), To: string(it.Status)}
	}
	if it.ClosedQty > it.EntryFilledQty || it.ClosedQty < 0 {
		return fmt.Errorf("item %d: closed qty %d exceeds filled qty %d", it.ID, it.ClosedQty, it.EntryFilledQty)
	}
	it.UpdatedAt = stamp(it.UpdatedAt)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE batch_items SET
				exchange = ?, status = ?, entry_order_id = ?, tp_order_id = ?, sl_order_id = ?, eod_order_id = ?,
				hold_id = ?, entry_filled_qty = ?, entry_avg_price = ?, closed_qty = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?
			  AND (? = '' OR job_id IN (SELECT id FROM batch_jobs WHERE status = ?))
		`, it.Exchange, it.Status, it.EntryOrderID, it.TPOrderID, it.SLOrderID, it.EODOrderID,
			it.HoldID, it.EntryFilledQty, it.EntryAvgPrice, it.ClosedQty, it.LastError, it.UpdatedAt,
			it.ID, update.From, update.JobStatus, update.JobStatus)
		if err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if update.JobStatus != "" {
				return fmt.Errorf("item %d not in %s under a %s job: %w", it.ID, update.From, update.JobStatus, apperrors.ErrStaleState)
			}
			return fmt.Errorf("item %d not in %s: %w", it.ID, update.From, apperrors.ErrStaleState)
		}

		for _, o := range update.Orders {
			o.ItemID = it.ID
			if err := upsertOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		for _, ev := range update.Events {
			ev.JobID = it.JobID
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ErrorItems returns items in ERROR or carrying an error text, newest first.
func (s *SQLiteStore) ErrorItems(ctx context.Context, limit int) ([]*models.BatchItem, error) {
	if limit <= 0 {
		limit = 20
	}
	items, err := s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM batch_items i
		WHERE i.status = ? OR i.last_error != ''
		ORDER BY i.updated_at DESC, i.id DESC
		LIMIT ?
	`, models.ItemError, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error items: %w", err)
	}
	return items, nil
}

// ItemViews returns the newest items joined with their job and the
// status of each linked order.
func (s *SQLiteStore) ItemViews(ctx context.Context, limit int) ([]models.ItemView, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT ` + itemColumns + `, j.batch_code, j.status, j.run_mode,
			COALESCE(eo.status, ''), COALESCE(tpo.status, ''), COALESCE(slo.status, ''), COALESCE(xo.status, ''),
			eo.sent_at
		FROM batch_items i
		JOIN batch_jobs j ON j.id = i.job_id
		LEFT JOIN orders eo ON eo.api_order_id = i.entry_order_id AND i.entry_order_id != ''
		LEFT JOIN orders tpo ON tpo.api_order_id = i.tp_order_id AND i.tp_order_id != ''
		LEFT JOIN orders slo ON slo.api_order_id = i.sl_order_id AND i.sl_order_id != ''
		LEFT JOIN orders xo ON xo.api_order_id = i.eod_order_id AND i.eod_order_id != ''
		ORDER BY i.id DESC
		LIMIT ?`

	var views []models.ItemView
	err := s.read(ctx, func() error {
		views = nil
		rows, err := s.db.QueryContext(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v models.ItemView
			var sent sql.NullTime
			dest := append(itemDest(&v.Item), &v.JobCode, &v.JobStatus, &v.RunMode,
				&v.EntryStatus, &v.TPStatus, &v.SLStatus, &v.EODStatus, &sent)
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			v.EntrySentAt = timePtr(sent)
			views = append(views, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query item views: %w", err)
	}
	return views, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
