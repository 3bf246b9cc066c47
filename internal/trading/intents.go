package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kabu-trader/internal/broker"
	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/internal/security"
	"kabu-trader/internal/store"
	"kabu-trader/pkg/utils"
)

// SaveAccount stores broker credentials, sealing the password. An active
// account replaces the previous active one and drops the cached token.
func (e *Engine) SaveAccount(ctx context.Context, name, baseURL, password string, active bool) (int64, error) {
	name, baseURL = strings.TrimSpace(name), strings.TrimSpace(baseURL)

	var verrs apperrors.ValidationErrors
	if name == "" {
		verrs = append(verrs, apperrors.NewValidationError(0, "name", name, "name is required"))
	}
	if baseURL == "" {
		verrs = append(verrs, apperrors.NewValidationError(0, "base_url", baseURL, "base URL is required"))
	} else if err := security.ValidateBaseURL(baseURL); err != nil {
		verrs = append(verrs, apperrors.NewValidationError(0, "base_url", baseURL, err.Error()))
	}
	if password == "" {
		verrs = append(verrs, apperrors.NewValidationError(0, "password", "", "API password is required"))
	}
	if len(verrs) > 0 {
		return 0, verrs
	}

	sealed, err := e.cipher.Seal(password)
	if err != nil {
		return 0, fmt.Errorf("sealing password: %w", err)
	}
	if !e.cipher.Enabled() {
		e.logger.Warn().Msg("No master password configured; API password is stored unencrypted")
	}

	now := e.now()
	id, err := e.store.SaveAccount(ctx, &models.ApiAccount{
		Name:      name,
		BaseURL:   broker.NormalizeBaseURL(baseURL),
		Password:  sealed,
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	})
	e.audit.LogIntent(ctx, security.AuditAccountSaved, "", map[string]interface{}{
		"name": name, "base_url": baseURL, "active": active,
	}, err)
	if err != nil {
		return 0, err
	}

	e.broker.InvalidateSession()
	e.logger.Info().Int64("account_id", id).Str("name", name).Bool("active", active).Msg("Account saved")
	return id, nil
}

// LoadAccount returns the preferred account with its password opened.
func (e *Engine) LoadAccount(ctx context.Context) (*models.ApiAccount, error) {
	acct, err := e.store.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	pw, err := e.cipher.Open(acct.Password)
	if err != nil {
		return nil, fmt.Errorf("opening password of account %q: %w", acct.Name, err)
	}
	acct.Password = pw
	return acct, nil
}

// Submission is one batch of legs entered by the operator.
type Submission struct {
	Name          string            `json:"name"`
	Legs          []models.OrderLeg `json:"legs"`
	RunMode       models.RunMode    `json:"run_mode"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty"`
	EODCloseTime  string            `json:"eod_close_time,omitempty"`
	EODForceClose *bool             `json:"eod_force_close,omitempty"`
}

// SubmitOrders validates the legs and creates a SCHEDULED job with one
// READY item per leg. Nothing is sent here; the worker loop promotes the
// job on its next tick.
func (e *Engine) SubmitOrders(ctx context.Context, sub Submission) (*models.BatchJob, error) {
	verrs := models.ValidateLegs(sub.Legs)

	if sub.RunMode == "" {
		sub.RunMode = models.RunImmediate
	}
	if !sub.RunMode.Valid() {
		verrs = append(verrs, apperrors.NewValidationError(0, "run_mode", sub.RunMode, "must be immediate or scheduled"))
	}
	if sub.RunMode == models.RunScheduled && (sub.ScheduledAt == nil || sub.ScheduledAt.IsZero()) {
		verrs = append(verrs, apperrors.NewValidationError(0, "scheduled_at", "", "scheduled batches need a start time"))
	}
	eodClose := e.cfg.EODCloseTime
	if sub.EODCloseTime != "" {
		if _, _, err := utils.ParseClock(sub.EODCloseTime); err != nil {
			verrs = append(verrs, apperrors.NewValidationError(0, "eod_close_time", sub.EODCloseTime, "must be HH:MM"))
		}
		eodClose = sub.EODCloseTime
	}
	if len(verrs) > 0 {
		return nil, verrs
	}

	acct, err := e.store.ActiveAccount(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	name := strings.TrimSpace(sub.Name)
	if name == "" {
		name = e.cfg.DefaultName
	}
	forceClose := e.cfg.EODForceClose
	if sub.EODForceClose != nil {
		forceClose = *sub.EODForceClose
	}

	job := &models.BatchJob{
		Code:          utils.BatchCode(now),
		AccountID:     acct.ID,
		Name:          name,
		Status:        models.JobScheduled,
		RunMode:       sub.RunMode,
		EODCloseTime:  eodClose,
		EODForceClose: forceClose,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sub.RunMode == models.RunScheduled {
		at := sub.ScheduledAt.In(e.loc)
		job.ScheduledAt = &at
	}

	items := make([]*models.BatchItem, 0, len(sub.Legs))
	for _, raw := range sub.Legs {
		l := raw.Normalize()
		tp, sl := l.SignedOffsets()
		items = append(items, &models.BatchItem{
			Symbol:     security.NormalizeSymbol(l.Symbol),
			Exchange:   l.Exchange,
			Product:    l.Product,
			Side:       l.Side,
			Qty:        l.Qty,
			EntryType:  l.EntryType,
			EntryPrice: l.EntryPrice,
			TPOffset:   tp,
			SLOffset:   sl,
			Status:     models.ItemReady,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	created := event(now, models.LevelInfo, "BATCH_CREATED", "Batch created: %s / %s / items=%d", job.Code, job.Name, len(items))
	id, err := e.store.CreateBatch(ctx, job, items, created)
	if err != nil {
		return nil, err
	}
	job.ID = id
	e.logger.Info().Int64("job_id", id).Str("batch", job.Code).Int("items", len(items)).
		Str("run_mode", string(job.RunMode)).Msg("Batch submitted")
	return job, nil
}

// cancelReady moves a READY item of a job that has not started to
// CANCELLED. The write fails with ErrStaleState once the job is promoted,
// including by a worker in another process.
func (e *Engine) cancelReady(ctx context.Context, it *models.BatchItem, now time.Time, format string) error {
	it.Status = models.ItemCancelled
	return e.commit(ctx, itemLogger(e.logger, it), store.ItemUpdate{
		Item:      it,
		From:      models.ItemReady,
		JobStatus: models.JobScheduled,
		Events:    []*models.EventLog{event(now, models.LevelInfo, "ITEM_CANCELLED", format, it.ID, it.Symbol)},
	}, now)
}

// ClearOrders cancels every READY item of jobs that have not started and
// returns how many were cancelled. Items whose job starts meanwhile are
// left to the worker.
func (e *Engine) ClearOrders(ctx context.Context) (int, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	items, err := e.store.ListItems(ctx, store.ItemFilter{
		Statuses:    []models.ItemStatus{models.ItemReady},
		JobStatuses: []models.JobStatus{models.JobScheduled},
	})
	if err != nil {
		return 0, err
	}

	now := e.now()
	jobs := make(map[int64]bool)
	cancelled := 0
	var errs collect
	for _, it := range items {
		err := e.cancelReady(ctx, it, now, "#%d %s cleared before start")
		if apperrors.Is(err, apperrors.ErrStaleState) {
			continue
		}
		if err != nil {
			errs.add(err)
			continue
		}
		cancelled++
		jobs[it.JobID] = true
	}
	for jobID := range jobs {
		errs.add(e.cancelJobIfSettled(ctx, jobID, now))
	}
	return cancelled, errs.err()
}

// cancelJobIfSettled cancels a SCHEDULED job with no live items left.
func (e *Engine) cancelJobIfSettled(ctx context.Context, jobID int64, now time.Time) error {
	items, err := e.store.ListItems(ctx, store.ItemFilter{JobID: jobID})
	if err != nil {
		return err
	}
	statuses := make([]models.ItemStatus, len(items))
	for i, it := range items {
		statuses[i] = it.Status
	}
	if next, ok := jobOutcome(statuses); !ok || next != models.JobCancelled {
		return nil
	}
	err = e.store.TransitionJob(ctx, jobID, models.JobScheduled, models.JobCancelled, now,
		event(now, models.LevelInfo, "BATCH_CANCELLED", "Batch cancelled before start"))
	if apperrors.Is(err, apperrors.ErrStaleState) {
		return nil
	}
	return err
}

// ManualClose cancels an item's bracket and sends a market exit for what
// remains open.
func (e *Engine) ManualClose(ctx context.Context, itemID int64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	it, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if !it.Status.ManuallyClosable() {
		return &apperrors.TransitionError{Entity: "item", ID: it.ID, From: string(it.Status), To: string(models.ItemEODMarketSent)}
	}
	acct, err := e.activeAccount(ctx)
	if err != nil {
		return err
	}

	err = e.closeManually(ctx, acct, it, e.now())
	e.audit.LogIntent(ctx, security.AuditManualClose, it.Symbol, map[string]interface{}{
		"item_id": it.ID, "order_id": it.EODOrderID,
	}, err)
	return err
}

// CancelScheduled cancels one READY item of a job that has not started.
func (e *Engine) CancelScheduled(ctx context.Context, itemID int64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	it, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	job, err := e.store.GetJob(ctx, it.JobID)
	if err != nil {
		return err
	}
	if it.Status != models.ItemReady || job.Status != models.JobScheduled {
		return &apperrors.TransitionError{Entity: "item", ID: it.ID, From: string(it.Status), To: string(models.ItemCancelled)}
	}

	now := e.now()
	err = e.cancelReady(ctx, it, now, "#%d %s cancelled by operator")
	e.audit.LogIntent(ctx, security.AuditItemCancelled, it.Symbol, map[string]interface{}{"item_id": it.ID}, err)
	if err != nil {
		return err
	}
	return e.cancelJobIfSettled(ctx, job.ID, now)
}

// LookupSymbol returns the name and last price of a security code.
func (e *Engine) LookupSymbol(ctx context.Context, code string, exchange models.Exchange) (*broker.SymbolInfo, error) {
	acct, err := e.activeAccount(ctx)
	if err != nil {
		return nil, err
	}
	return e.broker.LookupSymbol(ctx, acct, code, exchange)
}

// Status returns the current status cards.
func (e *Engine) Status(ctx context.Context) (notify.StatusUpdate, error) {
	views, err := e.store.ItemViews(ctx, statusViewLimit)
	if err != nil {
		return notify.StatusUpdate{}, err
	}
	update := notify.StatusUpdate{Cards: notify.BuildStatus(views), At: e.now()}
	if last, ok := e.hub.Last(); ok {
		update.Message = last.Message
		update.TickID = last.TickID
	}
	stale, err := e.staleFeeds(ctx, update.At)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read sync status")
	}
	update.Stale = stale
	return update, nil
}

// staleFeeds lists the broker feeds read before but not within
// staleAfter ticks of now.
func (e *Engine) staleFeeds(ctx context.Context, now time.Time) ([]string, error) {
	threshold := time.Duration(staleAfter) * e.cfg.Interval
	var stale []string
	for _, dt := range []store.SyncDataType{store.SyncTypeOrders, store.SyncTypePositions} {
		f, err := e.store.Freshness(ctx, dt, now, threshold)
		if err != nil {
			return stale, err
		}
		if !f.LastUpdated.IsZero() && !f.IsFresh {
			stale = append(stale, fmt.Sprintf("%s (%s old)", dt, f.Age.Truncate(time.Second)))
		}
	}
	return stale, nil
}

// Events returns the newest event log rows, optionally for one job.
func (e *Engine) Events(ctx context.Context, jobID int64, limit int) ([]models.EventLog, error) {
	return e.store.ListEvents(ctx, jobID, limit)
}

// Subscribe registers for status updates.
func (e *Engine) Subscribe() (<-chan notify.StatusUpdate, func()) {
	return e.hub.Subscribe()
}
