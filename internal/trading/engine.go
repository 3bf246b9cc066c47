// Package trading runs the order execution engine: the periodic worker
// loop that drives batch items through entry, bracket and end-of-day exits,
// and the operator intents that feed it.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/config"
	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/internal/security"
	"kabu-trader/internal/store"
	"kabu-trader/pkg/utils"
)

// statusViewLimit caps the number of cards in one status update.
const statusViewLimit = 200

// staleAfter is how many intervals a feed may go unread before the
// status view flags it.
const staleAfter = 5

// Engine owns the worker loop and the intents. All automatic state
// changes happen inside Tick; intents that talk to the broker are
// serialised with it.
type Engine struct {
	store    store.DataStore
	broker   broker.API
	cipher   *security.PasswordCipher
	audit    *security.AuditLogger
	notifier notify.Notifier
	hub      *notify.Hub
	tracker  *notify.ErrorTracker
	logger   zerolog.Logger
	cfg      config.EngineConfig
	loc      *time.Location
	clock    func() time.Time

	ticking atomic.Bool
	primed  atomic.Bool
	opMu    sync.Mutex // held by Tick and by intents that write items

	warnMu sync.Mutex
	warned map[string]bool // INVALID_HOLD_ID occurrences already logged
}

// Options configures an Engine.
type Options struct {
	Store    store.DataStore
	Broker   broker.API
	Cipher   *security.PasswordCipher
	Audit    *security.AuditLogger
	Notifier notify.Notifier
	Hub      *notify.Hub
	Logger   zerolog.Logger
	Config   config.EngineConfig
	Location *time.Location
	Clock    func() time.Time
}

// New builds an engine. Store and Broker are required.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine needs a store")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("engine needs a broker client")
	}

	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.EODCloseTime == "" {
		cfg.EODCloseTime = "14:30"
	}
	if cfg.DefaultName == "" {
		cfg.DefaultName = "manual batch"
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = 20
	}

	loc := opts.Location
	if loc == nil {
		loc = utils.TokyoLocation
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewNoOpNotifier()
	}
	hub := opts.Hub
	if hub == nil {
		hub = notify.NewHub(0)
	}
	cipher := opts.Cipher
	if cipher == nil {
		cipher = security.NewPasswordCipher("")
	}

	return &Engine{
		store:    opts.Store,
		broker:   opts.Broker,
		cipher:   cipher,
		audit:    opts.Audit,
		notifier: notifier,
		hub:      hub,
		tracker:  notify.NewErrorTracker(),
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
		cfg:      cfg,
		loc:      loc,
		clock:    clock,
		warned:   make(map[string]bool),
	}, nil
}

// now returns the engine clock in the market time zone.
func (e *Engine) now() time.Time {
	return e.clock().In(e.loc)
}

// Hub returns the status hub.
func (e *Engine) Hub() *notify.Hub {
	return e.hub
}

// Run ticks every interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Prime(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to prime error tracker")
	}

	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("Worker loop started")
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Worker loop stopped")
			return nil
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil && !errors.Is(err, apperrors.ErrTickInProgress) {
				e.logger.Error().Err(err).Msg("Tick failed")
			}
		}
	}
}

// Prime marks the errors present at startup as already reported.
func (e *Engine) Prime(ctx context.Context) error {
	items, err := e.store.ErrorItems(ctx, e.cfg.ErrorLimit)
	if err != nil {
		return err
	}
	e.tracker.Prime(items)
	e.primed.Store(true)
	return nil
}

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Name     string        `json:"name"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TickReport summarises one pass of the pipeline.
type TickReport struct {
	TickID string       `json:"tick_id"`
	At     time.Time    `json:"at"`
	Steps  []StepResult `json:"steps"`
	Toast  string       `json:"toast,omitempty"`
}

// Failed reports whether any step returned an error.
func (r *TickReport) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != "" {
			return true
		}
	}
	return false
}

// tick carries what the steps of one pass share.
type tick struct {
	id      string
	now     time.Time
	logger  zerolog.Logger
	account *models.ApiAccount
	acctErr error
}

// needAccount returns the active account or the reason there is none.
func (t *tick) needAccount() (*models.ApiAccount, error) {
	if t.account == nil {
		return nil, t.acctErr
	}
	return t.account, nil
}

type step struct {
	name string
	run  func(ctx context.Context, t *tick) error
}

func (e *Engine) steps() []step {
	return []step{
		{"scheduler", e.runScheduler},
		{"execution", e.runExecution},
		{"sync", e.runSync},
		{"oco", e.runOCO},
		{"eod", e.runEOD},
		{"finalize", e.runFinalize},
	}
}

// Tick runs the pipeline once. A call that overlaps a running tick
// returns ErrTickInProgress without doing anything.
func (e *Engine) Tick(ctx context.Context) (*TickReport, error) {
	if !e.ticking.CompareAndSwap(false, true) {
		return nil, apperrors.ErrTickInProgress
	}
	defer e.ticking.Store(false)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	t := &tick{id: uuid.NewString(), now: e.now()}
	t.logger = logging.WithTick(e.logger, t.id)
	ctx = logging.WithLogger(ctx, t.logger)
	t.account, t.acctErr = e.activeAccount(ctx)

	report := &TickReport{TickID: t.id, At: t.now}
	var failures []string
	for _, s := range e.steps() {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		err := s.run(ctx, t)
		res := StepResult{Name: s.name, Duration: time.Since(start)}
		if err != nil {
			res.Err = err.Error()
			failures = append(failures, fmt.Sprintf("%s: %v", s.name, err))
			t.logger.Error().Err(err).Str("step", s.name).Msg("Step failed")
		}
		report.Steps = append(report.Steps, res)
	}

	report.Toast = e.publish(ctx, t.id, strings.Join(failures, "; "))
	return report, ctx.Err()
}

// activeAccount loads the active account with its password opened.
func (e *Engine) activeAccount(ctx context.Context) (*models.ApiAccount, error) {
	acct, err := e.store.ActiveAccount(ctx)
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

// publish pushes the status snapshot and, when new errors appeared, one
// toast. It returns the toast text.
func (e *Engine) publish(ctx context.Context, tickID, message string) string {
	if !e.primed.Load() {
		if err := e.Prime(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to prime error tracker")
		}
	}

	update := notify.StatusUpdate{Message: message, TickID: tickID, At: e.now()}

	views, err := e.store.ItemViews(ctx, statusViewLimit)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to load item views")
	} else {
		update.Cards = notify.BuildStatus(views)
	}

	errItems, err := e.store.ErrorItems(ctx, e.cfg.ErrorLimit)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to load error items")
	} else if toast := notify.Toast(e.tracker.Diff(errItems)); toast != "" {
		update.Toast = toast
		if err := e.notifier.Send(ctx, notify.Notification{
			Type:    notify.NotificationError,
			Title:   "Order processing error",
			Message: toast,
		}); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to send error notification")
		}
	}

	e.hub.Publish(update)
	return update.Toast
}

// event builds an event row stamped with the tick time.
func event(at time.Time, level models.EventLevel, typ, format string, args ...interface{}) *models.EventLog {
	return &models.EventLog{Level: level, Type: typ, Message: fmt.Sprintf(format, args...), CreatedAt: at}
}

// save writes an item change guarded on from and logs the transition.
func (e *Engine) save(ctx context.Context, logger zerolog.Logger, it *models.BatchItem, from models.ItemStatus, now time.Time, orders []*models.Order, events ...*models.EventLog) error {
	return e.commit(ctx, logger, store.ItemUpdate{Item: it, From: from, Orders: orders, Events: events}, now)
}

// commit writes u and logs the transition.
func (e *Engine) commit(ctx context.Context, logger zerolog.Logger, u store.ItemUpdate, now time.Time) error {
	it := u.Item
	it.UpdatedAt = now
	if err := e.store.SaveItem(ctx, u); err != nil {
		return err
	}
	if u.From != it.Status {
		reason := ""
		if len(u.Events) > 0 {
			reason = u.Events[len(u.Events)-1].Type
		}
		logging.LogTransition(logger, it.ID, string(u.From), string(it.Status), reason)
	}
	return nil
}

// fail moves an item to ERROR with msg as its last error.
func (e *Engine) fail(ctx context.Context, logger zerolog.Logger, it *models.BatchItem, now time.Time, typ, msg string, orders ...*models.Order) error {
	from := it.Status
	it.Status = models.ItemError
	it.LastError = msg
	return e.save(ctx, logger, it, from, now, orders, event(now, models.LevelError, typ, "#%d %s: %s", it.ID, it.Symbol, msg))
}

// positionJobs are the job states whose items may still hold positions.
var positionJobs = []models.JobStatus{models.JobRunning, models.JobError}

func itemLogger(base zerolog.Logger, it *models.BatchItem) zerolog.Logger {
	return logging.WithItem(base, it.ID, it.Symbol)
}

// collect joins per-item failures into one step error.
type collect []error

func (c *collect) add(err error) {
	if err != nil {
		*c = append(*c, err)
	}
}

func (c collect) err() error {
	return errors.Join(c...)
}
