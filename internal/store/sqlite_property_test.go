package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"), Options{RetryAttempts: 3, RetryInitialDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBatch(t *testing.T, s *SQLiteStore, legs int) (*models.BatchJob, []*models.BatchItem) {
	t.Helper()
	ctx := context.Background()
	acct := &models.ApiAccount{Name: "main", BaseURL: "http://localhost:18080/kabusapi", Password: "pw", IsActive: true}
	if _, err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &models.BatchJob{
		Code: "20240301-090000", AccountID: acct.ID, Name: "manual batch",
		Status: models.JobScheduled, RunMode: models.RunImmediate,
		EODCloseTime: "14:30", EODForceClose: true, CreatedAt: now, UpdatedAt: now,
	}
	items := make([]*models.BatchItem, legs)
	for i := range items {
		items[i] = &models.BatchItem{
			Symbol: fmt.Sprintf("%d", 7200+i), Exchange: models.ExchangeTSE, Product: models.ProductMargin,
			Side: models.SideBuy, Qty: 100, EntryType: models.EntryLimit,
			EntryPrice: decimal.RequireFromString("1000.5"), TPOffset: decimal.NewFromInt(10),
			SLOffset: decimal.NewFromInt(-5), Status: models.ItemReady,
		}
	}
	if _, err := s.CreateBatch(ctx, job, items, &models.EventLog{Level: models.LevelInfo, Type: "BATCH_CREATED", Message: "created"}); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return job, items
}

// Property: However accounts are saved, at most one stays active and
// LoadAccount prefers it over newer inactive rows.
func TestProperty_SingleActiveAccount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one active account", prop.ForAll(
		func(flags []bool) bool {
			s := newTestStore(t)
			ctx := context.Background()

			lastActive := int64(0)
			lastID := int64(0)
			for i, active := range flags {
				id, err := s.SaveAccount(ctx, &models.ApiAccount{
					Name: fmt.Sprintf("acct-%d", i), BaseURL: "http://h", Password: "p", IsActive: active,
				})
				if err != nil {
					t.Logf("SaveAccount: %v", err)
					return false
				}
				lastID = id
				if active {
					lastActive = id
				}
			}

			var count int
			if err := s.db.QueryRow(`SELECT COUNT(*) FROM api_accounts WHERE is_active = 1`).Scan(&count); err != nil {
				return false
			}
			if count > 1 {
				return false
			}

			loaded, err := s.LoadAccount(ctx)
			if err != nil {
				return false
			}
			if lastActive != 0 {
				return loaded.ID == lastActive && loaded.IsActive
			}
			return loaded.ID == lastID
		},
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestLoadAccount_Empty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadAccount(context.Background()); err != apperrors.ErrAccountNotFound {
		t.Errorf("LoadAccount on empty store: %v", err)
	}
	if _, err := s.ActiveAccount(context.Background()); err != apperrors.ErrNoActiveAccount {
		t.Errorf("ActiveAccount on empty store: %v", err)
	}
}

func TestCreateBatch_PersistsItemsAndEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, items := seedBatch(t, s, 3)

	got, err := s.ListItems(ctx, ItemFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d items, want 3", len(got))
	}
	for i, it := range got {
		if it.ID != items[i].ID || it.Status != models.ItemReady {
			t.Errorf("item %d = %+v", i, it)
		}
		if !it.EntryPrice.Equal(decimal.RequireFromString("1000.5")) || !it.SLOffset.Equal(decimal.NewFromInt(-5)) {
			t.Errorf("item %d prices = %s / %s", i, it.EntryPrice, it.SLOffset)
		}
	}

	events, err := s.ListEvents(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != "BATCH_CREATED" {
		t.Errorf("events = %+v", events)
	}
}

func TestTransitionJob_Guarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _ := seedBatch(t, s, 1)
	at := time.Now()

	if err := s.TransitionJob(ctx, job.ID, models.JobScheduled, models.JobDone, at); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("SCHEDULED -> DONE: %v", err)
	}
	if err := s.TransitionJob(ctx, job.ID, models.JobScheduled, models.JobRunning, at); err != nil {
		t.Fatalf("SCHEDULED -> RUNNING: %v", err)
	}
	if err := s.TransitionJob(ctx, job.ID, models.JobScheduled, models.JobRunning, at); !apperrors.Is(err, apperrors.ErrStaleState) {
		t.Errorf("second promotion: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobRunning {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSaveItem_OptimisticGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := seedBatch(t, s, 1)

	first := *items[0]
	first.Status = models.ItemEntrySent
	first.EntryOrderID = "ORD1"
	err := s.SaveItem(ctx, ItemUpdate{
		Item: &first, From: models.ItemReady,
		Orders: []*models.Order{{Role: models.RoleEntry, APIOrderID: "ORD1", Side: models.SideBuy, Qty: 100, Type: models.OrderTypeLimit}},
		Events: []*models.EventLog{{Level: models.LevelInfo, Type: "ENTRY_SENT", Message: "sent"}},
	})
	if err != nil {
		t.Fatalf("first SaveItem: %v", err)
	}

	// A concurrent writer still holding the READY copy loses.
	second := *items[0]
	second.Status = models.ItemCancelled
	if err := s.SaveItem(ctx, ItemUpdate{Item: &second, From: models.ItemReady}); !apperrors.Is(err, apperrors.ErrStaleState) {
		t.Errorf("stale SaveItem: %v", err)
	}

	got, err := s.GetItem(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != models.ItemEntrySent || got.EntryOrderID != "ORD1" {
		t.Errorf("item = %+v", got)
	}

	order, err := s.GetOrder(ctx, "ORD1")
	if err != nil || order == nil {
		t.Fatalf("GetOrder: %v %v", order, err)
	}
	if order.ItemID != first.ID || order.Status != models.OrderNew {
		t.Errorf("order = %+v", order)
	}
}

func TestSaveItem_JobStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, items := seedBatch(t, s, 2)

	cancel := func(it models.BatchItem) error {
		it.Status = models.ItemCancelled
		return s.SaveItem(ctx, ItemUpdate{Item: &it, From: models.ItemReady, JobStatus: models.JobScheduled})
	}
	if err := cancel(*items[0]); err != nil {
		t.Fatalf("cancel under a SCHEDULED job: %v", err)
	}

	if err := s.TransitionJob(ctx, job.ID, models.JobScheduled, models.JobRunning, time.Now()); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if err := cancel(*items[1]); !apperrors.Is(err, apperrors.ErrStaleState) {
		t.Errorf("cancel after promotion: %v", err)
	}
	got, err := s.GetItem(ctx, items[1].ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != models.ItemReady {
		t.Errorf("status = %s, want READY", got.Status)
	}
}

func TestSaveItem_RejectsIllegalMoves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := seedBatch(t, s, 1)

	it := *items[0]
	it.Status = models.ItemBracketSent
	if err := s.SaveItem(ctx, ItemUpdate{Item: &it, From: models.ItemReady}); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("READY -> BRACKET_SENT: %v", err)
	}

	it = *items[0]
	it.ClosedQty = 10
	if err := s.SaveItem(ctx, ItemUpdate{Item: &it, From: models.ItemReady}); err == nil {
		t.Error("closed qty above filled qty accepted")
	}
}

func TestUpsertOrder_KeepsRoleAndRefreshesStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := seedBatch(t, s, 1)

	o := &models.Order{ItemID: items[0].ID, Role: models.RoleTP, APIOrderID: "TP1", Side: models.SideSell, Qty: 100,
		Type: models.OrderTypeLimit, Price: decimal.NewFromInt(1010)}
	if err := s.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	now := time.Now()
	update := &models.Order{ItemID: items[0].ID, Role: models.RoleSL, APIOrderID: "TP1", Side: models.SideSell, Qty: 100,
		Type: models.OrderTypeLimit, Status: models.OrderFilled, CumQty: 100, AvgPrice: decimal.NewFromInt(1010),
		RawJSON: `{"ID":"TP1"}`, LastSyncAt: &now}
	if err := s.UpsertOrder(ctx, update); err != nil {
		t.Fatalf("UpsertOrder update: %v", err)
	}

	got, err := s.GetOrder(ctx, "TP1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Role != models.RoleTP || got.Status != models.OrderFilled || got.CumQty != 100 || got.LastSyncAt == nil {
		t.Errorf("order = %+v", got)
	}

	open, err := s.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("filled order still listed open: %+v", open)
	}
}

func TestErrorItemsAndViews(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, items := seedBatch(t, s, 3)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, it := range items[:2] {
		cp := *it
		cp.Status = models.ItemError
		cp.LastError = fmt.Sprintf("failure %d", i)
		cp.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveItem(ctx, ItemUpdate{Item: &cp, From: models.ItemReady}); err != nil {
			t.Fatalf("SaveItem: %v", err)
		}
	}

	errs, err := s.ErrorItems(ctx, 20)
	if err != nil {
		t.Fatalf("ErrorItems: %v", err)
	}
	if len(errs) != 2 || errs[0].ID != items[1].ID {
		t.Errorf("error items = %+v", errs)
	}

	views, err := s.ItemViews(ctx, 10)
	if err != nil {
		t.Fatalf("ItemViews: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("views = %d", len(views))
	}
	if views[0].JobCode != job.Code || views[0].EntryStatus != "" || views[0].EntrySentAt != nil {
		t.Errorf("view = %+v", views[0])
	}
}

func TestLastSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetLastSync(ctx, SyncTypeOrders)
	if err != nil || !got.IsZero() {
		t.Fatalf("GetLastSync before any sync = %v, %v", got, err)
	}

	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	if err := s.SetLastSync(ctx, SyncTypeOrders, at); err != nil {
		t.Fatalf("SetLastSync: %v", err)
	}
	got, err = s.GetLastSync(ctx, SyncTypeOrders)
	if err != nil || !got.Equal(at) {
		t.Errorf("GetLastSync = %v, %v", got, err)
	}
}

func TestFreshness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	f, err := s.Freshness(ctx, SyncTypePositions, now, time.Minute)
	if err != nil || f.IsFresh || !f.LastUpdated.IsZero() {
		t.Fatalf("Freshness without sync = %+v, %v", f, err)
	}

	if err := s.SetLastSync(ctx, SyncTypePositions, now.Add(-30*time.Second)); err != nil {
		t.Fatalf("SetLastSync: %v", err)
	}
	f, err = s.Freshness(ctx, SyncTypePositions, now, time.Minute)
	if err != nil || !f.IsFresh || f.Age != 30*time.Second {
		t.Errorf("Freshness = %+v, %v", f, err)
	}
	f, _ = s.Freshness(ctx, SyncTypePositions, now.Add(5*time.Minute), time.Minute)
	if f.IsFresh {
		t.Errorf("stale feed reported fresh: %+v", f)
	}
}
