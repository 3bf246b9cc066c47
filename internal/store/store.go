// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"kabu-trader/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Accounts
	SaveAccount(ctx context.Context, acct *models.ApiAccount) (int64, error)
	LoadAccount(ctx context.Context) (*models.ApiAccount, error)
	ActiveAccount(ctx context.Context) (*models.ApiAccount, error)

	// Jobs & Items
	CreateBatch(ctx context.Context, job *models.BatchJob, items []*models.BatchItem, events ...*models.EventLog) (int64, error)
	GetJob(ctx context.Context, id int64) (*models.BatchJob, error)
	ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error)
	TransitionJob(ctx context.Context, id int64, from, to models.JobStatus, at time.Time, events ...*models.EventLog) error
	GetItem(ctx context.Context, id int64) (*models.BatchItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*models.BatchItem, error)
	SaveItem(ctx context.Context, update ItemUpdate) error
	ErrorItems(ctx context.Context, limit int) ([]*models.BatchItem, error)
	ItemViews(ctx context.Context, limit int) ([]models.ItemView, error)

	// Orders
	UpsertOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, apiOrderID string) (*models.Order, error)
	ListOpenOrders(ctx context.Context) ([]*models.Order, error)

	// Events
	AppendEvent(ctx context.Context, event *models.EventLog) error
	ListEvents(ctx context.Context, jobID int64, limit int) ([]models.EventLog, error)

	// Sync
	GetLastSync(ctx context.Context, dataType SyncDataType) (time.Time, error)
	Freshness(ctx context.Context, dataType SyncDataType, now time.Time, threshold time.Duration) (DataFreshness, error)
	SetLastSync(ctx context.Context, dataType SyncDataType, t time.Time) error

	// Lifecycle
	Close() error
}

// ItemFilter represents filters for querying items.
type ItemFilter struct {
	JobID       int64
	Statuses    []models.ItemStatus
	JobStatuses []models.JobStatus
	Product     models.Product
	NoHoldID    bool
	Limit       int
}

// ItemUpdate is one guarded item write. The item row moves from From to
// Item.Status only if it is still in From; Orders are upserted and Events
// appended in the same transaction.
type ItemUpdate struct {
	Item *models.BatchItem
	From models.ItemStatus
	// JobStatus, when set, also requires the item's job to be in it.
	JobStatus models.JobStatus
	Orders    []*models.Order
	Events    []*models.EventLog
}

// SyncDataType names a broker feed whose last successful read is tracked.
type SyncDataType string

const (
	SyncTypeOrders    SyncDataType = "orders"
	SyncTypePositions SyncDataType = "positions"
)
