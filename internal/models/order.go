package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApiAccount holds broker credentials and the API endpoint.
type ApiAccount struct {
	ID        int64
	Name      string
	BaseURL   string
	Password  string // sealed at rest, plain once loaded
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchJob is one submission of order legs.
type BatchJob struct {
	ID            int64
	Code          string
	AccountID     int64
	Name          string
	Status        JobStatus
	RunMode       RunMode
	ScheduledAt   *time.Time
	EODCloseTime  string // HH:MM in market time
	EODForceClose bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BatchItem is one instrument leg of a job.
type BatchItem struct {
	ID             int64
	JobID          int64
	Symbol         string
	Exchange       Exchange
	Product        Product
	Side           Side
	Qty            int
	EntryType      EntryType
	EntryPrice     decimal.Decimal // zero for market entries
	TPOffset       decimal.Decimal // signed by side
	SLOffset       decimal.Decimal // signed by side
	Status         ItemStatus
	EntryOrderID   string
	TPOrderID      string
	SLOrderID      string
	EODOrderID     string
	HoldID         string
	EntryFilledQty int
	EntryAvgPrice  decimal.Decimal
	ClosedQty      int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingQty is the filled quantity not yet closed.
func (i *BatchItem) RemainingQty() int {
	return i.EntryFilledQty - i.ClosedQty
}

// HasBracket reports whether both exit orders are recorded.
func (i *BatchItem) HasBracket() bool {
	return i.TPOrderID != "" && i.SLOrderID != ""
}

// ReferencePrice is the price bracket offsets apply to: the average
// fill price, else the limit entry price, else zero.
func (i *BatchItem) ReferencePrice() decimal.Decimal {
	if i.EntryAvgPrice.IsPositive() {
		return i.EntryAvgPrice
	}
	if i.EntryType == EntryLimit && i.EntryPrice.IsPositive() {
		return i.EntryPrice
	}
	return decimal.Zero
}

// Order is a broker-side order tied to an item.
type Order struct {
	ID           int64
	ItemID       int64
	Role         OrderRole
	APIOrderID   string
	Side         Side
	Qty          int
	Type         OrderType
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	HoldID       string
	Status       OrderStatus
	CumQty       int
	AvgPrice     decimal.Decimal
	RawJSON      string
	SentAt       time.Time
	LastSyncAt   *time.Time
	UpdatedAt    time.Time
}

// EventLog is one row of the per-job audit trail.
type EventLog struct {
	ID        int64
	JobID     int64
	Level     EventLevel
	Type      string
	Message   string
	CreatedAt time.Time
}

// ItemView joins an item with its job and linked order states for display.
type ItemView struct {
	Item        BatchItem
	JobCode     string
	JobStatus   JobStatus
	RunMode     RunMode
	EntryStatus OrderStatus
	TPStatus    OrderStatus
	SLStatus    OrderStatus
	EODStatus   OrderStatus
	EntrySentAt *time.Time
}
