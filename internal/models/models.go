// Package models contains the data types shared across the application.
package models

import (
	"fmt"
	"strconv"
)

// Exchange is a broker market code.
type Exchange int

const (
	ExchangeTSE     Exchange = 1
	ExchangeNagoya  Exchange = 3
	ExchangeFukuoka Exchange = 5
	ExchangeSapporo Exchange = 6
	ExchangeSOR     Exchange = 9
	ExchangeTSEPlus Exchange = 27
)

// DefaultExchange is used when a leg names no market.
const DefaultExchange = ExchangeSOR

var exchangeNames = map[Exchange]string{
	ExchangeTSE:     "TSE",
	ExchangeNagoya:  "NSE-Nagoya",
	ExchangeFukuoka: "FSE",
	ExchangeSapporo: "SSE",
	ExchangeSOR:     "SOR",
	ExchangeTSEPlus: "TSE+",
}

// Valid reports whether the code is a known market.
func (e Exchange) Valid() bool {
	_, ok := exchangeNames[e]
	return ok
}

func (e Exchange) String() string {
	if name, ok := exchangeNames[e]; ok {
		return name
	}
	return strconv.Itoa(int(e))
}

// ParseExchange accepts a numeric code or a market name.
func ParseExchange(s string) (Exchange, error) {
	if s == "" {
		return DefaultExchange, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		e := Exchange(n)
		if !e.Valid() {
			return 0, fmt.Errorf("unknown exchange code %d", n)
		}
		return e, nil
	}
	for code, name := range exchangeNames {
		if name == s {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown exchange %q", s)
}

// Side is the trade direction of an item.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Product distinguishes cash from margin trading.
type Product string

const (
	ProductCash   Product = "cash"
	ProductMargin Product = "margin"
)

func (p Product) Valid() bool { return p == ProductCash || p == ProductMargin }

// EntryType is the order type used for the entry leg.
type EntryType string

const (
	EntryMarket EntryType = "market"
	EntryLimit  EntryType = "limit"
)

func (t EntryType) Valid() bool { return t == EntryMarket || t == EntryLimit }

// OrderType is the broker order type recorded in the ledger.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// RunMode decides when a job starts.
type RunMode string

const (
	RunImmediate RunMode = "immediate"
	RunScheduled RunMode = "scheduled"
)

func (m RunMode) Valid() bool { return m == RunImmediate || m == RunScheduled }

// OrderRole tags an order with the leg it serves.
type OrderRole string

const (
	RoleEntry  OrderRole = "entry"
	RoleTP     OrderRole = "tp"
	RoleSL     OrderRole = "sl"
	RoleEOD    OrderRole = "eod"
	RoleManual OrderRole = "manual"
)

// OrderStatus is the normalized broker order state.
type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW"
	OrderWorking   OrderStatus = "WORKING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderUnknown   OrderStatus = "UNKNOWN"
)

// Final reports whether the broker will not change the order any more.
func (s OrderStatus) Final() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Live reports whether the order may still execute.
func (s OrderStatus) Live() bool {
	return s == OrderNew || s == OrderWorking || s == OrderPartial || s == OrderUnknown
}

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobScheduled JobStatus = "SCHEDULED"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobError     JobStatus = "ERROR"
	JobCancelled JobStatus = "CANCELLED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobScheduled: {JobRunning, JobCancelled},
	JobRunning:   {JobDone, JobError, JobCancelled},
}

// Terminal reports whether the job status is sticky.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError || s == JobCancelled
}

// CanTransition reports whether the job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, to := range jobTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ItemStatus is the lifecycle state of a batch item.
type ItemStatus string

const (
	ItemReady                ItemStatus = "READY"
	ItemEntrySent            ItemStatus = "ENTRY_SENT"
	ItemEntryPartial         ItemStatus = "ENTRY_PARTIAL"
	ItemEntryFilled          ItemStatus = "ENTRY_FILLED"
	ItemEntryFilledWaitPrice ItemStatus = "ENTRY_FILLED_WAIT_PRICE"
	ItemBracketSent          ItemStatus = "BRACKET_SENT"
	ItemEODMarketSent        ItemStatus = "EOD_MARKET_SENT"
	ItemClosed               ItemStatus = "CLOSED"
	ItemCancelled            ItemStatus = "CANCELLED"
	ItemError                ItemStatus = "ERROR"
)

// AllItemStatuses lists every item state.
var AllItemStatuses = []ItemStatus{
	ItemReady, ItemEntrySent, ItemEntryPartial, ItemEntryFilled, ItemEntryFilledWaitPrice,
	ItemBracketSent, ItemEODMarketSent, ItemClosed, ItemCancelled, ItemError,
}

// ERROR is reachable from every non-terminal state and is added by CanTransition.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemReady:                {ItemEntrySent, ItemCancelled},
	ItemEntrySent:            {ItemEntryPartial, ItemEntryFilled, ItemEntryFilledWaitPrice},
	ItemEntryPartial:         {ItemEntryFilled, ItemEntryFilledWaitPrice, ItemEODMarketSent, ItemClosed},
	ItemEntryFilledWaitPrice: {ItemEntryFilled, ItemEODMarketSent, ItemClosed},
	ItemEntryFilled:          {ItemEntryFilledWaitPrice, ItemBracketSent, ItemEODMarketSent, ItemClosed},
	ItemBracketSent:          {ItemEODMarketSent, ItemClosed},
	ItemEODMarketSent:        {ItemClosed},
}

// Terminal reports whether no further transition is allowed.
func (s ItemStatus) Terminal() bool {
	return s == ItemClosed || s == ItemError || s == ItemCancelled
}

// CanTransition reports whether the item may move from s to next.
// Re-entering the same non-terminal state is allowed so that field
// updates can go through the same guard.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == s || next == ItemError {
		return true
	}
	for _, to := range itemTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// HoldsPosition reports whether the item has (part of) an open position.
func (s ItemStatus) HoldsPosition() bool {
	switch s {
	case ItemEntryPartial, ItemEntryFilled, ItemEntryFilledWaitPrice, ItemBracketSent, ItemEODMarketSent:
		return true
	}
	return false
}

// ManuallyClosable reports whether an operator may force-close the item.
func (s ItemStatus) ManuallyClosable() bool {
	switch s {
	case ItemEntryPartial, ItemEntryFilled, ItemEntryFilledWaitPrice, ItemBracketSent:
		return true
	}
	return false
}

// EventLevel is the severity of an event log row.
type EventLevel string

const (
	LevelDebug EventLevel = "DEBUG"
	LevelInfo  EventLevel = "INFO"
	LevelWarn  EventLevel = "WARN"
	LevelError EventLevel = "ERROR"
)
