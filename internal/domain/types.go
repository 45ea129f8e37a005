// Package domain defines the core types shared by the order lifecycle
// coordinator, the report job tracker and the operations paginator.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Direction is the side of an order.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// OrderType is the requested execution type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeBestPrice OrderType = "best_price"
)

// OrderState is the lifecycle state of an order as reported by the venue.
type OrderState string

const (
	OrderStatePending         OrderState = "pending"
	OrderStateNew             OrderState = "new"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateRejected        OrderState = "rejected"
)

// transitions lists the states reachable in one step. Staying in the same
// state is always allowed and is not listed.
var transitions = map[OrderState][]OrderState{
	OrderStatePending:         {OrderStateNew, OrderStateFilled, OrderStateRejected},
	OrderStateNew:             {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled, OrderStateRejected},
	OrderStatePartiallyFilled: {OrderStateFilled, OrderStateCancelled},
}

// IsTerminal reports whether no further transition is permitted from s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// Valid reports whether s is one of the known order states.
func (s OrderState) Valid() bool {
	switch s {
	case OrderStatePending, OrderStateNew, OrderStatePartiallyFilled,
		OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s without moving
// the order backwards.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Order is a single order tracked by the coordinator. ID is empty until the
// venue accepts the submission. A replaced order is never edited: the venue
// books a new order whose Supersedes field names the original.
type Order struct {
	ID               string
	Account          string
	InstrumentID     string
	Direction        Direction
	Type             OrderType
	Price            *decimal.Decimal // nil for market and best-price orders
	Quantity         decimal.Decimal
	IdempotencyToken string
	State            OrderState
	FilledQuantity   decimal.Decimal
	ExecutedPrice    decimal.Decimal
	Supersedes       string
	SupersededBy     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReplaceRequest asks the venue to rebook an order with a new price and
// quantity. RequestToken is the venue's deduplication key and must be unique
// per attempt.
type ReplaceRequest struct {
	Account      string
	OrderID      string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	RequestToken string
}

// StopOrderType selects the trigger behaviour of a stop order.
type StopOrderType string

const (
	StopOrderTakeProfit StopOrderType = "take_profit"
	StopOrderStopLoss   StopOrderType = "stop_loss"
	StopOrderStopLimit  StopOrderType = "stop_limit"
)

// StopOrder is a conditional order held by the venue until StopPrice is
// reached. ExpireAt nil means good-till-cancel.
type StopOrder struct {
	ID           string
	Account      string
	InstrumentID string
	Direction    Direction
	Type         StopOrderType
	Quantity     decimal.Decimal
	Price        *decimal.Decimal
	StopPrice    decimal.Decimal
	ExpireAt     *time.Time
	CreatedAt    time.Time
}

// ---------------------------------------------------------------------------
// Report jobs
// ---------------------------------------------------------------------------

// ReportKind identifies a long-running report generated by the venue.
type ReportKind string

const (
	ReportBroker           ReportKind = "broker"
	ReportDivForeignIssuer ReportKind = "div_foreign_issuer"
)

// JobStatus is the completion status of an asynchronous report job.
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobReady     JobStatus = "ready"
	JobFailed    JobStatus = "failed"
)

// ReportRequest asks the venue to start generating a report for an account
// over [From, To].
type ReportRequest struct {
	Kind    ReportKind
	Account string
	From    time.Time
	To      time.Time
}

// ReportRow is a single line of a generated report.
type ReportRow struct {
	Ref          string
	InstrumentID string
	Description  string
	Quantity     decimal.Decimal
	Amount       decimal.Decimal
	Currency     string
	Date         time.Time
}

// ReportPage is one page of a report job's result. Rows is empty unless
// Status is JobReady.
type ReportPage struct {
	TaskID    string
	Status    JobStatus
	Page      int
	PageCount int
	Rows      []ReportRow
}

// ---------------------------------------------------------------------------
// Operations history
// ---------------------------------------------------------------------------

// OperationType classifies an entry in the account's operations history.
type OperationType string

const (
	OperationBuy        OperationType = "buy"
	OperationSell       OperationType = "sell"
	OperationDividend   OperationType = "dividend"
	OperationCommission OperationType = "commission"
	OperationDeposit    OperationType = "deposit"
	OperationWithdrawal OperationType = "withdrawal"
	OperationOther      OperationType = "other"
)

// OperationState is the settlement state of an operation.
type OperationState string

const (
	OperationExecuted OperationState = "executed"
	OperationCanceled OperationState = "canceled"
	OperationProgress OperationState = "progress"
)

// Operation is a single entry of the account's operations history.
type Operation struct {
	ID           string
	Account      string
	InstrumentID string
	Type         OperationType
	State        OperationState
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Payment      decimal.Decimal
	Currency     string
	Description  string
	Date         time.Time
}

// OperationsQuery selects a slice of the operations history. Empty Types
// and State match everything.
type OperationsQuery struct {
	Account      string
	InstrumentID string
	From         time.Time
	To           time.Time
	Types        []OperationType
	State        OperationState
}
