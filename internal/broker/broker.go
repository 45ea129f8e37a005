// Package broker defines the gateway contracts the coordination components
// consume and provides implementations for the Alpaca brokerage API and an
// in-memory simulated venue.
//
// Every gateway method returns either a typed result or an error that wraps
// one of the domain error kinds (ErrRejectedByVenue, ErrInvalidState,
// ErrNotFound, ErrTransportFailure).
package broker

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"tradeops/internal/domain"
	"tradeops/internal/paginate"
)

// OrderGateway covers order placement, replacement, cancellation and state
// queries at the venue.
type OrderGateway interface {
	// Name returns the gateway identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends a creation request and returns the order tagged with
	// its venue-assigned id and initial state.
	SubmitOrder(ctx context.Context, order domain.Order) (domain.Order, error)

	// ReplaceOrder rebooks an order under a new id. The returned order's
	// Supersedes field names the original.
	ReplaceOrder(ctx context.Context, req domain.ReplaceRequest) (domain.Order, error)

	// CancelOrder requests cancellation and returns the venue's
	// cancellation timestamp.
	CancelOrder(ctx context.Context, account, orderID string) (time.Time, error)

	// GetOrderState returns the venue's current view of an order.
	GetOrderState(ctx context.Context, account, orderID string) (domain.Order, error)

	// ListActiveOrders returns the account's working orders.
	ListActiveOrders(ctx context.Context, account string) ([]domain.Order, error)
}

// StopOrderGateway covers conditional orders held by the venue.
type StopOrderGateway interface {
	SubmitStopOrder(ctx context.Context, order domain.StopOrder) (string, error)
	CancelStopOrder(ctx context.Context, account, stopOrderID string) (time.Time, error)
	ListStopOrders(ctx context.Context, account string) ([]domain.StopOrder, error)
}

// ReportGateway covers long-running report generation.
type ReportGateway interface {
	// SubmitReportJob starts generating a report and returns the venue's
	// task id. It is expensive and not idempotent at the venue.
	SubmitReportJob(ctx context.Context, req domain.ReportRequest) (string, error)

	// GetReportPage returns a page of the job's result, or a page whose
	// Status is JobSubmitted while the report is still being generated.
	GetReportPage(ctx context.Context, taskID string, page int) (domain.ReportPage, error)
}

// OperationsGateway covers cursor-paginated operations history.
type OperationsGateway interface {
	FetchOperations(ctx context.Context, q domain.OperationsQuery, cursor string, pageSize int) (paginate.Page[domain.Operation], error)
}

// OperationsFetcher binds q to g so the result can be handed to
// paginate.Drain.
func OperationsFetcher(g OperationsGateway, q domain.OperationsQuery) paginate.FetchFunc[domain.Operation] {
	return func(ctx context.Context, cursor string, pageSize int) (paginate.Page[domain.Operation], error) {
		return g.FetchOperations(ctx, q, cursor, pageSize)
	}
}

// NewRequestToken returns a fresh venue deduplication token for a single
// replace or submit attempt.
func NewRequestToken() string {
	return uuid.NewString()
}

// matchesQuery reports whether op satisfies every filter set in q.
func matchesQuery(op domain.Operation, q domain.OperationsQuery) bool {
	if q.InstrumentID != "" && op.InstrumentID != q.InstrumentID {
		return false
	}
	if !q.From.IsZero() && op.Date.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && op.Date.After(q.To) {
		return false
	}
	if q.State != "" && op.State != q.State {
		return false
	}
	if len(q.Types) > 0 && !slices.Contains(q.Types, op.Type) {
		return false
	}
	return true
}
