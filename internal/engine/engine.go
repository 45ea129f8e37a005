// Package engine coordinates the lifecycle of orders at a venue: submission,
// replacement, cancellation and state queries, plus stop orders.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeops/internal/broker"
	"tradeops/internal/domain"
	"tradeops/internal/events"
)

// Coordinator drives orders of a single account through their lifecycle.
// The venue is the source of truth; the coordinator only remembers the last
// state it observed per order so it can refuse actions on terminal orders
// and detect venue reports that contradict them.
//
// Submissions and replacements are never retried. A caller retrying must
// supply a fresh idempotency or request token per attempt.
type Coordinator struct {
	gateway broker.OrderGateway
	account string
	risk    *RiskManager
	pub     events.Publisher
	log     *slog.Logger

	mu    sync.Mutex
	known map[string]observed
}

// observed is the coordinator's view of an order. confirmed is false when
// the state was inferred from a successful cancel or replace and the venue
// has not reported it yet.
type observed struct {
	state     domain.OrderState
	confirmed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l.With("component", "coordinator") }
}

// WithPublisher sets where transitions are published.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// WithRiskManager sets the pre-trade checks.
func WithRiskManager(rm *RiskManager) Option {
	return func(c *Coordinator) { c.risk = rm }
}

// NewCoordinator creates a Coordinator for account on gateway.
func NewCoordinator(gateway broker.OrderGateway, account string, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway: gateway,
		account: account,
		log:     slog.Default().With("component", "coordinator"),
		known:   make(map[string]observed),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("gateway", gateway.Name(), "account", account)
	return c
}

// Submit validates order and sends it to the venue. The returned order
// carries the venue-assigned id and initial state. A venue rejection is
// returned together with the rejected order and wraps
// domain.ErrRejectedByVenue.
func (c *Coordinator) Submit(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.Account == "" {
		order.Account = c.account
	}
	if order.Account != c.account {
		return domain.Order{}, fmt.Errorf("order for account %s on coordinator for %s: %w", order.Account, c.account, domain.ErrInvalidRequest)
	}
	if err := c.risk.CheckOrder(order); err != nil {
		return domain.Order{}, fmt.Errorf("submit: %w", err)
	}
	order.State = domain.OrderStatePending

	placed, err := c.gateway.SubmitOrder(ctx, order)
	if err != nil {
		if placed.ID != "" && placed.State == domain.OrderStateRejected {
			c.remember(placed.ID, placed.State, true)
			c.publish(ctx, events.Transition{
				Kind:    events.KindSubmitted,
				OrderID: placed.ID,
				From:    domain.OrderStatePending,
				To:      placed.State,
			})
		}
		c.log.Warn("submit failed", "instrument", order.InstrumentID, "error", err)
		return placed, fmt.Errorf("submit %s %s: %w", order.Direction, order.InstrumentID, err)
	}
	if placed.ID == "" {
		return placed, fmt.Errorf("submit %s %s: venue returned no order id: %w", order.Direction, order.InstrumentID, domain.ErrTransportFailure)
	}

	c.remember(placed.ID, placed.State, true)
	c.log.Info("order submitted", "order", placed.ID, "state", placed.State)
	c.publish(ctx, events.Transition{
		Kind:    events.KindSubmitted,
		OrderID: placed.ID,
		From:    domain.OrderStatePending,
		To:      placed.State,
	})
	if placed.State == domain.OrderStateRejected {
		return placed, fmt.Errorf("submit %s: %w", placed.ID, domain.ErrRejectedByVenue)
	}
	return placed, nil
}

// Replace rebooks orderID with a new price and quantity. requestToken is
// the venue's deduplication key and must be unique per attempt. The
// returned order is the replacement; the original is cancelled by the
// venue as a side effect. Replacing a terminal order fails with
// domain.ErrInvalidState.
func (c *Coordinator) Replace(ctx context.Context, orderID string, newPrice, newQuantity decimal.Decimal, requestToken string) (domain.Order, error) {
	if requestToken == "" {
		return domain.Order{}, fmt.Errorf("replace %s: request token required: %w", orderID, domain.ErrInvalidRequest)
	}
	if err := c.checkNotTerminal(orderID); err != nil {
		return domain.Order{}, fmt.Errorf("replace: %w", err)
	}
	if err := c.risk.CheckReplace(newPrice, newQuantity); err != nil {
		return domain.Order{}, fmt.Errorf("replace %s: %w", orderID, err)
	}

	next, err := c.gateway.ReplaceOrder(ctx, domain.ReplaceRequest{
		Account:      c.account,
		OrderID:      orderID,
		Price:        newPrice,
		Quantity:     newQuantity,
		RequestToken: requestToken,
	})
	if err != nil {
		c.log.Warn("replace failed", "order", orderID, "error", err)
		return domain.Order{}, fmt.Errorf("replace %s: %w", orderID, err)
	}
	if next.Supersedes == "" {
		next.Supersedes = orderID
	}

	c.remember(orderID, domain.OrderStateCancelled, false)
	c.remember(next.ID, next.State, true)
	c.log.Info("order replaced", "order", orderID, "replacement", next.ID, "state", next.State)
	c.publish(ctx, events.Transition{
		Kind:       events.KindReplaced,
		OrderID:    next.ID,
		Supersedes: orderID,
		From:       domain.OrderStatePending,
		To:         next.State,
	})
	return next, nil
}

// Cancel requests cancellation of orderID and returns the venue's
// cancellation time. Cancelling a terminal order fails with
// domain.ErrInvalidState.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) (time.Time, error) {
	if err := c.checkNotTerminal(orderID); err != nil {
		return time.Time{}, fmt.Errorf("cancel: %w", err)
	}
	prev, _ := c.lookup(orderID)

	at, err := c.gateway.CancelOrder(ctx, c.account, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			c.log.Info("order not cancellable", "order", orderID, "error", err)
		} else {
			c.log.Warn("cancel failed", "order", orderID, "error", err)
		}
		return time.Time{}, fmt.Errorf("cancel %s: %w", orderID, err)
	}

	c.remember(orderID, domain.OrderStateCancelled, false)
	c.log.Info("order cancelled", "order", orderID, "at", at)
	c.publish(ctx, events.Transition{
		Kind:    events.KindCancelled,
		OrderID: orderID,
		From:    prev.state,
		To:      domain.OrderStateCancelled,
		At:      at,
	})
	return at, nil
}

// QueryState returns the venue's current view of orderID. When the venue
// reports a state that cannot follow the state the coordinator last
// observed (for example Filled after a confirmed cancellation) the venue's
// order is returned with an error wrapping domain.ErrStateConflict and the
// remembered state is left untouched.
func (c *Coordinator) QueryState(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := c.gateway.GetOrderState(ctx, c.account, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("query %s: %w", orderID, err)
	}

	c.mu.Lock()
	prev, seen := c.known[orderID]
	conflict := seen && conflicts(prev, o.State)
	update := !conflict && (!seen || prev.confirmed || o.State.IsTerminal())
	if update {
		c.known[orderID] = observed{state: o.State, confirmed: true}
	}
	c.mu.Unlock()

	if conflict {
		c.log.Error("venue state contradicts observed state",
			"order", orderID, "observed", prev.state, "venue", o.State)
		c.publish(ctx, events.Transition{
			Kind:    events.KindConflict,
			OrderID: orderID,
			From:    prev.state,
			To:      o.State,
		})
		return o, fmt.Errorf("order %s: venue reports %s after %s: %w", orderID, o.State, prev.state, domain.ErrStateConflict)
	}

	if !update {
		c.log.Debug("cancellation pending at venue", "order", orderID, "venue", o.State)
		return o, nil
	}
	if !seen || prev.state != o.State || !prev.confirmed {
		c.log.Debug("order state observed", "order", orderID, "from", prev.state, "to", o.State)
		c.publish(ctx, events.Transition{
			Kind:    events.KindStateObserved,
			OrderID: orderID,
			From:    prev.state,
			To:      o.State,
		})
	}
	return o, nil
}

// conflicts reports whether the venue state next contradicts prev. An
// unconfirmed cancellation may still be pending at the venue, so a working
// state is not a conflict; any terminal state other than Cancelled is.
func conflicts(prev observed, next domain.OrderState) bool {
	if !prev.confirmed {
		return next.IsTerminal() && next != domain.OrderStateCancelled
	}
	return !prev.state.CanTransitionTo(next)
}

// ActiveOrders returns the account's working orders.
func (c *Coordinator) ActiveOrders(ctx context.Context) ([]domain.Order, error) {
	orders, err := c.gateway.ListActiveOrders(ctx, c.account)
	if err != nil {
		return nil, fmt.Errorf("active orders: %w", err)
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Stop orders
// ---------------------------------------------------------------------------

// SubmitStop places a stop order and returns its venue id.
func (c *Coordinator) SubmitStop(ctx context.Context, order domain.StopOrder) (string, error) {
	g, err := c.stopGateway()
	if err != nil {
		return "", err
	}
	if order.Account == "" {
		order.Account = c.account
	}
	if err := c.risk.CheckStop(order); err != nil {
		return "", fmt.Errorf("submit stop: %w", err)
	}
	id, err := g.SubmitStopOrder(ctx, order)
	if err != nil {
		return "", fmt.Errorf("submit stop %s %s: %w", order.Direction, order.InstrumentID, err)
	}
	c.log.Info("stop order submitted", "stop_order", id, "type", order.Type, "stop_price", order.StopPrice)
	return id, nil
}

// CancelStop cancels a stop order and returns the venue's cancellation
// time. A stop order the venue does not know fails with
// domain.ErrInvalidState wrapping domain.ErrNotFound instead of being
// treated as cancelled.
func (c *Coordinator) CancelStop(ctx context.Context, stopOrderID string) (time.Time, error) {
	g, err := c.stopGateway()
	if err != nil {
		return time.Time{}, err
	}
	at, err := g.CancelStopOrder(ctx, c.account, stopOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return time.Time{}, fmt.Errorf("cancel stop %s: %w: %w", stopOrderID, domain.ErrInvalidState, err)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cancel stop %s: %w", stopOrderID, err)
	}
	if at.IsZero() {
		return time.Time{}, fmt.Errorf("cancel stop %s: venue reported no cancellation time: %w", stopOrderID, domain.ErrInvalidState)
	}
	c.log.Info("stop order cancelled", "stop_order", stopOrderID, "at", at)
	return at, nil
}

// StopOrders returns the account's stop orders.
func (c *Coordinator) StopOrders(ctx context.Context) ([]domain.StopOrder, error) {
	g, err := c.stopGateway()
	if err != nil {
		return nil, err
	}
	stops, err := g.ListStopOrders(ctx, c.account)
	if err != nil {
		return nil, fmt.Errorf("stop orders: %w", err)
	}
	return stops, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Coordinator) stopGateway() (broker.StopOrderGateway, error) {
	g, ok := c.gateway.(broker.StopOrderGateway)
	if !ok {
		return nil, fmt.Errorf("gateway %s does not support stop orders: %w", c.gateway.Name(), domain.ErrInvalidRequest)
	}
	return g, nil
}

func (c *Coordinator) lookup(orderID string) (observed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.known[orderID]
	return o, ok
}

func (c *Coordinator) remember(orderID string, state domain.OrderState, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[orderID] = observed{state: state, confirmed: confirmed}
}

func (c *Coordinator) checkNotTerminal(orderID string) error {
	if o, ok := c.lookup(orderID); ok && o.state.IsTerminal() {
		return fmt.Errorf("order %s is %s: %w", orderID, o.state, domain.ErrInvalidState)
	}
	return nil
}

// publish emits t. Failures are logged and never fail the operation.
func (c *Coordinator) publish(ctx context.Context, t events.Transition) {
	if c.pub == nil {
		return
	}
	t.Gateway = c.gateway.Name()
	t.Account = c.account
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	if err := c.pub.Publish(ctx, t); err != nil {
		c.log.Warn("publishing transition", "kind", t.Kind, "order", t.OrderID, "error", err)
	}
}
