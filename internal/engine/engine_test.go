package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"tradeops/internal/broker"
	"tradeops/internal/domain"
	"tradeops/internal/events"
)

// countingGateway records calls that reach the venue. It hides the stop
// order methods of the wrapped gateway.
type countingGateway struct {
	broker.OrderGateway

	mu    sync.Mutex
	calls map[string]int
}

func newCountingGateway(g broker.OrderGateway) *countingGateway {
	return &countingGateway{OrderGateway: g, calls: make(map[string]int)}
}

func (g *countingGateway) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
}

func (g *countingGateway) n(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *countingGateway) SubmitOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	g.count("submit")
	return g.OrderGateway.SubmitOrder(ctx, o)
}

func (g *countingGateway) ReplaceOrder(ctx context.Context, r domain.ReplaceRequest) (domain.Order, error) {
	g.count("replace")
	return g.OrderGateway.ReplaceOrder(ctx, r)
}

func (g *countingGateway) CancelOrder(ctx context.Context, account, id string) (time.Time, error) {
	g.count("cancel")
	return g.OrderGateway.CancelOrder(ctx, account, id)
}

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, t events.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, t.Kind)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func limitBuy(price string, qty int64) domain.Order {
	return domain.Order{
		InstrumentID: "SBER",
		Direction:    domain.DirectionBuy,
		Type:         domain.OrderTypeLimit,
		Price:        ptr(dec(price)),
		Quantity:     decimal.NewFromInt(qty),
	}
}

func marketBuy(qty int64) domain.Order {
	return domain.Order{
		InstrumentID: "SBER",
		Direction:    domain.DirectionBuy,
		Type:         domain.OrderTypeMarket,
		Quantity:     decimal.NewFromInt(qty),
	}
}

func newTestCoordinator(opts ...broker.SimulatorOption) (*Coordinator, *broker.SimulatorBroker, *countingGateway) {
	sim := broker.NewSimulatorBroker(append([]broker.SimulatorOption{
		broker.WithMarketPrice("SBER", dec("250")),
	}, opts...)...)
	gw := newCountingGateway(sim)
	return NewCoordinator(gw, "acc"), sim, gw
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmitThenQueryIsOneStepFromPending(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		c, _, _ := newTestCoordinator(broker.WithMaxQuantity(decimal.NewFromInt(15)))

		order := domain.Order{
			InstrumentID: "SBER",
			Direction:    rapid.SampledFrom([]domain.Direction{domain.DirectionBuy, domain.DirectionSell}).Draw(t, "direction"),
			Type:         rapid.SampledFrom([]domain.OrderType{domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeBestPrice}).Draw(t, "type"),
			Quantity:     decimal.NewFromInt(int64(rapid.IntRange(1, 20).Draw(t, "qty"))),
		}
		if order.Type == domain.OrderTypeLimit {
			order.Price = ptr(decimal.NewFromInt(int64(rapid.IntRange(1, 500).Draw(t, "price"))))
		}

		placed, err := c.Submit(ctx, order)
		if err != nil && !errors.Is(err, domain.ErrRejectedByVenue) {
			t.Fatalf("Submit: %v", err)
		}
		got, err := c.QueryState(ctx, placed.ID)
		if err != nil {
			t.Fatalf("QueryState: %v", err)
		}
		if got.State == domain.OrderStatePending || !domain.OrderStatePending.CanTransitionTo(got.State) {
			t.Fatalf("state after submit = %s, want one step from pending", got.State)
		}
	})
}

func TestSubmitRejectedByVenue(t *testing.T) {
	ctx := context.Background()
	c, _, gw := newTestCoordinator(broker.WithMaxQuantity(decimal.NewFromInt(5)))

	o, err := c.Submit(ctx, limitBuy("10", 10))
	if !errors.Is(err, domain.ErrRejectedByVenue) {
		t.Fatalf("Submit error = %v, want ErrRejectedByVenue", err)
	}
	if o.State != domain.OrderStateRejected {
		t.Errorf("state = %s, want rejected", o.State)
	}
	if _, err := c.Cancel(ctx, o.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Cancel rejected order error = %v, want ErrInvalidState", err)
	}
	if gw.n("cancel") != 0 {
		t.Errorf("cancel reached the venue %d times, want 0", gw.n("cancel"))
	}
}

func TestSubmitRejectionIsPublished(t *testing.T) {
	sim := broker.NewSimulatorBroker(broker.WithMaxQuantity(decimal.NewFromInt(5)))
	pub := &recordingPublisher{}
	c := NewCoordinator(sim, "acc", WithPublisher(pub))

	if _, err := c.Submit(context.Background(), limitBuy("10", 10)); !errors.Is(err, domain.ErrRejectedByVenue) {
		t.Fatalf("Submit error = %v, want ErrRejectedByVenue", err)
	}
	if fmt.Sprint(pub.kinds) != "[submitted]" {
		t.Errorf("published kinds = %v, want [submitted]", pub.kinds)
	}
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name  string
		risk  *RiskManager
		order domain.Order
	}{
		{"limit without price", nil, domain.Order{InstrumentID: "SBER", Direction: domain.DirectionBuy, Type: domain.OrderTypeLimit, Quantity: decimal.NewFromInt(1)}},
		{"market with price", nil, domain.Order{InstrumentID: "SBER", Direction: domain.DirectionBuy, Type: domain.OrderTypeMarket, Price: ptr(dec("1")), Quantity: decimal.NewFromInt(1)}},
		{"zero quantity", nil, marketBuy(0)},
		{"no instrument", nil, domain.Order{Direction: domain.DirectionBuy, Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}},
		{"over max quantity", NewRiskManager(decimal.NewFromInt(5), decimal.Zero), marketBuy(6)},
		{"over max notional", NewRiskManager(decimal.Zero, dec("1000")), limitBuy("250", 5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sim := broker.NewSimulatorBroker()
			gw := newCountingGateway(sim)
			c := NewCoordinator(gw, "acc", WithRiskManager(tc.risk))
			if _, err := c.Submit(context.Background(), tc.order); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Errorf("Submit error = %v, want ErrInvalidRequest", err)
			}
			if gw.n("submit") != 0 {
				t.Errorf("invalid order reached the venue")
			}
		})
	}
}

func TestSubmitTransportFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	c, sim, gw := newTestCoordinator()
	sim.InjectFaults(1)

	if _, err := c.Submit(ctx, limitBuy("200", 1)); !errors.Is(err, domain.ErrTransportFailure) {
		t.Fatalf("Submit error = %v, want ErrTransportFailure", err)
	}
	if gw.n("submit") != 1 {
		t.Errorf("submit calls = %d, want 1", gw.n("submit"))
	}
	active, err := c.ActiveOrders(ctx)
	if err != nil {
		t.Fatalf("ActiveOrders: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active orders = %d, want 0", len(active))
	}
}

// ---------------------------------------------------------------------------
// Replace
// ---------------------------------------------------------------------------

func TestReplaceLinksSupersedes(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator()

	orig, err := c.Submit(ctx, limitBuy("237.5", 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	next, err := c.Replace(ctx, orig.ID, dec("232.5"), decimal.NewFromInt(2), broker.NewRequestToken())
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if next.ID == orig.ID || next.Supersedes != orig.ID {
		t.Errorf("replacement = {ID:%s Supersedes:%s}, want new id superseding %s", next.ID, next.Supersedes, orig.ID)
	}

	got, err := c.QueryState(ctx, orig.ID)
	if err != nil {
		t.Fatalf("QueryState(original): %v", err)
	}
	if got.State != domain.OrderStateCancelled || got.SupersededBy != next.ID {
		t.Errorf("original = {State:%s SupersededBy:%s}, want cancelled by %s", got.State, got.SupersededBy, next.ID)
	}
}

func TestReplaceTerminalOrderFails(t *testing.T) {
	ctx := context.Background()
	c, _, gw := newTestCoordinator()

	filled, err := c.Submit(ctx, marketBuy(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if filled.State != domain.OrderStateFilled {
		t.Fatalf("state = %s, want filled", filled.State)
	}
	_, err = c.Replace(ctx, filled.ID, dec("1"), decimal.NewFromInt(1), broker.NewRequestToken())
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Replace filled order error = %v, want ErrInvalidState", err)
	}
	if gw.n("replace") != 0 {
		t.Errorf("replace reached the venue %d times, want 0", gw.n("replace"))
	}

	// A coordinator that never saw the order relies on the venue.
	fresh := NewCoordinator(gw, "acc")
	_, err = fresh.Replace(ctx, filled.ID, dec("1"), decimal.NewFromInt(1), broker.NewRequestToken())
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Replace via fresh coordinator error = %v, want ErrInvalidState", err)
	}
}

func TestReplaceAfterReplaceFails(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator()
	orig, _ := c.Submit(ctx, limitBuy("100", 1))
	if _, err := c.Replace(ctx, orig.ID, dec("101"), decimal.NewFromInt(1), "t-1"); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := c.Replace(ctx, orig.ID, dec("102"), decimal.NewFromInt(1), "t-2"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("replacing a superseded order error = %v, want ErrInvalidState", err)
	}
}

func TestReplaceRequiresToken(t *testing.T) {
	c, _, gw := newTestCoordinator()
	orig, _ := c.Submit(context.Background(), limitBuy("100", 1))
	if _, err := c.Replace(context.Background(), orig.ID, dec("101"), decimal.NewFromInt(1), ""); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("Replace without token error = %v, want ErrInvalidRequest", err)
	}
	if gw.n("replace") != 0 {
		t.Errorf("replace reached the venue")
	}
}

func TestReplaceNeverSucceedsOnTerminal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		c, sim, _ := newTestCoordinator()
		o, err := c.Submit(ctx, limitBuy("100", 4))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}

		switch rapid.IntRange(0, 2).Draw(t, "terminal") {
		case 0:
			if _, err := c.Cancel(ctx, o.ID); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
		case 1:
			if err := sim.Fill(o.ID, decimal.NewFromInt(4)); err != nil {
				t.Fatalf("Fill: %v", err)
			}
		case 2:
			if _, err := c.Replace(ctx, o.ID, dec("99"), decimal.NewFromInt(1), broker.NewRequestToken()); err != nil {
				t.Fatalf("Replace: %v", err)
			}
		}
		if rapid.Bool().Draw(t, "query first") {
			_, _ = c.QueryState(ctx, o.ID)
		}

		price := decimal.NewFromInt(int64(rapid.IntRange(1, 500).Draw(t, "price")))
		qty := decimal.NewFromInt(int64(rapid.IntRange(1, 10).Draw(t, "qty")))
		if _, err := c.Replace(ctx, o.ID, price, qty, broker.NewRequestToken()); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("Replace on terminal order error = %v, want ErrInvalidState", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Cancel and QueryState
// ---------------------------------------------------------------------------

func TestCancel(t *testing.T) {
	ctx := context.Background()
	c, _, gw := newTestCoordinator()
	o, _ := c.Submit(ctx, limitBuy("100", 1))

	at, err := c.Cancel(ctx, o.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if at.IsZero() {
		t.Error("Cancel returned a zero timestamp")
	}
	if _, err := c.Cancel(ctx, o.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second Cancel error = %v, want ErrInvalidState", err)
	}
	if gw.n("cancel") != 1 {
		t.Errorf("cancel calls = %d, want 1", gw.n("cancel"))
	}
	if _, err := c.Cancel(ctx, "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Cancel unknown error = %v, want ErrNotFound", err)
	}
}

func TestQueryStateConflictAfterCancel(t *testing.T) {
	ctx := context.Background()
	c, sim, _ := newTestCoordinator()
	o, _ := c.Submit(ctx, limitBuy("100", 1))
	if _, err := c.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	sim.ForceState(o.ID, domain.OrderStateFilled)
	got, err := c.QueryState(ctx, o.ID)
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("QueryState error = %v, want ErrStateConflict", err)
	}
	if got.State != domain.OrderStateFilled {
		t.Errorf("returned state = %s, want the venue's filled", got.State)
	}

	// The observed state is not overwritten by the conflicting report.
	if _, err := c.Cancel(ctx, o.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Cancel after conflict error = %v, want ErrInvalidState", err)
	}
}

func TestQueryStateConflictBackwardTransition(t *testing.T) {
	ctx := context.Background()
	c, sim, _ := newTestCoordinator()
	o, _ := c.Submit(ctx, limitBuy("100", 2))
	if err := sim.Fill(o.ID, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if got, err := c.QueryState(ctx, o.ID); err != nil || got.State != domain.OrderStatePartiallyFilled {
		t.Fatalf("QueryState = (%s, %v), want partially_filled", got.State, err)
	}

	sim.ForceState(o.ID, domain.OrderStateNew)
	if _, err := c.QueryState(ctx, o.ID); !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("QueryState error = %v, want ErrStateConflict", err)
	}
}

func TestQueryStatePendingCancelIsNotConflict(t *testing.T) {
	ctx := context.Background()
	c, sim, _ := newTestCoordinator()
	o, _ := c.Submit(ctx, limitBuy("100", 1))
	if _, err := c.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The venue has not processed the cancellation yet.
	sim.ForceState(o.ID, domain.OrderStateNew)
	got, err := c.QueryState(ctx, o.ID)
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	if got.State != domain.OrderStateNew {
		t.Errorf("state = %s, want new", got.State)
	}

	sim.ForceState(o.ID, domain.OrderStateCancelled)
	if got, err := c.QueryState(ctx, o.ID); err != nil || got.State != domain.OrderStateCancelled {
		t.Errorf("QueryState = (%s, %v), want cancelled", got.State, err)
	}
}

func TestQueryStateTracksForwardTransitions(t *testing.T) {
	ctx := context.Background()
	c, sim, _ := newTestCoordinator()
	o, _ := c.Submit(ctx, limitBuy("100", 3))

	for i, want := range []domain.OrderState{domain.OrderStatePartiallyFilled, domain.OrderStatePartiallyFilled, domain.OrderStateFilled} {
		if err := sim.Fill(o.ID, decimal.NewFromInt(1)); err != nil {
			t.Fatalf("Fill #%d: %v", i, err)
		}
		got, err := c.QueryState(ctx, o.ID)
		if err != nil {
			t.Fatalf("QueryState #%d: %v", i, err)
		}
		if got.State != want {
			t.Errorf("state after fill #%d = %s, want %s", i, got.State, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestTransitionsArePublished(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	sim := broker.NewSimulatorBroker()
	c := NewCoordinator(sim, "acc", WithPublisher(pub))

	o, _ := c.Submit(ctx, limitBuy("50", 1))
	next, _ := c.Replace(ctx, o.ID, dec("51"), decimal.NewFromInt(1), "tok")
	if _, err := c.Cancel(ctx, next.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := c.QueryState(ctx, next.ID); err != nil {
		t.Fatalf("QueryState: %v", err)
	}

	want := []string{events.KindSubmitted, events.KindReplaced, events.KindCancelled, events.KindStateObserved}
	if fmt.Sprint(pub.kinds) != fmt.Sprint(want) {
		t.Errorf("published kinds = %v, want %v", pub.kinds, want)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	c := NewCoordinator(broker.NewSimulatorBroker(), "acc", WithPublisher(pub))
	if _, err := c.Submit(context.Background(), marketBuy(1)); err != nil {
		t.Errorf("Submit error = %v, want nil", err)
	}
}

// ---------------------------------------------------------------------------
// Stop orders
// ---------------------------------------------------------------------------

func TestStopOrders(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(broker.NewSimulatorBroker(), "acc")

	id, err := c.SubmitStop(ctx, domain.StopOrder{
		InstrumentID: "SBER",
		Direction:    domain.DirectionSell,
		Type:         domain.StopOrderTakeProfit,
		Quantity:     decimal.NewFromInt(1),
		StopPrice:    dec("300"),
	})
	if err != nil {
		t.Fatalf("SubmitStop: %v", err)
	}
	stops, err := c.StopOrders(ctx)
	if err != nil || len(stops) != 1 {
		t.Fatalf("StopOrders = %d, %v; want 1", len(stops), err)
	}

	at, err := c.CancelStop(ctx, id)
	if err != nil || at.IsZero() {
		t.Fatalf("CancelStop = (%v, %v)", at, err)
	}
	_, err = c.CancelStop(ctx, id)
	if !errors.Is(err, domain.ErrInvalidState) || !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("CancelStop unknown error = %v, want ErrInvalidState wrapping ErrNotFound", err)
	}
}

func TestStopLimitNeedsPrice(t *testing.T) {
	c := NewCoordinator(broker.NewSimulatorBroker(), "acc")
	_, err := c.SubmitStop(context.Background(), domain.StopOrder{
		InstrumentID: "SBER",
		Direction:    domain.DirectionSell,
		Type:         domain.StopOrderStopLimit,
		Quantity:     decimal.NewFromInt(1),
		StopPrice:    dec("90"),
	})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("SubmitStop error = %v, want ErrInvalidRequest", err)
	}
}

func TestStopOrdersUnsupported(t *testing.T) {
	c := NewCoordinator(newCountingGateway(broker.NewSimulatorBroker()), "acc")
	if _, err := c.StopOrders(context.Background()); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("StopOrders error = %v, want ErrInvalidRequest", err)
	}
}
