package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeops/internal/broker"
	"tradeops/internal/domain"
	"tradeops/internal/engine"
	"tradeops/internal/jobs"
	"tradeops/internal/paginate"
	"tradeops/internal/store"
	"tradeops/internal/util"
)

// ---------------------------------------------------------------------------
// order-cycle
// ---------------------------------------------------------------------------

// cycleParams drives one order-cycle run. Discounts are fractions below the
// price the opening market buy executed at.
type cycleParams struct {
	instrument      string
	qty             decimal.Decimal
	limitDiscount   decimal.Decimal
	replaceDiscount decimal.Decimal
	stopDiscount    decimal.Decimal
	fillPoll        time.Duration
	fillAttempts    int
}

func runOrderCycle(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("order-cycle", flag.ContinueOnError)
	instrument := fs.String("instrument", "AAPL", "instrument to trade")
	qty := fs.String("qty", "1", "order quantity")
	limitDiscount := fs.String("limit-discount", "0.05", "limit buy this fraction below the market fill")
	replaceDiscount := fs.String("replace-discount", "0.07", "replace the limit this fraction below the market fill")
	stopDiscount := fs.String("stop-discount", "0.10", "stop-loss this fraction below the market fill (0 skips stop orders)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := cycleParams{
		instrument:   *instrument,
		fillPoll:     a.cfg.Jobs.PollInterval,
		fillAttempts: a.cfg.Jobs.MaxAttempts,
	}
	for _, f := range []struct {
		name string
		val  string
		dst  *decimal.Decimal
	}{
		{"qty", *qty, &p.qty},
		{"limit-discount", *limitDiscount, &p.limitDiscount},
		{"replace-discount", *replaceDiscount, &p.replaceDiscount},
		{"stop-discount", *stopDiscount, &p.stopDiscount},
	} {
		d, err := decimal.NewFromString(f.val)
		if err != nil {
			return fmt.Errorf("-%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return orderCycle(ctx, a.coordinator(), p)
}

// orderCycle exercises the whole order lifecycle against the venue: market
// and best-price buys, a resting limit that is replaced and cancelled, an
// optional stop-loss, and a closing market sell.
func orderCycle(ctx context.Context, c *engine.Coordinator, p cycleParams) error {
	bought, err := buyAndWait(ctx, c, p, domain.OrderTypeMarket)
	if err != nil {
		return err
	}
	ref := bought.ExecutedPrice
	if !ref.IsPositive() {
		return fmt.Errorf("market buy %s filled without an executed price", bought.ID)
	}
	fmt.Printf("market buy %s filled %s @ %s\n", bought.ID, bought.FilledQuantity, ref)

	best, err := buyAndWait(ctx, c, p, domain.OrderTypeBestPrice)
	if err != nil {
		return err
	}
	fmt.Printf("best-price buy %s filled %s @ %s\n", best.ID, best.FilledQuantity, best.ExecutedPrice)

	limit := below(ref, p.limitDiscount)
	placed, err := c.Submit(ctx, domain.Order{
		InstrumentID:     p.instrument,
		Direction:        domain.DirectionBuy,
		Type:             domain.OrderTypeLimit,
		Price:            &limit,
		Quantity:         p.qty,
		IdempotencyToken: broker.NewRequestToken(),
	})
	if err != nil {
		return err
	}
	if placed.State != domain.OrderStateNew {
		return fmt.Errorf("limit buy %s @ %s is %s, want %s", placed.ID, limit, placed.State, domain.OrderStateNew)
	}
	fmt.Printf("limit buy %s resting @ %s\n", placed.ID, limit)

	replacePrice := below(ref, p.replaceDiscount)
	next, err := c.Replace(ctx, placed.ID, replacePrice, p.qty, broker.NewRequestToken())
	if err != nil {
		return err
	}
	fmt.Printf("replaced %s with %s @ %s -> %s\n", placed.ID, next.ID, replacePrice, next.State)

	active, err := c.ActiveOrders(ctx)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(active, func(o domain.Order) bool { return o.ID == next.ID }) {
		return fmt.Errorf("replacement %s missing from %d active order(s)", next.ID, len(active))
	}
	fmt.Printf("active orders: %d, replacement %s among them\n", len(active), next.ID)

	at, err := c.Cancel(ctx, next.ID)
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %s at %s\n", next.ID, at.Format(time.RFC3339))

	state, err := c.QueryState(ctx, next.ID)
	if err != nil {
		return err
	}
	fmt.Printf("state of %s: %s\n", next.ID, state.State)

	if _, err := c.Cancel(ctx, next.ID); errors.Is(err, domain.ErrInvalidState) {
		fmt.Printf("second cancel of %s refused: order is terminal\n", next.ID)
	} else if err != nil {
		return err
	}

	if p.stopDiscount.IsPositive() {
		if err := stopCycle(ctx, c, p, below(ref, p.stopDiscount)); err != nil {
			return err
		}
	}

	held := bought.FilledQuantity.Add(best.FilledQuantity)
	sold, err := c.Submit(ctx, domain.Order{
		InstrumentID:     p.instrument,
		Direction:        domain.DirectionSell,
		Type:             domain.OrderTypeMarket,
		Quantity:         held,
		IdempotencyToken: broker.NewRequestToken(),
	})
	if err != nil {
		return err
	}
	if sold, err = waitFilled(ctx, c, sold, p); err != nil {
		return err
	}
	fmt.Printf("closing sell %s filled %s @ %s\n", sold.ID, sold.FilledQuantity, sold.ExecutedPrice)
	return nil
}

func stopCycle(ctx context.Context, c *engine.Coordinator, p cycleParams, stopPrice decimal.Decimal) error {
	stopID, err := c.SubmitStop(ctx, domain.StopOrder{
		InstrumentID: p.instrument,
		Direction:    domain.DirectionSell,
		Type:         domain.StopOrderStopLoss,
		Quantity:     p.qty,
		StopPrice:    stopPrice,
	})
	if err != nil {
		return err
	}
	fmt.Printf("stop-loss %s placed @ %s\n", stopID, stopPrice)

	stops, err := c.StopOrders(ctx)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(stops, func(s domain.StopOrder) bool { return s.ID == stopID }) {
		return fmt.Errorf("stop order %s missing from %d stop order(s)", stopID, len(stops))
	}

	at, err := c.CancelStop(ctx, stopID)
	if err != nil {
		return err
	}
	fmt.Printf("stop-loss %s cancelled at %s\n", stopID, at.Format(time.RFC3339))
	return nil
}

func buyAndWait(ctx context.Context, c *engine.Coordinator, p cycleParams, typ domain.OrderType) (domain.Order, error) {
	placed, err := c.Submit(ctx, domain.Order{
		InstrumentID:     p.instrument,
		Direction:        domain.DirectionBuy,
		Type:             typ,
		Quantity:         p.qty,
		IdempotencyToken: broker.NewRequestToken(),
	})
	if err != nil {
		return placed, err
	}
	return waitFilled(ctx, c, placed, p)
}

// waitFilled polls the order until the venue reports it filled.
func waitFilled(ctx context.Context, c *engine.Coordinator, o domain.Order, p cycleParams) (domain.Order, error) {
	for attempt := 1; o.State != domain.OrderStateFilled; attempt++ {
		if o.State.IsTerminal() {
			return o, fmt.Errorf("%s %s order %s is %s, want filled: %w", o.Type, o.Direction, o.ID, o.State, domain.ErrInvalidState)
		}
		if attempt > p.fillAttempts {
			return o, fmt.Errorf("%s %s order %s not filled after %d polls: %w", o.Type, o.Direction, o.ID, p.fillAttempts, domain.ErrJobTimeout)
		}
		select {
		case <-ctx.Done():
			return o, fmt.Errorf("waiting for %s: %w: %w", o.ID, domain.ErrCancelled, ctx.Err())
		case <-time.After(p.fillPoll):
		}
		var err error
		if o, err = c.QueryState(ctx, o.ID); err != nil {
			return o, err
		}
	}
	return o, nil
}

// below returns price reduced by fraction, rounded to cents.
func below(price, fraction decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Sub(fraction)).Round(2)
}

// ---------------------------------------------------------------------------
// report
// ---------------------------------------------------------------------------

func runReport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	kind := fs.String("kind", string(domain.ReportBroker), "report kind: broker or div_foreign_issuer")
	from := fs.String("from", "", "range start YYYY-MM-DD (default by kind)")
	to := fs.String("to", "", "range end YYYY-MM-DD (default by kind)")
	show := fs.Int("rows", 10, "number of rows to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	gw, ok := a.venue.(broker.ReportGateway)
	if !ok {
		return fmt.Errorf("broker %s does not generate reports", a.venue.Name())
	}

	req := domain.ReportRequest{Kind: domain.ReportKind(*kind), Account: a.cfg.Broker.Account}
	var rng util.DateRange
	switch req.Kind {
	case domain.ReportBroker:
		rng = util.PreviousMonth(time.Now())
	case domain.ReportDivForeignIssuer:
		rng = util.PreviousYear(time.Now())
	default:
		return fmt.Errorf("unknown report kind %q", *kind)
	}
	if err := overrideRange(&rng, *from, *to); err != nil {
		return err
	}
	req.From, req.To = rng.From, rng.To

	st, err := store.Open(ctx, a.cfg.Idempotency.Backend, a.cfg.IdempotencyLocation())
	if err != nil {
		return err
	}
	defer st.Close()

	tr := jobs.NewTracker(st, gw, jobs.WithLogger(a.log))
	job, first, err := tr.Report(ctx, req, a.cfg.Jobs.PollInterval, a.cfg.Jobs.MaxAttempts)
	if errors.Is(err, domain.ErrNotFound) && job.Reused {
		return fmt.Errorf("stored task %s for %s is unknown to the venue: %w", job.TaskID, job.Key, err)
	}
	if err != nil {
		return err
	}
	fmt.Printf("report %s task %s (reused=%v) ready: %d page(s)\n", job.Key, job.TaskID, job.Reused, first.PageCount)

	seq := paginate.Drain(ctx, tr.Rows(job.TaskID), 0, nil, paginate.WithLogger(a.log))
	n := 0
	for row := range seq.Items() {
		if n < *show {
			fmt.Printf("  %s  %-8s %-12s %12s %s\n", row.Date.Format("2006-01-02"), row.InstrumentID, row.Description, row.Amount, row.Currency)
		}
		n++
	}
	if err := seq.Err(); err != nil {
		return err
	}
	fmt.Printf("%d row(s)\n", n)
	return nil
}

// ---------------------------------------------------------------------------
// operations
// ---------------------------------------------------------------------------

func runOperations(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("operations", flag.ContinueOnError)
	from := fs.String("from", "", "range start YYYY-MM-DD (default: start of year)")
	to := fs.String("to", "", "range end YYYY-MM-DD (default: now)")
	instrument := fs.String("instrument", "", "only this instrument")
	types := fs.String("types", "", "comma separated operation types")
	state := fs.String("state", "", "executed, canceled or progress")
	limit := fs.Int("limit", 0, "stop after this many operations (0 = all)")
	cursor := fs.String("cursor", "", "resume from a cursor reported by a failed run")
	export := fs.Bool("export", false, "write the drained operations to Parquet under storage.data_dir")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rng := util.YearToDate(time.Now())
	if err := overrideRange(&rng, *from, *to); err != nil {
		return err
	}
	q := domain.OperationsQuery{
		Account:      a.cfg.Broker.Account,
		InstrumentID: *instrument,
		From:         rng.From,
		To:           rng.To,
		State:        domain.OperationState(*state),
	}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			q.Types = append(q.Types, domain.OperationType(t))
		}
	}

	seen := 0
	stop := func(domain.Operation) bool {
		seen++
		return *limit > 0 && seen > *limit
	}
	seq := paginate.Drain(ctx, broker.OperationsFetcher(a.venue, q), a.cfg.Pagination.PageSize, stop,
		paginate.WithLogger(a.log),
		paginate.Resume(paginate.Cursor{Token: *cursor}),
	)

	var ops []domain.Operation
	for op := range seq.Items() {
		fmt.Printf("%s  %-10s %-8s %10s %12s  %s\n", op.Date.Format("2006-01-02"), op.Type, op.InstrumentID, op.Quantity, op.Payment, op.ID)
		if *export {
			ops = append(ops, op)
		}
	}
	if err := seq.Err(); err != nil {
		var fe *paginate.FetchError
		if errors.As(err, &fe) {
			fmt.Printf("stopped after %d operation(s); resume with -cursor %q\n", fe.Cursor.Seen, fe.Cursor.Token)
		}
		return err
	}
	fmt.Printf("%d operation(s) in %d page(s)\n", seq.Cursor().Seen, seq.Fetches())

	if *export && len(ops) > 0 {
		ps := store.NewParquetStore(a.cfg.Storage.DataDir)
		if err := ps.WriteOperations(ctx, q.Account, ops); err != nil {
			return fmt.Errorf("exporting operations: %w", err)
		}
		fmt.Printf("exported %d operation(s) to %s\n", len(ops), a.cfg.Storage.DataDir)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func overrideRange(r *util.DateRange, from, to string) error {
	if from != "" {
		t, err := time.Parse(time.DateOnly, from)
		if err != nil {
			return fmt.Errorf("-from: %w", err)
		}
		r.From = t
	}
	if to != "" {
		t, err := time.Parse(time.DateOnly, to)
		if err != nil {
			return fmt.Errorf("-to: %w", err)
		}
		r.To = t.Add(24*time.Hour - time.Second)
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("range end %s is before start %s", r.To.Format(time.DateOnly), r.From.Format(time.DateOnly))
	}
	return nil
}

// seedSimulator gives the simulated account a year of history so report and
// operations runs have something to page through.
func seedSimulator(sim *broker.SimulatorBroker, account string) {
	now := time.Now().UTC()
	start := now.AddDate(-1, 0, 0)
	for d, i := start, 0; d.Before(now); d, i = d.AddDate(0, 0, 7), i+1 {
		price := decimal.NewFromInt(int64(180 + i%20))
		sim.AddOperations(account,
			domain.Operation{
				InstrumentID: "AAPL",
				Type:         domain.OperationBuy,
				State:        domain.OperationExecuted,
				Quantity:     decimal.NewFromInt(1),
				Price:        price,
				Payment:      price.Neg(),
				Currency:     "usd",
				Date:         d,
			},
			domain.Operation{
				InstrumentID: "AAPL",
				Type:         domain.OperationCommission,
				State:        domain.OperationExecuted,
				Payment:      decimal.RequireFromString("-0.35"),
				Currency:     "usd",
				Date:         d,
			},
		)
		if i%13 == 0 {
			sim.AddOperations(account, domain.Operation{
				InstrumentID: "AAPL",
				Type:         domain.OperationDividend,
				State:        domain.OperationExecuted,
				Payment:      decimal.RequireFromString("0.24").Mul(decimal.NewFromInt(int64(i + 1))),
				Currency:     "usd",
				Description:  "foreign issuer dividend",
				Date:         d,
			})
		}
	}
}
