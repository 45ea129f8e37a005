package broker

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeops/internal/domain"
	"tradeops/internal/paginate"
)

// Compile-time interface checks.
var (
	_ OrderGateway      = (*SimulatorBroker)(nil)
	_ StopOrderGateway  = (*SimulatorBroker)(nil)
	_ ReportGateway     = (*SimulatorBroker)(nil)
	_ OperationsGateway = (*SimulatorBroker)(nil)
)

// SimulatorBroker is an in-memory venue for sandbox runs and tests. Market
// and best-price orders fill immediately at the instrument's market price,
// marketable limits fill, other limits rest as new. Report jobs become ready
// after a fixed number of status polls.
type SimulatorBroker struct {
	mu sync.Mutex

	prices       map[string]decimal.Decimal
	defaultPrice decimal.Decimal
	maxQuantity  decimal.Decimal // zero means unlimited

	orders        map[string]*domain.Order
	byToken       map[string]string // submit/replace token -> order id
	stops         map[string]*domain.StopOrder
	operations    map[string][]domain.Operation // account -> history, oldest first
	tasks         map[string]*simTask
	readyAfter    int
	reportPage    int
	reportSubmits int
	faults        int
}

type simTask struct {
	req    domain.ReportRequest
	polls  int
	failed bool
}

// SimulatorOption configures a SimulatorBroker.
type SimulatorOption func(*SimulatorBroker)

// WithMarketPrice sets the price at which instrument trades.
func WithMarketPrice(instrument string, price decimal.Decimal) SimulatorOption {
	return func(b *SimulatorBroker) { b.prices[instrument] = price }
}

// WithMaxQuantity makes the venue reject orders above qty.
func WithMaxQuantity(qty decimal.Decimal) SimulatorOption {
	return func(b *SimulatorBroker) { b.maxQuantity = qty }
}

// WithReportReadyAfter sets how many status polls a report job needs before
// it reports ready. The default is 2.
func WithReportReadyAfter(polls int) SimulatorOption {
	return func(b *SimulatorBroker) { b.readyAfter = polls }
}

// WithReportPageSize sets the number of rows per report page.
func WithReportPageSize(n int) SimulatorOption {
	return func(b *SimulatorBroker) { b.reportPage = n }
}

// NewSimulatorBroker creates a new SimulatorBroker with empty books.
func NewSimulatorBroker(opts ...SimulatorOption) *SimulatorBroker {
	b := &SimulatorBroker{
		prices:       make(map[string]decimal.Decimal),
		defaultPrice: decimal.NewFromInt(100),
		orders:       make(map[string]*domain.Order),
		byToken:      make(map[string]string),
		stops:        make(map[string]*domain.StopOrder),
		operations:   make(map[string][]domain.Operation),
		tasks:        make(map[string]*simTask),
		readyAfter:   2,
		reportPage:   100,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// InjectFaults makes the next n gateway calls fail with a transport error.
func (b *SimulatorBroker) InjectFaults(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = n
}

// ReportSubmissions returns how many report jobs were submitted.
func (b *SimulatorBroker) ReportSubmissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reportSubmits
}

// AddOperations appends entries to an account's operations history.
func (b *SimulatorBroker) AddOperations(account string, ops ...domain.Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		op.Account = account
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		b.operations[account] = append(b.operations[account], op)
	}
}

// Fill executes qty of a working order at its limit price (or the market
// price), moving it to partially filled or filled.
func (b *SimulatorBroker) Fill(orderID string, qty decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.State.IsTerminal() {
		return fmt.Errorf("order %s is %s: %w", orderID, o.State, domain.ErrInvalidState)
	}
	price := b.priceFor(o)
	remaining := o.Quantity.Sub(o.FilledQuantity)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	b.execute(o, qty, price)
	return nil
}

// FailReport marks a report task as failed at the venue.
func (b *SimulatorBroker) FailReport(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		t.failed = true
	}
}

// ForceState overwrites the venue-side state of an order. It exists to
// reproduce venue inconsistencies.
func (b *SimulatorBroker) ForceState(orderID string, state domain.OrderState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		o.State = state
		o.UpdatedAt = time.Now().UTC()
	}
}

// ---------------------------------------------------------------------------
// OrderGateway
// ---------------------------------------------------------------------------

// SubmitOrder books the order and fills it when it is marketable.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order domain.Order) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("post order"); err != nil {
		return domain.Order{}, err
	}
	if order.IdempotencyToken != "" {
		if id, ok := b.byToken[order.IdempotencyToken]; ok {
			return *b.orders[id], nil
		}
	}

	now := time.Now().UTC()
	o := order
	o.ID = uuid.NewString()
	o.State = domain.OrderStateNew
	o.FilledQuantity = decimal.Zero
	o.CreatedAt = now
	o.UpdatedAt = now

	if reason := b.rejectReason(&o); reason != "" {
		o.State = domain.OrderStateRejected
		b.store(&o, order.IdempotencyToken)
		return o, fmt.Errorf("order %s %s: %w", o.ID, reason, domain.ErrRejectedByVenue)
	}

	b.store(&o, order.IdempotencyToken)
	b.matchOnBook(&o)
	return o, nil
}

// ReplaceOrder cancels the original order and books its replacement.
func (b *SimulatorBroker) ReplaceOrder(_ context.Context, req domain.ReplaceRequest) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("replace order"); err != nil {
		return domain.Order{}, err
	}
	if req.RequestToken == "" {
		return domain.Order{}, fmt.Errorf("replace %s: request token required: %w", req.OrderID, domain.ErrRejectedByVenue)
	}
	if id, ok := b.byToken[req.RequestToken]; ok {
		return *b.orders[id], nil
	}
	orig, ok := b.orders[req.OrderID]
	if !ok || orig.Account != req.Account {
		return domain.Order{}, fmt.Errorf("replace %s: %w", req.OrderID, domain.ErrNotFound)
	}
	if orig.State.IsTerminal() {
		return domain.Order{}, fmt.Errorf("replace %s in state %s: %w", req.OrderID, orig.State, domain.ErrInvalidState)
	}

	now := time.Now().UTC()
	price := req.Price
	next := domain.Order{
		ID:             uuid.NewString(),
		Account:        orig.Account,
		InstrumentID:   orig.InstrumentID,
		Direction:      orig.Direction,
		Type:           domain.OrderTypeLimit,
		Price:          &price,
		Quantity:       req.Quantity,
		State:          domain.OrderStateNew,
		FilledQuantity: decimal.Zero,
		Supersedes:     orig.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if reason := b.rejectReason(&next); reason != "" {
		return domain.Order{}, fmt.Errorf("replace %s %s: %w", req.OrderID, reason, domain.ErrRejectedByVenue)
	}

	orig.State = domain.OrderStateCancelled
	orig.SupersededBy = next.ID
	orig.UpdatedAt = now

	b.store(&next, req.RequestToken)
	b.matchOnBook(&next)
	return next, nil
}

// CancelOrder cancels a working order.
func (b *SimulatorBroker) CancelOrder(_ context.Context, account, orderID string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("cancel order"); err != nil {
		return time.Time{}, err
	}
	o, ok := b.orders[orderID]
	if !ok || o.Account != account {
		return time.Time{}, fmt.Errorf("cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if o.State.IsTerminal() {
		return time.Time{}, fmt.Errorf("cancel %s in state %s: %w", orderID, o.State, domain.ErrInvalidState)
	}
	now := time.Now().UTC()
	o.State = domain.OrderStateCancelled
	o.UpdatedAt = now
	return now, nil
}

// GetOrderState returns a copy of the order.
func (b *SimulatorBroker) GetOrderState(_ context.Context, account, orderID string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("get order state"); err != nil {
		return domain.Order{}, err
	}
	o, ok := b.orders[orderID]
	if !ok || o.Account != account {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return *o, nil
}

// ListActiveOrders returns the account's non-terminal orders, oldest first.
func (b *SimulatorBroker) ListActiveOrders(_ context.Context, account string) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("get orders"); err != nil {
		return nil, err
	}
	var out []domain.Order
	for _, o := range b.orders {
		if o.Account == account && !o.State.IsTerminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// StopOrderGateway
// ---------------------------------------------------------------------------

// SubmitStopOrder stores a stop order and returns its id.
func (b *SimulatorBroker) SubmitStopOrder(_ context.Context, order domain.StopOrder) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("post stop order"); err != nil {
		return "", err
	}
	if !order.Quantity.IsPositive() || !order.StopPrice.IsPositive() {
		return "", fmt.Errorf("stop order needs positive quantity and stop price: %w", domain.ErrRejectedByVenue)
	}
	o := order
	o.ID = uuid.NewString()
	o.CreatedAt = time.Now().UTC()
	b.stops[o.ID] = &o
	return o.ID, nil
}

// CancelStopOrder removes a stop order.
func (b *SimulatorBroker) CancelStopOrder(_ context.Context, account, stopOrderID string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("cancel stop order"); err != nil {
		return time.Time{}, err
	}
	o, ok := b.stops[stopOrderID]
	if !ok || o.Account != account {
		return time.Time{}, fmt.Errorf("stop order %s: %w", stopOrderID, domain.ErrNotFound)
	}
	delete(b.stops, stopOrderID)
	return time.Now().UTC(), nil
}

// ListStopOrders returns the account's stop orders, oldest first.
func (b *SimulatorBroker) ListStopOrders(_ context.Context, account string) ([]domain.StopOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("get stop orders"); err != nil {
		return nil, err
	}
	var out []domain.StopOrder
	for _, o := range b.stops {
		if o.Account == account {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// ReportGateway
// ---------------------------------------------------------------------------

// SubmitReportJob registers a new report task. Every call creates a new
// task, like a real venue.
func (b *SimulatorBroker) SubmitReportJob(_ context.Context, req domain.ReportRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("generate report"); err != nil {
		return "", err
	}
	if req.To.Before(req.From) {
		return "", fmt.Errorf("report range %s..%s: %w", req.From, req.To, domain.ErrRejectedByVenue)
	}
	id := uuid.NewString()
	b.tasks[id] = &simTask{req: req}
	b.reportSubmits++
	return id, nil
}

// GetReportPage returns the task status, and the requested page of rows
// once the task is ready.
func (b *SimulatorBroker) GetReportPage(_ context.Context, taskID string, page int) (domain.ReportPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("get report"); err != nil {
		return domain.ReportPage{}, err
	}
	t, ok := b.tasks[taskID]
	if !ok {
		return domain.ReportPage{}, fmt.Errorf("report task %s: %w", taskID, domain.ErrNotFound)
	}
	t.polls++

	out := domain.ReportPage{TaskID: taskID, Page: page, Status: domain.JobSubmitted}
	switch {
	case t.failed:
		out.Status = domain.JobFailed
		return out, nil
	case t.polls < b.readyAfter:
		return out, nil
	}

	rows := b.reportRows(t.req)
	out.Status = domain.JobReady
	out.PageCount = max(1, (len(rows)+b.reportPage-1)/b.reportPage)
	if page < 0 || page >= out.PageCount {
		return domain.ReportPage{}, fmt.Errorf("report task %s page %d of %d: %w", taskID, page, out.PageCount, domain.ErrNotFound)
	}
	start := page * b.reportPage
	end := min(start+b.reportPage, len(rows))
	if start < end {
		out.Rows = rows[start:end]
	}
	return out, nil
}

// reportRows renders the operations in the report range. Must be called
// with mu held.
func (b *SimulatorBroker) reportRows(req domain.ReportRequest) []domain.ReportRow {
	var rows []domain.ReportRow
	for _, op := range b.operations[req.Account] {
		if op.Date.Before(req.From) || op.Date.After(req.To) {
			continue
		}
		if req.Kind == domain.ReportDivForeignIssuer && op.Type != domain.OperationDividend {
			continue
		}
		rows = append(rows, domain.ReportRow{
			Ref:          op.ID,
			InstrumentID: op.InstrumentID,
			Description:  string(op.Type),
			Quantity:     op.Quantity,
			Amount:       op.Payment,
			Currency:     op.Currency,
			Date:         op.Date,
		})
	}
	return rows
}

// ---------------------------------------------------------------------------
// OperationsGateway
// ---------------------------------------------------------------------------

// FetchOperations returns the page of matching operations that follows the
// operation whose id is cursor.
func (b *SimulatorBroker) FetchOperations(_ context.Context, q domain.OperationsQuery, cursor string, pageSize int) (paginate.Page[domain.Operation], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("get operations by cursor"); err != nil {
		return paginate.Page[domain.Operation]{}, err
	}
	if pageSize <= 0 {
		return paginate.Page[domain.Operation]{}, fmt.Errorf("page size %d: %w", pageSize, domain.ErrInvalidRequest)
	}

	var matched []domain.Operation
	for _, op := range b.operations[q.Account] {
		if matchesQuery(op, q) {
			matched = append(matched, op)
		}
	}

	start := 0
	if cursor != "" {
		idx := slices.IndexFunc(matched, func(op domain.Operation) bool { return op.ID == cursor })
		if idx < 0 {
			return paginate.Page[domain.Operation]{}, fmt.Errorf("cursor %q: %w", cursor, domain.ErrNotFound)
		}
		start = idx + 1
	}
	end := min(start+pageSize, len(matched))

	page := paginate.Page[domain.Operation]{Items: slices.Clone(matched[start:end])}
	if end < len(matched) {
		page.Next = matched[end-1].ID
	}
	return page, nil
}

// ---------------------------------------------------------------------------
// Matching helpers (mu held)
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) fault(op string) error {
	if b.faults > 0 {
		b.faults--
		return fmt.Errorf("%s: simulated network error: %w", op, domain.ErrTransportFailure)
	}
	return nil
}

func (b *SimulatorBroker) store(o *domain.Order, token string) {
	b.orders[o.ID] = o
	if token != "" {
		b.byToken[token] = o.ID
	}
}

func (b *SimulatorBroker) rejectReason(o *domain.Order) string {
	switch {
	case !o.Quantity.IsPositive():
		return "has non-positive quantity"
	case !b.maxQuantity.IsZero() && o.Quantity.GreaterThan(b.maxQuantity):
		return "exceeds venue quantity limit"
	case o.Type == domain.OrderTypeLimit && (o.Price == nil || !o.Price.IsPositive()):
		return "is a limit order without a positive price"
	}
	return ""
}

func (b *SimulatorBroker) marketPrice(instrument string) decimal.Decimal {
	if p, ok := b.prices[instrument]; ok {
		return p
	}
	return b.defaultPrice
}

func (b *SimulatorBroker) priceFor(o *domain.Order) decimal.Decimal {
	if o.Type == domain.OrderTypeLimit && o.Price != nil {
		return *o.Price
	}
	return b.marketPrice(o.InstrumentID)
}

// matchOnBook fills o completely when it is marketable.
func (b *SimulatorBroker) matchOnBook(o *domain.Order) {
	mkt := b.marketPrice(o.InstrumentID)
	marketable := o.Type != domain.OrderTypeLimit
	if o.Type == domain.OrderTypeLimit && o.Price != nil {
		if o.Direction == domain.DirectionBuy {
			marketable = o.Price.GreaterThanOrEqual(mkt)
		} else {
			marketable = o.Price.LessThanOrEqual(mkt)
		}
	}
	if marketable {
		b.execute(o, o.Quantity, mkt)
	}
}

// execute records a fill and the matching operations history entry.
func (b *SimulatorBroker) execute(o *domain.Order, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	now := time.Now().UTC()
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.ExecutedPrice = price
	o.UpdatedAt = now
	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.State = domain.OrderStateFilled
	} else {
		o.State = domain.OrderStatePartiallyFilled
	}

	opType, payment := domain.OperationBuy, price.Mul(qty).Neg()
	if o.Direction == domain.DirectionSell {
		opType, payment = domain.OperationSell, price.Mul(qty)
	}
	b.operations[o.Account] = append(b.operations[o.Account], domain.Operation{
		ID:           uuid.NewString(),
		Account:      o.Account,
		InstrumentID: o.InstrumentID,
		Type:         opType,
		State:        domain.OperationExecuted,
		Quantity:     qty,
		Price:        price,
		Payment:      payment,
		Description:  "order " + o.ID,
		Date:         now,
	})
}
