package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tradeops/internal/domain"
	"tradeops/internal/paginate"
	"tradeops/internal/util"
)

// Compile-time interface checks.
var (
	_ OrderGateway      = (*AlpacaBroker)(nil)
	_ StopOrderGateway  = (*AlpacaBroker)(nil)
	_ OperationsGateway = (*AlpacaBroker)(nil)
)

// AlpacaBroker implements the gateway contracts on top of the Alpaca
// trading API. Alpaca scopes every call to the account owning the API key,
// so the account arguments are only used to tag results. Report jobs are
// not offered by Alpaca.
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter *util.RateLimiter
	retries int
	log     *slog.Logger
}

// AlpacaOption configures an AlpacaBroker.
type AlpacaOption func(*AlpacaBroker)

// WithRateLimit throttles API calls to perMinute with the given burst.
func WithRateLimit(perMinute, burst int) AlpacaOption {
	return func(b *AlpacaBroker) {
		if perMinute > 0 {
			b.limiter = util.NewRateLimiter(perMinute, burst)
		}
	}
}

// WithReadRetries sets how many attempts read-only calls get on transport
// failures. Mutating calls are never retried.
func WithReadRetries(n int) AlpacaOption {
	return func(b *AlpacaBroker) { b.retries = max(n, 1) }
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, opts ...AlpacaOption) *AlpacaBroker {
	b := &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		retries: 3,
		log:     slog.Default().With("gateway", "alpaca"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder places an order. Best-price orders are sent as market orders;
// the idempotency token becomes Alpaca's client order id.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	req, err := placeRequest(order)
	if err != nil {
		return domain.Order{}, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("post order: %w: %w", domain.ErrCancelled, err)
	}
	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return domain.Order{}, classifyAlpaca("post order", err)
	}
	out := fromAlpacaOrder(order.Account, placed)
	out.IdempotencyToken = order.IdempotencyToken
	if order.Type == domain.OrderTypeBestPrice {
		out.Type = domain.OrderTypeBestPrice
	}
	if out.State == domain.OrderStateRejected {
		return out, fmt.Errorf("post order %s: %w", out.ID, domain.ErrRejectedByVenue)
	}
	return out, nil
}

// ReplaceOrder rebooks a working order. Alpaca answers with the new order
// whose Replaces field names the original.
func (b *AlpacaBroker) ReplaceOrder(ctx context.Context, req domain.ReplaceRequest) (domain.Order, error) {
	qty := req.Quantity
	price := req.Price
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("replace order: %w: %w", domain.ErrCancelled, err)
	}
	replaced, err := b.client.ReplaceOrder(req.OrderID, alpaca.ReplaceOrderRequest{
		Qty:           &qty,
		LimitPrice:    &price,
		ClientOrderID: req.RequestToken,
	})
	if err != nil {
		return domain.Order{}, classifyAlpaca("replace order", err)
	}
	out := fromAlpacaOrder(req.Account, replaced)
	if out.Supersedes == "" {
		out.Supersedes = req.OrderID
	}
	return out, nil
}

// CancelOrder requests cancellation and reads the order back to obtain the
// venue's cancellation time. Alpaca cancels asynchronously, so the request
// time is used while the cancel is pending.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, account, orderID string) (time.Time, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return time.Time{}, fmt.Errorf("cancel order: %w: %w", domain.ErrCancelled, err)
	}
	requested := time.Now().UTC()
	if err := b.client.CancelOrder(orderID); err != nil {
		return time.Time{}, classifyAlpaca("cancel order", err)
	}

	o, err := b.getOrder(ctx, orderID)
	if err != nil {
		b.log.Warn("reading cancelled order back", "order", orderID, "error", err)
		return requested, nil
	}
	if o.CanceledAt != nil {
		return o.CanceledAt.UTC(), nil
	}
	return requested, nil
}

// GetOrderState returns Alpaca's current view of the order.
func (b *AlpacaBroker) GetOrderState(ctx context.Context, account, orderID string) (domain.Order, error) {
	o, err := b.getOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return fromAlpacaOrder(account, o), nil
}

// ListActiveOrders returns the open orders of the account.
func (b *AlpacaBroker) ListActiveOrders(ctx context.Context, account string) ([]domain.Order, error) {
	var orders []alpaca.Order
	err := b.read(ctx, "get orders", func() error {
		var err error
		orders, err = b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(orders))
	for i := range orders {
		if o := fromAlpacaOrder(account, &orders[i]); !isStopType(orders[i].Type) {
			out = append(out, o)
		}
	}
	return out, nil
}

// SubmitStopOrder places a stop or stop-limit order.
func (b *AlpacaBroker) SubmitStopOrder(ctx context.Context, order domain.StopOrder) (string, error) {
	req, err := stopRequest(order)
	if err != nil {
		return "", err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("post stop order: %w: %w", domain.ErrCancelled, err)
	}
	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return "", classifyAlpaca("post stop order", err)
	}
	return placed.ID, nil
}

// CancelStopOrder cancels a stop order. Stop orders are regular orders at
// Alpaca.
func (b *AlpacaBroker) CancelStopOrder(ctx context.Context, account, stopOrderID string) (time.Time, error) {
	return b.CancelOrder(ctx, account, stopOrderID)
}

// ListStopOrders returns the open stop and stop-limit orders.
func (b *AlpacaBroker) ListStopOrders(ctx context.Context, account string) ([]domain.StopOrder, error) {
	var orders []alpaca.Order
	err := b.read(ctx, "get stop orders", func() error {
		var err error
		orders, err = b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
		return err
	})
	if err != nil {
		return nil, err
	}
	var out []domain.StopOrder
	for _, o := range orders {
		if !isStopType(o.Type) {
			continue
		}
		so := domain.StopOrder{
			ID:           o.ID,
			Account:      account,
			InstrumentID: o.Symbol,
			Direction:    fromAlpacaSide(o.Side),
			Type:         domain.StopOrderStopLoss,
			Price:        o.LimitPrice,
			CreatedAt:    o.CreatedAt,
		}
		if o.Qty != nil {
			so.Quantity = *o.Qty
		}
		if o.StopPrice != nil {
			so.StopPrice = *o.StopPrice
		}
		if o.Type == alpaca.StopLimit {
			so.Type = domain.StopOrderStopLimit
		}
		out = append(out, so)
	}
	return out, nil
}

// alpacaMaxPageSize is the largest page_size the activities endpoint honours.
const alpacaMaxPageSize = 100

// FetchOperations pages through account activities. Alpaca's page token is
// the id of the last activity of the previous page, and the history is
// exhausted once a page comes back empty. Side, state and instrument are
// filtered locally; pages with nothing left after filtering are skipped so
// that an empty page only ever means the end.
func (b *AlpacaBroker) FetchOperations(ctx context.Context, q domain.OperationsQuery, cursor string, pageSize int) (paginate.Page[domain.Operation], error) {
	req := alpaca.GetAccountActivitiesRequest{
		ActivityTypes: activityTypes(q.Types),
		After:         q.From,
		Until:         q.To,
		Direction:     "asc",
		PageSize:      min(max(pageSize, 1), alpacaMaxPageSize),
		PageToken:     cursor,
	}
	for {
		if err := ctx.Err(); err != nil {
			return paginate.Page[domain.Operation]{}, fmt.Errorf("get account activities: %w: %w", domain.ErrCancelled, err)
		}
		var acts []alpaca.AccountActivity
		err := b.read(ctx, "get account activities", func() error {
			var err error
			acts, err = b.client.GetAccountActivities(req)
			return err
		})
		if err != nil {
			return paginate.Page[domain.Operation]{}, err
		}
		if len(acts) == 0 {
			return paginate.Page[domain.Operation]{}, nil
		}

		var page paginate.Page[domain.Operation]
		for _, a := range acts {
			if op := fromActivity(q.Account, a); matchesQuery(op, q) {
				page.Items = append(page.Items, op)
			}
		}
		last := acts[len(acts)-1].ID
		if len(page.Items) > 0 {
			page.Next = last
			return page, nil
		}
		if last == req.PageToken {
			return paginate.Page[domain.Operation]{}, fmt.Errorf("get account activities: page token %q: %w", last, paginate.ErrCursorStalled)
		}
		req.PageToken = last
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (b *AlpacaBroker) getOrder(ctx context.Context, orderID string) (*alpaca.Order, error) {
	var o *alpaca.Order
	err := b.read(ctx, "get order", func() error {
		var err error
		o, err = b.client.GetOrder(orderID)
		return err
	})
	return o, err
}

// read runs a read-only call under the rate limiter, retrying transport
// failures.
func (b *AlpacaBroker) read(ctx context.Context, op string, fn func() error) error {
	return util.RetryIf(ctx, b.retries, 200*time.Millisecond, domain.IsRetriable, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w: %w", op, domain.ErrCancelled, err)
		}
		if err := fn(); err != nil {
			return classifyAlpaca(op, err)
		}
		return nil
	})
}

// classifyAlpaca maps an Alpaca API error onto the domain error kinds.
func classifyAlpaca(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, domain.ErrNotFound)
		case http.StatusUnprocessableEntity:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, domain.ErrInvalidState)
		case http.StatusBadRequest, http.StatusForbidden:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, domain.ErrRejectedByVenue)
		}
		return fmt.Errorf("%s: status %d: %s: %w", op, apiErr.StatusCode, apiErr.Message, domain.ErrTransportFailure)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransportFailure, err)
}

func placeRequest(o domain.Order) (alpaca.PlaceOrderRequest, error) {
	qty := o.Quantity
	req := alpaca.PlaceOrderRequest{
		Symbol:        o.InstrumentID,
		Qty:           &qty,
		Side:          alpacaSide(o.Direction),
		TimeInForce:   alpaca.Day,
		ClientOrderID: o.IdempotencyToken,
	}
	switch o.Type {
	case domain.OrderTypeMarket, domain.OrderTypeBestPrice:
		req.Type = alpaca.Market
	case domain.OrderTypeLimit:
		if o.Price == nil {
			return req, fmt.Errorf("limit order without price: %w", domain.ErrInvalidRequest)
		}
		price := *o.Price
		req.Type = alpaca.Limit
		req.LimitPrice = &price
	default:
		return req, fmt.Errorf("order type %q: %w", o.Type, domain.ErrInvalidRequest)
	}
	return req, nil
}

// stopRequest builds the Alpaca request for a stop order.
func stopRequest(order domain.StopOrder) (alpaca.PlaceOrderRequest, error) {
	qty := order.Quantity
	stop := order.StopPrice
	req := alpaca.PlaceOrderRequest{
		Symbol:      order.InstrumentID,
		Qty:         &qty,
		Side:        alpacaSide(order.Direction),
		Type:        alpaca.Stop,
		TimeInForce: alpaca.GTC,
		StopPrice:   &stop,
	}
	// Only stop-limit orders carry a limit; a price on any other stop type
	// is ignored.
	if order.Type == domain.StopOrderStopLimit {
		if order.Price == nil || !order.Price.IsPositive() {
			return req, fmt.Errorf("stop-limit order without price: %w", domain.ErrInvalidRequest)
		}
		limit := *order.Price
		req.Type = alpaca.StopLimit
		req.LimitPrice = &limit
	}
	if order.ExpireAt != nil {
		req.TimeInForce = alpaca.Day
	}
	return req, nil
}

func alpacaSide(d domain.Direction) alpaca.Side {
	if d == domain.DirectionSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func fromAlpacaSide(s alpaca.Side) domain.Direction {
	if s == alpaca.Sell {
		return domain.DirectionSell
	}
	return domain.DirectionBuy
}

func isStopType(t alpaca.OrderType) bool {
	return t == alpaca.Stop || t == alpaca.StopLimit
}

func fromAlpacaOrder(account string, o *alpaca.Order) domain.Order {
	out := domain.Order{
		ID:             o.ID,
		Account:        account,
		InstrumentID:   o.Symbol,
		Direction:      fromAlpacaSide(o.Side),
		Type:           domain.OrderTypeMarket,
		Price:          o.LimitPrice,
		State:          alpacaState(o.Status),
		FilledQuantity: o.FilledQty,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if o.Type == alpaca.Limit {
		out.Type = domain.OrderTypeLimit
	}
	if o.Qty != nil {
		out.Quantity = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		out.ExecutedPrice = *o.FilledAvgPrice
	}
	if o.Replaces != nil {
		out.Supersedes = *o.Replaces
	}
	if o.ReplacedBy != nil {
		out.SupersededBy = *o.ReplacedBy
	}
	return out
}

// alpacaState maps Alpaca order statuses onto the lifecycle states. A
// replaced or expired order is reported as cancelled.
func alpacaState(status string) domain.OrderState {
	switch status {
	case "partially_filled":
		return domain.OrderStatePartiallyFilled
	case "filled":
		return domain.OrderStateFilled
	case "canceled", "expired", "replaced":
		return domain.OrderStateCancelled
	case "rejected":
		return domain.OrderStateRejected
	default:
		// new, accepted, pending_new, pending_cancel, pending_replace,
		// done_for_day, stopped, suspended, calculated, held
		return domain.OrderStateNew
	}
}

// activityTypes maps operation types onto Alpaca activity type codes.
// Buy and sell are both fills.
func activityTypes(types []domain.OperationType) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range types {
		var code string
		switch t {
		case domain.OperationBuy, domain.OperationSell:
			code = "FILL"
		case domain.OperationDividend:
			code = "DIV"
		case domain.OperationCommission:
			code = "FEE"
		case domain.OperationDeposit, domain.OperationWithdrawal:
			code = "CSD"
		default:
			continue
		}
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}

func fromActivity(account string, a alpaca.AccountActivity) domain.Operation {
	op := domain.Operation{
		ID:           a.ID,
		Account:      account,
		InstrumentID: a.Symbol,
		State:        domain.OperationExecuted,
		Quantity:     a.Qty,
		Price:        a.Price,
		Payment:      a.NetAmount,
		Currency:     "usd",
		Description:  a.Description,
		Date:         a.TransactionTime.UTC(),
	}
	switch strings.ToUpper(string(a.ActivityType)) {
	case "FILL":
		op.Type = domain.OperationBuy
		if side := strings.ToLower(string(a.Side)); side == "sell" || side == "sell_short" {
			op.Type = domain.OperationSell
		}
		if op.Payment.IsZero() {
			op.Payment = a.Price.Mul(a.Qty)
			if op.Type == domain.OperationBuy {
				op.Payment = op.Payment.Neg()
			}
		}
	case "DIV", "DIVCGL", "DIVCGS", "DIVNRA", "DIVROC", "DIVTXEX":
		op.Type = domain.OperationDividend
	case "FEE", "PTC":
		op.Type = domain.OperationCommission
	case "CSD":
		op.Type = domain.OperationDeposit
	case "CSW":
		op.Type = domain.OperationWithdrawal
	default:
		op.Type = domain.OperationOther
	}
	return op
}
