package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeops/internal/domain"
)

// RiskManager enforces pre-trade checks before a request reaches the venue.
// Orders failing a check are never sent.
type RiskManager struct {
	maxQuantity decimal.Decimal
	maxNotional decimal.Decimal
}

// NewRiskManager creates a RiskManager with the specified limits.
//
//   - maxQuantity: largest quantity a single order may request. Zero
//     disables the check.
//   - maxNotional: largest price * quantity of a priced order. Zero
//     disables the check. Market and best-price orders carry no price and
//     are not checked against it.
func NewRiskManager(maxQuantity, maxNotional decimal.Decimal) *RiskManager {
	return &RiskManager{
		maxQuantity: maxQuantity,
		maxNotional: maxNotional,
	}
}

// CheckOrder validates a new order's shape and limits.
func (rm *RiskManager) CheckOrder(o domain.Order) error {
	if o.InstrumentID == "" {
		return fmt.Errorf("order has no instrument: %w", domain.ErrInvalidRequest)
	}
	if o.Direction != domain.DirectionBuy && o.Direction != domain.DirectionSell {
		return fmt.Errorf("order direction %q: %w", o.Direction, domain.ErrInvalidRequest)
	}
	switch o.Type {
	case domain.OrderTypeLimit:
		if o.Price == nil || !o.Price.IsPositive() {
			return fmt.Errorf("limit order needs a positive price: %w", domain.ErrInvalidRequest)
		}
	case domain.OrderTypeMarket, domain.OrderTypeBestPrice:
		if o.Price != nil {
			return fmt.Errorf("%s order must not carry a price: %w", o.Type, domain.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("order type %q: %w", o.Type, domain.ErrInvalidRequest)
	}
	var price decimal.Decimal
	if o.Price != nil {
		price = *o.Price
	}
	return rm.checkSize(price, o.Quantity)
}

// CheckReplace validates the new price and quantity of a replacement.
func (rm *RiskManager) CheckReplace(price, quantity decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("replacement needs a positive price: %w", domain.ErrInvalidRequest)
	}
	return rm.checkSize(price, quantity)
}

// CheckStop validates a stop order.
func (rm *RiskManager) CheckStop(s domain.StopOrder) error {
	if s.InstrumentID == "" {
		return fmt.Errorf("stop order has no instrument: %w", domain.ErrInvalidRequest)
	}
	if !s.StopPrice.IsPositive() {
		return fmt.Errorf("stop order needs a positive stop price: %w", domain.ErrInvalidRequest)
	}
	if s.Type == domain.StopOrderStopLimit && (s.Price == nil || !s.Price.IsPositive()) {
		return fmt.Errorf("stop-limit order needs a positive price: %w", domain.ErrInvalidRequest)
	}
	price := s.StopPrice
	if s.Price != nil {
		price = *s.Price
	}
	return rm.checkSize(price, s.Quantity)
}

// checkSize applies the quantity and notional limits. A zero price skips the
// notional check.
func (rm *RiskManager) checkSize(price, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return fmt.Errorf("quantity %s must be positive: %w", quantity, domain.ErrInvalidRequest)
	}
	if rm == nil {
		return nil
	}
	if rm.maxQuantity.IsPositive() && quantity.GreaterThan(rm.maxQuantity) {
		return fmt.Errorf("quantity %s exceeds limit %s: %w", quantity, rm.maxQuantity, domain.ErrInvalidRequest)
	}
	if rm.maxNotional.IsPositive() && price.IsPositive() {
		if notional := price.Mul(quantity); notional.GreaterThan(rm.maxNotional) {
			return fmt.Errorf("notional %s exceeds limit %s: %w", notional, rm.maxNotional, domain.ErrInvalidRequest)
		}
	}
	return nil
}
