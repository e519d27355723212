package transactor

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/shopspring/decimal"
)

// Exchange is the part of the Binance client the transactor drives.
type Exchange interface {
	ExchangeInfo(ctx context.Context) (binance.ExchangeInfo, error)
	LeverageBrackets(ctx context.Context) ([]binance.LeverageBracket, error)
	Account(ctx context.Context) (binance.Account, error)
	OpenOrders(ctx context.Context, symbol string) ([]binance.Order, error)
	PlaceOrder(ctx context.Context, params url.Values) (binance.Order, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	ChangeMarginType(ctx context.Context, symbol, marginType string) error
	SetMultiAssetsMargin(ctx context.Context, on bool) error
	SetDualSidePosition(ctx context.Context, on bool) error
	APIRestrictions(ctx context.Context) (binance.APIRestrictions, error)
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// Binance answers these codes when a setting already has the requested
// value.
var alreadySetCodes = map[int]bool{
	-4046: true, // margin type
	-4059: true, // position side
	-4171: true, // multi-assets mode
}

func alreadySet(err error) bool {
	var apiErr *binance.APIRequestError
	return errors.As(err, &apiErr) && alreadySetCodes[apiErr.Code]
}

// Rules are one symbol's trading constraints.
type Rules struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
	MaxLeverage int
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// rulesFrom reads the filters of every market in info.
func rulesFrom(info binance.ExchangeInfo) map[string]Rules {
	out := make(map[string]Rules, len(info.Symbols))
	for _, s := range info.Symbols {
		var r Rules
		if f, ok := s.Filter("PRICE_FILTER"); ok {
			r.TickSize = parseDecimal(f.TickSize)
		}
		if f, ok := s.Filter("MARKET_LOT_SIZE"); ok {
			r.StepSize = parseDecimal(f.StepSize)
			r.MinQty = parseDecimal(f.MinQty)
			r.MaxQty = parseDecimal(f.MaxQty)
		}
		if f, ok := s.Filter("LOT_SIZE"); ok {
			if r.StepSize.IsZero() {
				r.StepSize = parseDecimal(f.StepSize)
			}
			if r.MinQty.IsZero() {
				r.MinQty = parseDecimal(f.MinQty)
			}
			if r.MaxQty.IsZero() {
				r.MaxQty = parseDecimal(f.MaxQty)
			}
		}
		if f, ok := s.Filter("MIN_NOTIONAL"); ok {
			r.MinNotional = parseDecimal(f.Notional)
		}
		out[s.Symbol] = r
	}
	return out
}

// Quantity converts a margin into an order quantity at price:
// max(min notional, margin·leverage)/price, clamped to the maximum quantity
// and rounded up to the step size.
func (r Rules) Quantity(margin float64, leverage int, price float64) (decimal.Decimal, error) {
	if price <= 0 {
		return decimal.Zero, fmt.Errorf("price must be positive, got %v", price)
	}
	if margin <= 0 {
		return decimal.Zero, fmt.Errorf("margin must be positive, got %v", margin)
	}
	if leverage < 1 {
		leverage = 1
	}
	notional := decimal.NewFromFloat(margin).Mul(decimal.NewFromInt(int64(leverage)))
	if notional.LessThan(r.MinNotional) {
		notional = r.MinNotional
	}
	qty := notional.DivRound(decimal.NewFromFloat(price), 16)
	if r.MaxQty.IsPositive() && qty.GreaterThan(r.MaxQty) {
		qty = r.MaxQty
	}
	qty = roundUp(qty, r.StepSize)
	if r.MinQty.IsPositive() && qty.LessThan(r.MinQty) {
		qty = r.MinQty
	}
	return qty, nil
}

// Price rounds p to the tick size.
func (r Rules) Price(p float64) decimal.Decimal {
	d := decimal.NewFromFloat(p)
	if !r.TickSize.IsPositive() {
		return d
	}
	return d.Div(r.TickSize).Round(0).Mul(r.TickSize)
}

func roundUp(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}
