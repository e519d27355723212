package transactor

import (
	"fmt"
	"math"
	"net/url"
	"sort"

	"github.com/google/uuid"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/shopspring/decimal"
)

// Market is what the planner knows about one symbol at decision time.
type Market struct {
	Rules    Rules
	Leverage int
	Price    float64
	// Amount is the signed position size.
	Amount float64
}

// OrderRequest is one order to send. ClientID is also set in Params.
type OrderRequest struct {
	Symbol   string
	Type     models.OrderType
	ClientID string
	Params   url.Values
}

// Plan is the four batches a set of decisions turns into. Batches are sent
// in field order.
type Plan struct {
	Cancels     []string
	Market      []OrderRequest
	Limit       []OrderRequest
	Conditional []OrderRequest
	// Skipped lists decisions that could not become an order.
	Skipped []string
}

// Empty reports whether the plan sends nothing.
func (p Plan) Empty() bool {
	return len(p.Cancels)+len(p.Market)+len(p.Limit)+len(p.Conditional) == 0
}

// Orders returns every order request in sending order.
func (p Plan) Orders() []OrderRequest {
	out := make([]OrderRequest, 0, len(p.Market)+len(p.Limit)+len(p.Conditional))
	out = append(out, p.Market...)
	out = append(out, p.Limit...)
	return append(out, p.Conditional...)
}

type planner struct {
	newClientID func() string
}

func newPlanner() planner {
	return planner{newClientID: uuid.NewString}
}

// plan converts decisions into orders. Close-position triggers are sided by
// the direction the position is assumed to have once the market batch has
// filled.
func (pl planner) plan(decisions models.Decisions, markets map[string]Market) (Plan, error) {
	symbols := make([]string, 0, len(decisions))
	for sym, orders := range decisions {
		if _, ok := markets[sym]; !ok {
			return Plan{}, fmt.Errorf("decision for unknown symbol %q", sym)
		}
		for t := range orders {
			if !t.Valid() {
				return Plan{}, fmt.Errorf("decision for %s has unknown order type %q", sym, t)
			}
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var out Plan
	for _, sym := range symbols {
		m := markets[sym]
		orders := decisions[sym]
		assumed := m.Amount

		for _, t := range models.PlacementPriority {
			d, ok := orders[t]
			if !ok {
				continue
			}

			if t == models.CancelAll {
				out.Cancels = append(out.Cancels, sym)
				continue
			}

			if t == models.NowClose {
				if assumed == 0 {
					out.Skipped = append(out.Skipped, fmt.Sprintf("%s %s: no position", sym, t))
					continue
				}
				qty := roundUp(decimal.NewFromFloat(math.Abs(assumed)), m.Rules.StepSize)
				params := pl.params(sym, closingSide(assumed), "MARKET")
				params.Set("quantity", qty.String())
				params.Set("reduceOnly", "true")
				out.Market = append(out.Market, pl.request(sym, t, params))
				assumed = 0
				continue
			}

			if t.IsClose() {
				dir := models.DirectionOf(assumed)
				if dir == models.None {
					out.Skipped = append(out.Skipped, fmt.Sprintf("%s %s: no position expected", sym, t))
					continue
				}
				params := pl.params(sym, closingSide(assumed), laterType(t, dir))
				params.Set("stopPrice", m.Rules.Price(d.Boundary).String())
				params.Set("closePosition", "true")
				params.Set("workingType", "MARK_PRICE")
				out.Conditional = append(out.Conditional, pl.request(sym, t, params))
				continue
			}

			price := m.Price
			if t.Kind() != models.KindNow {
				price = d.Boundary
			}
			qty, err := m.Rules.Quantity(d.Margin, m.Leverage, price)
			if err != nil {
				out.Skipped = append(out.Skipped, fmt.Sprintf("%s %s: %v", sym, t, err))
				continue
			}
			side := "BUY"
			if t.IsSell() {
				side = "SELL"
			}

			switch t.Kind() {
			case models.KindNow:
				params := pl.params(sym, side, "MARKET")
				params.Set("quantity", qty.String())
				out.Market = append(out.Market, pl.request(sym, t, params))
				signed := qty.InexactFloat64()
				if t.IsSell() {
					signed = -signed
				}
				assumed += signed

			case models.KindBook:
				params := pl.params(sym, side, "LIMIT")
				params.Set("quantity", qty.String())
				params.Set("price", m.Rules.Price(d.Boundary).String())
				params.Set("timeInForce", "GTC")
				out.Limit = append(out.Limit, pl.request(sym, t, params))

			case models.KindLater:
				params := pl.params(sym, side, laterType(t, models.None))
				params.Set("quantity", qty.String())
				params.Set("stopPrice", m.Rules.Price(d.Boundary).String())
				params.Set("workingType", "MARK_PRICE")
				out.Conditional = append(out.Conditional, pl.request(sym, t, params))
			}
		}
	}
	return out, nil
}

func (pl planner) params(symbol, side, orderType string) url.Values {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("newOrderRespType", "RESULT")
	return params
}

func (pl planner) request(symbol string, t models.OrderType, params url.Values) OrderRequest {
	id := pl.newClientID()
	params.Set("newClientOrderId", id)
	return OrderRequest{Symbol: symbol, Type: t, ClientID: id, Params: params}
}

func closingSide(amount float64) string {
	if amount > 0 {
		return "SELL"
	}
	return "BUY"
}

// laterType maps a trigger to Binance's conditional order type. Triggers
// above the market are stops for buys and take-profits for sells; below the
// market it is the other way round. dir is the position a close trigger
// closes.
func laterType(t models.OrderType, dir models.Direction) string {
	up := t == models.LaterUpBuy || t == models.LaterUpSell || t == models.LaterUpClose
	buying := t.IsBuy() || (t.IsClose() && dir == models.Short)
	if up == buying {
		return "STOP_MARKET"
	}
	return "TAKE_PROFIT_MARKET"
}

// orderTypeOf maps an exchange order back to the strategy vocabulary.
func orderTypeOf(kind, side string, closePosition bool) (models.OrderType, bool) {
	buy := side == "BUY"
	switch kind {
	case "LIMIT":
		if closePosition {
			return "", false
		}
		if buy {
			return models.BookBuy, true
		}
		return models.BookSell, true
	case "STOP_MARKET", "STOP":
		switch {
		case closePosition && buy:
			return models.LaterUpClose, true
		case closePosition:
			return models.LaterDownClose, true
		case buy:
			return models.LaterUpBuy, true
		default:
			return models.LaterDownSell, true
		}
	case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
		switch {
		case closePosition && buy:
			return models.LaterDownClose, true
		case closePosition:
			return models.LaterUpClose, true
		case buy:
			return models.LaterDownBuy, true
		default:
			return models.LaterUpSell, true
		}
	}
	return "", false
}

// exchangeOrder is the subset of an order both REST and the user stream
// report.
type exchangeOrder struct {
	Kind          string
	Side          string
	ClosePosition bool
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
}

// openOrder converts o for the account state. LeftMargin is nil for
// orders closing the whole position.
func openOrder(o exchangeOrder, leverage int) (models.OpenOrder, bool) {
	t, ok := orderTypeOf(o.Kind, o.Side, o.ClosePosition)
	if !ok {
		return models.OpenOrder{}, false
	}
	boundary := o.StopPrice
	if t.Kind() == models.KindBook {
		boundary = o.Price
	}
	out := models.OpenOrder{OrderType: t, BoundaryPrice: boundary}
	if !o.ClosePosition {
		if leverage < 1 {
			leverage = 1
		}
		left := (o.OrigQty - o.ExecutedQty) * boundary / float64(leverage)
		out.LeftMargin = &left
	}
	return out, true
}
