package transactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/indicator"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/rwlock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const btc = "BTCUSDT"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeExchange struct {
	mu sync.Mutex

	info         binance.ExchangeInfo
	brackets     []binance.LeverageBracket
	account      binance.Account
	openOrders   map[string][]binance.Order
	restrictions binance.APIRestrictions
	multiAssets  error
	failType     string

	calls  []string
	placed []url.Values
	nextID int64
}

func (f *fakeExchange) log(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeExchange) ExchangeInfo(ctx context.Context) (binance.ExchangeInfo, error) {
	return f.info, nil
}

func (f *fakeExchange) LeverageBrackets(ctx context.Context) ([]binance.LeverageBracket, error) {
	return f.brackets, nil
}

func (f *fakeExchange) Account(ctx context.Context) (binance.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account, nil
}

func (f *fakeExchange) OpenOrders(ctx context.Context, symbol string) ([]binance.Order, error) {
	return f.openOrders[symbol], nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, params url.Values) (binance.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := params.Get("type")
	f.calls = append(f.calls, "place "+kind)
	if kind == f.failType {
		return binance.Order{}, &binance.APIRequestError{StatusCode: 400, Code: -2019, Message: "Margin is insufficient."}
	}
	f.placed = append(f.placed, params)
	f.nextID++
	return binance.Order{OrderID: 1000 + f.nextID, Symbol: params.Get("symbol"), Type: kind}, nil
}

func (f *fakeExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	f.log("cancel " + symbol)
	return nil
}

func (f *fakeExchange) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	f.log(fmt.Sprintf("leverage %s %d", symbol, leverage))
	return nil
}

func (f *fakeExchange) ChangeMarginType(ctx context.Context, symbol, marginType string) error {
	f.log("margin " + symbol + " " + marginType)
	return nil
}

func (f *fakeExchange) SetMultiAssetsMargin(ctx context.Context, on bool) error {
	f.log(fmt.Sprintf("multi-assets %v", on))
	return f.multiAssets
}

func (f *fakeExchange) SetDualSidePosition(ctx context.Context, on bool) error {
	f.log(fmt.Sprintf("dual-side %v", on))
	return nil
}

func (f *fakeExchange) APIRestrictions(ctx context.Context) (binance.APIRestrictions, error) {
	return f.restrictions, nil
}

func (f *fakeExchange) CreateListenKey(ctx context.Context) (string, error) { return "key", nil }

func (f *fakeExchange) KeepAliveListenKey(ctx context.Context) error { return nil }

func (f *fakeExchange) setWallet(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account.Assets = []binance.AccountAsset{{Asset: "USDT", WalletBalance: binance.Float(v)}}
}

func (f *fakeExchange) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func btcInfo() binance.ExchangeInfo {
	return binance.ExchangeInfo{Symbols: []binance.SymbolInfo{{
		Symbol: btc,
		Filters: []binance.SymbolFilter{
			{FilterType: "PRICE_FILTER", TickSize: "0.10"},
			{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001", MaxQty: "1000"},
			{FilterType: "MIN_NOTIONAL", Notional: "5"},
		},
	}}}
}

func testTransactor(t *testing.T, ex *fakeExchange, candles *candle.Frame) *Transactor {
	if candles == nil {
		candles = candle.NewFrame([]string{btc})
	}
	tr := New(Config{DataPath: t.TempDir(), Symbols: []string{btc}}, ex, rwlock.NewGuarded(candles), nil, quietLogger())
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	n := 0
	tr.planner.newClientID = func() string {
		n++
		return fmt.Sprintf("cid-%d", n)
	}
	return tr
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestQuantity(t *testing.T) {
	rules := rulesFrom(btcInfo())[btc]

	tests := []struct {
		name     string
		margin   float64
		leverage int
		price    float64
		want     string
	}{
		{"rounds up to step", 10, 5, 30000, "0.002"},
		{"min notional", 1, 1, 100, "0.05"},
		{"max quantity", 1e7, 1, 1, "1000"},
		{"min quantity", 1, 1, 1e6, "0.001"},
		{"leverage below one", 10, 0, 10, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.Quantity(tt.margin, tt.leverage, tt.price)
			require.NoError(t, err)
			assert.True(t, dec(tt.want).Equal(got), "got %s", got)
		})
	}

	_, err := rules.Quantity(10, 1, 0)
	assert.Error(t, err)
	_, err = rules.Quantity(-1, 1, 100)
	assert.Error(t, err)
}

func TestPriceRoundsToTick(t *testing.T) {
	rules := rulesFrom(btcInfo())[btc]
	assert.True(t, dec("123.5").Equal(rules.Price(123.456)))
	assert.True(t, dec("90").Equal(rules.Price(90)))
	assert.True(t, dec("1.2345").Equal(Rules{}.Price(1.2345)))
}

func testMarket(amount float64) map[string]Market {
	return map[string]Market{btc: {Rules: rulesFrom(btcInfo())[btc], Leverage: 2, Price: 100, Amount: amount}}
}

func TestPlanSplitsDecisionsIntoBatches(t *testing.T) {
	tr := testTransactor(t, &fakeExchange{}, nil)
	decisions := models.Decisions{}
	decisions.Add(btc, models.CancelAll, models.Decision{})
	decisions.Add(btc, models.NowBuy, models.Decision{Margin: 100})
	decisions.Add(btc, models.LaterDownClose, models.Decision{Boundary: 90})
	decisions.Add(btc, models.BookSell, models.Decision{Boundary: 112.2, Margin: 100})

	plan, err := tr.planner.plan(decisions, testMarket(0))
	require.NoError(t, err)

	assert.Equal(t, []string{btc}, plan.Cancels)

	require.Len(t, plan.Market, 1)
	m := plan.Market[0].Params
	assert.Equal(t, "MARKET", m.Get("type"))
	assert.Equal(t, "BUY", m.Get("side"))
	assert.Equal(t, "2", m.Get("quantity"))
	assert.Equal(t, plan.Market[0].ClientID, m.Get("newClientOrderId"))

	require.Len(t, plan.Limit, 1)
	l := plan.Limit[0].Params
	assert.Equal(t, "LIMIT", l.Get("type"))
	assert.Equal(t, "SELL", l.Get("side"))
	assert.Equal(t, "112.2", l.Get("price"))
	assert.Equal(t, "1.783", l.Get("quantity"))
	assert.Equal(t, "GTC", l.Get("timeInForce"))

	require.Len(t, plan.Conditional, 1)
	c := plan.Conditional[0].Params
	assert.Equal(t, "STOP_MARKET", c.Get("type"))
	assert.Equal(t, "SELL", c.Get("side"))
	assert.Equal(t, "90", c.Get("stopPrice"))
	assert.Equal(t, "true", c.Get("closePosition"))
	assert.Empty(t, c.Get("quantity"))

	assert.Empty(t, plan.Skipped)
}

func TestPlanSidesCloseTriggersByAssumedDirection(t *testing.T) {
	tests := []struct {
		name      string
		amount    float64
		orders    map[models.OrderType]models.Decision
		market    []string
		condition []string
		skipped   int
	}{
		{
			name:   "now close of a short",
			amount: -0.5,
			orders: map[models.OrderType]models.Decision{models.NowClose: {}},
			market: []string{"MARKET BUY 0.5 reduceOnly"},
		},
		{
			name:    "close trigger while flat",
			amount:  0,
			orders:  map[models.OrderType]models.Decision{models.LaterUpClose: {Boundary: 120}},
			skipped: 1,
		},
		{
			name:      "sell flips the long before the trigger",
			amount:    0.3,
			orders:    map[models.OrderType]models.Decision{models.NowSell: {Margin: 50}, models.LaterUpClose: {Boundary: 95}},
			market:    []string{"MARKET SELL 1"},
			condition: []string{"STOP_MARKET BUY 95"},
		},
		{
			name:      "take profit of a short",
			amount:    -1,
			orders:    map[models.OrderType]models.Decision{models.LaterDownClose: {Boundary: 80}},
			condition: []string{"TAKE_PROFIT_MARKET BUY 80"},
		},
		{
			name:      "close then reopen",
			amount:    -1,
			orders:    map[models.OrderType]models.Decision{models.NowClose: {}, models.NowBuy: {Margin: 50}, models.LaterDownClose: {Boundary: 90}},
			market:    []string{"MARKET BUY 1 reduceOnly", "MARKET BUY 1"},
			condition: []string{"STOP_MARKET SELL 90"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := testTransactor(t, &fakeExchange{}, nil)
			plan, err := tr.planner.plan(models.Decisions{btc: tt.orders}, testMarket(tt.amount))
			require.NoError(t, err)

			var market, condition []string
			for _, o := range plan.Market {
				s := fmt.Sprintf("%s %s %s", o.Params.Get("type"), o.Params.Get("side"), o.Params.Get("quantity"))
				if o.Params.Get("reduceOnly") == "true" {
					s += " reduceOnly"
				}
				market = append(market, s)
			}
			for _, o := range plan.Conditional {
				condition = append(condition, fmt.Sprintf("%s %s %s", o.Params.Get("type"), o.Params.Get("side"), o.Params.Get("stopPrice")))
			}
			assert.Equal(t, tt.market, market)
			assert.Equal(t, tt.condition, condition)
			assert.Len(t, plan.Skipped, tt.skipped)
		})
	}
}

func TestPlanRejectsUnknownInput(t *testing.T) {
	tr := testTransactor(t, &fakeExchange{}, nil)

	_, err := tr.planner.plan(models.Decisions{"ETHUSDT": {models.NowBuy: {Margin: 1}}}, testMarket(0))
	assert.Error(t, err)

	_, err = tr.planner.plan(models.Decisions{btc: {"NOW_HODL": {Margin: 1}}}, testMarket(0))
	assert.Error(t, err)
}

func TestConditionalTypesMapBack(t *testing.T) {
	for _, typ := range []models.OrderType{models.LaterUpBuy, models.LaterDownBuy, models.LaterUpSell, models.LaterDownSell} {
		side := "BUY"
		if typ.IsSell() {
			side = "SELL"
		}
		got, ok := orderTypeOf(laterType(typ, models.None), side, false)
		require.True(t, ok)
		assert.Equal(t, typ, got)
	}
	for _, typ := range []models.OrderType{models.LaterUpClose, models.LaterDownClose} {
		got, ok := orderTypeOf(laterType(typ, models.Long), "SELL", true)
		require.True(t, ok)
		assert.Equal(t, typ, got, "closing a long")

		got, ok = orderTypeOf(laterType(typ, models.Short), "BUY", true)
		require.True(t, ok)
		assert.Equal(t, typ, got, "closing a short")
	}
	_, ok := orderTypeOf("MARKET", "BUY", false)
	assert.False(t, ok)
}

func reconcileExchange() *fakeExchange {
	ex := &fakeExchange{
		info:     btcInfo(),
		brackets: []binance.LeverageBracket{{Symbol: btc, Brackets: []binance.Bracket{{InitialLeverage: 20}, {InitialLeverage: 10}}}},
		account: binance.Account{
			TotalUnrealizedProfit: 10,
			Positions: []binance.AccountPosition{
				{Symbol: btc, PositionAmt: 0.5, EntryPrice: 100, Leverage: 5, PositionSide: "BOTH"},
				{Symbol: "ETHUSDT", PositionAmt: 3, EntryPrice: 2000, Leverage: 5, PositionSide: "BOTH"},
			},
		},
		openOrders: map[string][]binance.Order{btc: {
			{OrderID: 7, Symbol: btc, Type: "STOP_MARKET", Side: "SELL", ClosePosition: true, StopPrice: 90},
			{OrderID: 8, Symbol: btc, Type: "LIMIT", Side: "BUY", Price: 95, OrigQty: 1, ExecutedQty: 0.2},
		}},
		restrictions: binance.APIRestrictions{EnableFutures: true},
	}
	ex.setWallet(1000)
	return ex
}

func assetRows(t *testing.T, tr *Transactor) []models.AssetRow {
	t.Helper()
	var rows []models.AssetRow
	require.NoError(t, tr.assets.Read(context.Background(), func(a *models.AssetRecord) error {
		rows = append(rows, a.Rows...)
		return nil
	}))
	return rows
}

func TestReconcileRebuildsAccount(t *testing.T) {
	ex := reconcileExchange()
	tr := testTransactor(t, ex, nil)
	ctx := context.Background()

	require.NoError(t, tr.Reconcile(ctx))

	acct := tr.Account()
	assert.Equal(t, 1000.0, acct.WalletBalance)
	assert.Equal(t, models.Position{Margin: 10, Direction: models.Long, EntryPrice: 100}, acct.Positions[btc])
	assert.NotContains(t, acct.Positions, "ETHUSDT")

	require.Len(t, acct.OpenOrders[btc], 2)
	stop := acct.OpenOrders[btc][7]
	assert.Equal(t, models.LaterDownClose, stop.OrderType)
	assert.Equal(t, 90.0, stop.BoundaryPrice)
	assert.Nil(t, stop.LeftMargin)
	limit := acct.OpenOrders[btc][8]
	assert.Equal(t, models.BookBuy, limit.OrderType)
	require.NotNil(t, limit.LeftMargin)
	assert.InDelta(t, 0.8*95/5, *limit.LeftMargin, 1e-9)

	rows := assetRows(t, tr)
	require.Len(t, rows, 1)
	assert.Equal(t, models.Other, rows[0].Cause)
	assert.Equal(t, 1000.0, rows[0].ResultAsset)

	require.NoError(t, tr.unrealized.Read(ctx, func(s *models.Series) error {
		require.Equal(t, 1, s.Len())
		assert.InDelta(t, 0.01, s.Values[0], 1e-6)
		return nil
	}))
	assert.True(t, tr.KeyRestrictionsSatisfied())
	assert.Empty(t, ex.callLog(), "no account changes while automation is off")

	ex.setWallet(1000.0000000001)
	require.NoError(t, tr.Reconcile(ctx))
	rows = assetRows(t, tr)
	require.Len(t, rows, 1)
	assert.Equal(t, 1000.0000000001, rows[0].ResultAsset)

	ex.setWallet(1010)
	require.NoError(t, tr.Reconcile(ctx))
	rows = assetRows(t, tr)
	require.Len(t, rows, 2)
	assert.Equal(t, 1010.0, rows[1].ResultAsset)
	assert.True(t, rows[1].Time.After(rows[0].Time))
}

func TestReconcileEnforcesAccountMode(t *testing.T) {
	ex := reconcileExchange()
	ex.account.Positions = []binance.AccountPosition{
		{Symbol: btc, PositionAmt: -0.5, EntryPrice: 100, Leverage: 5, Isolated: true, PositionSide: "BOTH"},
	}
	ex.multiAssets = &binance.APIRequestError{StatusCode: 400, Code: -4171, Message: "Multi-Assets Mode is already false"}
	tr := testTransactor(t, ex, nil)
	tr.SetSettings(configs.TransactionSettings{ShouldTransact: true, DesiredLeverage: 50}, nil)

	require.NoError(t, tr.Reconcile(context.Background()))

	assert.Equal(t, []string{
		"leverage BTCUSDT 20",
		"place MARKET",
		"margin BTCUSDT CROSSED",
		"multi-assets false",
		"dual-side false",
	}, ex.callLog())
	require.Len(t, ex.placed, 1)
	assert.Equal(t, "BUY", ex.placed[0].Get("side"))
	assert.Equal(t, "0.5", ex.placed[0].Get("quantity"))
	assert.Equal(t, "true", ex.placed[0].Get("reduceOnly"))
}

func TestPlaceSendsBatchesInOrder(t *testing.T) {
	ex := &fakeExchange{}
	tr := testTransactor(t, ex, nil)
	decisions := models.Decisions{}
	decisions.Add(btc, models.CancelAll, models.Decision{})
	decisions.Add(btc, models.NowBuy, models.Decision{Margin: 100})
	decisions.Add(btc, models.BookBuy, models.Decision{Boundary: 95, Margin: 100})
	decisions.Add(btc, models.LaterUpSell, models.Decision{Boundary: 120, Margin: 100})
	decisions.Add(btc, models.LaterDownClose, models.Decision{Boundary: 90})
	plan, err := tr.planner.plan(decisions, testMarket(0))
	require.NoError(t, err)

	require.NoError(t, tr.Place(context.Background(), plan))

	calls := ex.callLog()
	require.Len(t, calls, 5)
	assert.Equal(t, "cancel BTCUSDT", calls[0])
	assert.Equal(t, "place MARKET", calls[1])
	assert.Equal(t, "place LIMIT", calls[2])
	assert.ElementsMatch(t, []string{"place TAKE_PROFIT_MARKET", "place STOP_MARKET"}, calls[3:])

	require.NoError(t, tr.autoOrders.Read(context.Background(), func(r *AutoOrderRecord) error {
		assert.Len(t, r.OrderIDs, 4)
		assert.Len(t, r.ClientIDs, 4)
		assert.True(t, r.Contains(1001, ""))
		assert.True(t, r.Contains(0, "cid-1"))
		assert.False(t, r.Contains(0, ""))
		return nil
	}))
}

func TestPlaceStopsAfterFailedBatch(t *testing.T) {
	ex := &fakeExchange{failType: "LIMIT"}
	tr := testTransactor(t, ex, nil)
	decisions := models.Decisions{}
	decisions.Add(btc, models.BookBuy, models.Decision{Boundary: 95, Margin: 100})
	decisions.Add(btc, models.LaterUpSell, models.Decision{Boundary: 120, Margin: 100})
	plan, err := tr.planner.plan(decisions, testMarket(0))
	require.NoError(t, err)

	err = tr.Place(context.Background(), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit batch")
	var apiErr *binance.APIRequestError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, []string{"place LIMIT"}, ex.callLog())
}

func event(t *testing.T, tr *Transactor, data string) {
	t.Helper()
	require.NoError(t, tr.HandleEvent(context.Background(), "", []byte(data)))
}

func tradeEvent(orderID int64, side string, qty, price, commission, profit string, at int64) string {
	return fmt.Sprintf(`{"e":"ORDER_TRADE_UPDATE","E":%d,"T":%d,"o":{"s":"BTCUSDT","c":"manual","S":"%s","o":"MARKET","q":"1","p":"0","sp":"0","x":"TRADE","X":"PARTIALLY_FILLED","i":%d,"l":"%s","z":"%s","L":"%s","N":"USDT","n":"%s","T":%d,"m":false,"cp":false,"rp":"%s"}}`,
		at, at, side, orderID, qty, qty, price, commission, at, profit)
}

func TestUserStreamEvents(t *testing.T) {
	tr := testTransactor(t, &fakeExchange{}, nil)
	ctx := context.Background()
	start := tr.now()
	require.NoError(t, tr.recordWallet(ctx, 1000, start))
	require.NoError(t, tr.autoOrders.Write(ctx, func(r **AutoOrderRecord) error {
		(*r).OrderIDs[42] = 0
		return nil
	}))

	event(t, tr, `{"e":"ACCOUNT_UPDATE","E":1709251200500,"T":1709251200500,"a":{"m":"ORDER","B":[{"a":"USDT","wb":"990","cw":"990"}],"P":[{"s":"BTCUSDT","pa":"0.2","ep":"100","cr":"0","up":"0","mt":"cross","iw":"0","ps":"BOTH"}]}}`)
	acct := tr.Account()
	assert.Equal(t, 990.0, acct.WalletBalance)
	assert.Equal(t, models.Long, acct.Positions[btc].Direction)
	assert.Equal(t, 20.0, acct.Positions[btc].Margin)

	event(t, tr, `{"e":"ORDER_TRADE_UPDATE","E":1,"T":1,"o":{"s":"BTCUSDT","c":"x","S":"BUY","o":"LIMIT","q":"1","p":"95","sp":"0","x":"NEW","X":"NEW","i":9,"l":"0","z":"0","L":"0","n":"0","T":1,"m":false,"cp":false,"rp":"0"}}`)
	require.Contains(t, tr.Account().OpenOrders[btc], int64(9))
	assert.Equal(t, models.BookBuy, tr.Account().OpenOrders[btc][9].OrderType)

	event(t, tr, `{"e":"ORDER_TRADE_UPDATE","E":2,"T":2,"o":{"s":"BTCUSDT","c":"x","S":"BUY","o":"LIMIT","q":"1","p":"95","sp":"0","x":"CANCELED","X":"CANCELED","i":9,"l":"0","z":"0","L":"0","n":"0","T":2,"m":false,"cp":false,"rp":"0"}}`)
	assert.NotContains(t, tr.Account().OpenOrders[btc], int64(9))

	t1 := start.Add(time.Minute).UnixMilli()
	event(t, tr, tradeEvent(42, "BUY", "0.1", "100", "0.01", "0", t1))
	event(t, tr, tradeEvent(42, "BUY", "0.1", "101", "0.01", "0", t1+5))
	event(t, tr, tradeEvent(77, "SELL", "0.1", "110", "0.02", "5", t1+10))

	rows := assetRows(t, tr)
	require.Len(t, rows, 3)

	auto := rows[1]
	assert.Equal(t, models.AutoTrade, auto.Cause)
	assert.Equal(t, models.Buy, auto.Side)
	assert.Equal(t, models.Taker, auto.Role)
	assert.Equal(t, 100.0, auto.FillPrice)
	assert.Equal(t, int64(42), auto.OrderID)
	assert.InDelta(t, 10.0/1000+10.1/999.99, auto.MarginRatio, 1e-9)

	manual := rows[2]
	assert.Equal(t, models.ManualTrade, manual.Cause)
	assert.Equal(t, models.Sell, manual.Side)
	assert.InDelta(t, 999.98+4.98, manual.ResultAsset, 1e-9)
	assert.InDelta(t, 11.0/999.98, manual.MarginRatio, 1e-9)
}

func TestUserStreamTradeKeepsTradeTime(t *testing.T) {
	tr := testTransactor(t, &fakeExchange{}, nil)
	ctx := context.Background()
	start := tr.now()
	require.NoError(t, tr.recordWallet(ctx, 1000, start))

	at := start.Add(time.Minute).UnixMilli()
	event(t, tr, fmt.Sprintf(`{"e":"ORDER_TRADE_UPDATE","E":%[1]d,"T":%[1]d,"o":{"s":"BTCUSDT","c":"TEST","S":"SELL",`+
		`"o":"MARKET","f":"GTC","q":"0.001","p":"0","ap":"7100","sp":"0","x":"TRADE","X":"FILLED","i":8886774,`+
		`"l":"0.001","z":"0.001","L":"7100","N":"USDT","n":"0.0028","T":%[1]d,"t":987654,"b":"0","a":"9.91",`+
		`"m":false,"R":false,"wt":"CONTRACT_PRICE","ot":"MARKET","ps":"BOTH","cp":false,"AP":"7476.89","cr":"5.0",`+
		`"pP":false,"si":0,"ss":0,"rp":"0","V":"EXPIRE_TAKER","pm":"NONE","gtd":0}}`, at))

	rows := assetRows(t, tr)
	require.Len(t, rows, 2)
	trade := rows[1]
	assert.Equal(t, at, trade.Time.UnixMilli())
	assert.True(t, trade.Time.After(rows[0].Time))
	assert.Equal(t, int64(8886774), trade.OrderID)
	assert.Equal(t, models.Sell, trade.Side)
	assert.Equal(t, 7100.0, trade.FillPrice)
	assert.InDelta(t, 1000-0.0028, trade.ResultAsset, 1e-9)
}

func TestUserStreamRejectsGarbage(t *testing.T) {
	tr := testTransactor(t, &fakeExchange{}, nil)
	assert.Error(t, tr.HandleEvent(context.Background(), "", []byte(`not json`)))
	assert.Error(t, tr.HandleEvent(context.Background(), "", []byte(`{"e":"ACCOUNT_UPDATE"}`)))
	assert.NoError(t, tr.HandleEvent(context.Background(), "", []byte(`{"e":"MARGIN_CALL"}`)))
}

type buyOnce struct{}

func (buyOnce) CreateIndicators(in *indicator.Input) error { return nil }

func (buyOnce) CreateDecisions(in models.DecisionInput) (models.Decisions, error) {
	decisions := models.Decisions{}
	if in.Scribbles["bought"].Bool {
		return decisions, nil
	}
	in.Scribbles["bought"] = models.Bool(true)
	decisions.Add(btc, models.NowBuy, models.Decision{Margin: 50})
	return decisions, nil
}

func TestDecidePlacesStrategyOrders(t *testing.T) {
	frame := candle.NewFrame([]string{btc})
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := int64(0); i < 30; i++ {
		frame.Set(start+i*candle.Interval, btc, models.CandleBar{Open: 100, High: 101, Low: 99, Close: 100, Volume: 1})
	}
	ex := &fakeExchange{}
	tr := testTransactor(t, ex, frame)
	ctx := context.Background()

	require.NoError(t, tr.Decide(ctx))
	assert.Empty(t, ex.callLog(), "automation is off")

	tr.SetSettings(configs.TransactionSettings{ShouldTransact: true, DesiredLeverage: 2}, buyOnce{})
	require.NoError(t, tr.Decide(ctx))
	require.Len(t, ex.placed, 1)
	assert.Equal(t, "BUY", ex.placed[0].Get("side"))
	assert.Equal(t, "1", ex.placed[0].Get("quantity"))

	require.NoError(t, tr.Decide(ctx))
	assert.Len(t, ex.placed, 1)
}

// streamDuringDecision feeds an account update through the transactor
// while its own decision call is running.
type streamDuringDecision struct {
	tr      *Transactor
	handled error
}

func (s *streamDuringDecision) CreateIndicators(in *indicator.Input) error { return nil }

func (s *streamDuringDecision) CreateDecisions(in models.DecisionInput) (models.Decisions, error) {
	done := make(chan error, 1)
	go func() {
		done <- s.tr.HandleEvent(context.Background(), "",
			[]byte(`{"e":"ACCOUNT_UPDATE","E":1,"T":1,"a":{"m":"DEPOSIT","B":[{"a":"USDT","wb":"777","cw":"777"}],"P":[]}}`))
	}()
	select {
	case s.handled = <-done:
	case <-time.After(5 * time.Second):
		s.handled = errors.New("user stream blocked by decision")
	}
	in.Scribbles["seen"] = models.Bool(true)
	return models.Decisions{}, nil
}

func TestDecideDoesNotBlockUserStream(t *testing.T) {
	frame := candle.NewFrame([]string{btc})
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := int64(0); i < 30; i++ {
		frame.Set(start+i*candle.Interval, btc, models.CandleBar{Open: 100, High: 101, Low: 99, Close: 100, Volume: 1})
	}
	tr := testTransactor(t, &fakeExchange{}, frame)
	strategy := &streamDuringDecision{tr: tr}
	tr.SetSettings(configs.TransactionSettings{ShouldTransact: true, DesiredLeverage: 1}, strategy)

	require.NoError(t, tr.Decide(context.Background()))
	require.NoError(t, strategy.handled)
	assert.Equal(t, 777.0, tr.Account().WalletBalance)
	assert.True(t, tr.scribbles["seen"].Bool)
}

func TestRecordsSurviveRestart(t *testing.T) {
	ex := reconcileExchange()
	tr := testTransactor(t, ex, nil)
	ctx := context.Background()
	require.NoError(t, tr.Reconcile(ctx))
	require.NoError(t, tr.autoOrders.Write(ctx, func(r **AutoOrderRecord) error {
		(*r).OrderIDs[5] = 1
		return nil
	}))
	tr.scribbles["note"] = models.String("kept")
	require.NoError(t, tr.Save(ctx))

	again := New(tr.config, ex, rwlock.NewGuarded(candle.NewFrame(nil)), nil, quietLogger())
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, assetRows(t, tr), assetRows(t, again))
	require.NoError(t, again.autoOrders.Read(ctx, func(r *AutoOrderRecord) error {
		assert.True(t, r.Contains(5, ""))
		return nil
	}))
	assert.Equal(t, "kept", again.scribbles["note"].Str)

	fresh := New(Config{DataPath: t.TempDir(), Symbols: []string{btc}}, ex, rwlock.NewGuarded(candle.NewFrame(nil)), nil, quietLogger())
	require.NoError(t, fresh.Load(ctx))
	assert.Empty(t, assetRows(t, fresh))
}
