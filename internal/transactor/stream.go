package transactor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/navid-fn/perpdesk/internal/models"
)

// Payload keys that differ only by case ("t"/"T", "ap"/"AP") are all
// declared so the decoder never folds one onto the other.
type userEvent struct {
	Type            string         `json:"e"`
	EventTime       int64          `json:"E"`
	TransactionTime int64          `json:"T"`
	Account         *accountUpdate `json:"a"`
	Order           *orderUpdate   `json:"o"`
}

type accountUpdate struct {
	Balances []struct {
		Asset         string        `json:"a"`
		WalletBalance binance.Float `json:"wb"`
	} `json:"B"`
	Positions []struct {
		Symbol       string        `json:"s"`
		Amount       binance.Float `json:"pa"`
		EntryPrice   binance.Float `json:"ep"`
		MarginType   string        `json:"mt"`
		PositionSide string        `json:"ps"`
	} `json:"P"`
}

type orderUpdate struct {
	Symbol          string        `json:"s"`
	ClientOrderID   string        `json:"c"`
	Side            string        `json:"S"`
	Type            string        `json:"o"`
	OrigQty         binance.Float `json:"q"`
	Price           binance.Float `json:"p"`
	StopPrice       binance.Float `json:"sp"`
	ExecutionType   string        `json:"x"`
	Status          string        `json:"X"`
	OrderID         int64         `json:"i"`
	LastFilledQty   binance.Float `json:"l"`
	FilledQty       binance.Float `json:"z"`
	LastFilledPrice binance.Float `json:"L"`
	CommissionAsset string        `json:"N"`
	Commission      binance.Float `json:"n"`
	TradeTime       int64         `json:"T"`
	TradeID         int64         `json:"t"`
	IsMaker         bool          `json:"m"`
	ClosePosition   bool          `json:"cp"`
	RealizedProfit  binance.Float `json:"rp"`
	TimeInForce     string        `json:"f"`
	AvgPrice        binance.Float `json:"ap"`
	ActivationPrice binance.Float `json:"AP"`
	CallbackRate    binance.Float `json:"cr"`
	OrigType        string        `json:"ot"`
	PositionSide    string        `json:"ps"`
	WorkingType     string        `json:"wt"`
	ReduceOnly      bool          `json:"R"`
	BidsNotional    binance.Float `json:"b"`
	AsksNotional    binance.Float `json:"a"`
}

// HandleEvent is the user-data stream handler.
func (t *Transactor) HandleEvent(ctx context.Context, _ string, data []byte) error {
	var ev userEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode user event: %w", err)
	}
	switch ev.Type {
	case "ACCOUNT_UPDATE":
		if ev.Account == nil {
			return fmt.Errorf("account update without payload")
		}
		t.applyAccountUpdate(ev.EventTime, ev.Account)
	case "ORDER_TRADE_UPDATE":
		if ev.Order == nil {
			return fmt.Errorf("order update without payload")
		}
		t.applyOrderUpdate(ev.Order)
		if ev.Order.ExecutionType == "TRADE" {
			return t.recordTrade(ctx, ev.Order)
		}
	case "listenKeyExpired":
		t.logger.Warn("Listen key expired")
	}
	return nil
}

func (t *Transactor) applyAccountUpdate(at int64, u *accountUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range u.Balances {
		if b.Asset == t.config.AssetToken {
			t.account.WalletBalance = float64(b.WalletBalance)
		}
	}
	for _, p := range u.Positions {
		if p.PositionSide != "BOTH" {
			continue
		}
		if _, ok := t.account.Positions[p.Symbol]; !ok {
			continue
		}
		t.amounts[p.Symbol] = float64(p.Amount)
		t.isolated[p.Symbol] = p.MarginType == "isolated"
		t.account.Positions[p.Symbol] = position(float64(p.Amount), float64(p.EntryPrice), t.leverages[p.Symbol], at)
	}
}

func (t *Transactor) applyOrderUpdate(o *orderUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	orders, ok := t.account.OpenOrders[o.Symbol]
	if !ok {
		return
	}
	if o.Status != "NEW" && o.Status != "PARTIALLY_FILLED" {
		delete(orders, o.OrderID)
		return
	}
	oo, ok := openOrder(exchangeOrder{
		Kind:          o.Type,
		Side:          o.Side,
		ClosePosition: o.ClosePosition,
		Price:         float64(o.Price),
		StopPrice:     float64(o.StopPrice),
		OrigQty:       float64(o.OrigQty),
		ExecutedQty:   float64(o.FilledQty),
	}, t.leverages[o.Symbol])
	if ok {
		orders[o.OrderID] = oo
	}
}

// recordTrade books one fill. A further fill of an order already in the
// asset record adds to its margin ratio; a first fill adds a row tagged
// AUTO_TRADE or MANUAL_TRADE. Either way the net of realized profit and
// commission moves the latest wallet figure.
func (t *Transactor) recordTrade(ctx context.Context, o *orderUpdate) error {
	var auto bool
	err := t.autoOrders.Read(ctx, func(r *AutoOrderRecord) error {
		auto = r.Contains(o.OrderID, o.ClientOrderID)
		return nil
	})
	if err != nil {
		return err
	}

	delta := float64(o.RealizedProfit)
	if o.CommissionAsset == t.config.AssetToken {
		delta -= float64(o.Commission)
	}
	notional := math.Abs(float64(o.LastFilledQty) * float64(o.LastFilledPrice))

	return t.assets.Write(ctx, func(a **models.AssetRecord) error {
		record := *a
		wallet := 0.0
		if last, ok := record.Last(); ok {
			wallet = last.ResultAsset
		}
		ratio := 0.0
		if wallet > 0 {
			ratio = notional / wallet
		}

		if i := record.FindOrder(o.Symbol, o.OrderID); i >= 0 {
			record.Rows[i].MarginRatio += ratio
			record.SetLastResult(wallet + delta)
			return nil
		}

		cause := models.ManualTrade
		if auto {
			cause = models.AutoTrade
		}
		side := models.Buy
		if o.Side == "SELL" {
			side = models.Sell
		}
		role := models.Taker
		if o.IsMaker {
			role = models.Maker
		}
		record.Insert(models.AssetRow{
			Time:        time.UnixMilli(o.TradeTime).UTC(),
			Cause:       cause,
			Symbol:      o.Symbol,
			Side:        side,
			FillPrice:   float64(o.LastFilledPrice),
			Role:        role,
			MarginRatio: ratio,
			OrderID:     o.OrderID,
			ResultAsset: wallet + delta,
		})
		return nil
	})
}
