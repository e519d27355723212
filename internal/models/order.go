// Package models holds the value types shared by the collector, the
// simulator and the transactor.
package models

import "fmt"

// OrderType is the strategy-facing order vocabulary. NOW orders fill at the
// next bar, LATER orders are stop/take-profit triggers, BOOK orders rest on
// the book as limit orders.
type OrderType string

const (
	NowBuy         OrderType = "NOW_BUY"
	NowSell        OrderType = "NOW_SELL"
	NowClose       OrderType = "NOW_CLOSE"
	CancelAll      OrderType = "CANCEL_ALL"
	BookBuy        OrderType = "BOOK_BUY"
	BookSell       OrderType = "BOOK_SELL"
	LaterUpBuy     OrderType = "LATER_UP_BUY"
	LaterUpSell    OrderType = "LATER_UP_SELL"
	LaterUpClose   OrderType = "LATER_UP_CLOSE"
	LaterDownBuy   OrderType = "LATER_DOWN_BUY"
	LaterDownSell  OrderType = "LATER_DOWN_SELL"
	LaterDownClose OrderType = "LATER_DOWN_CLOSE"
)

// OrderKind groups order types by how they fill.
type OrderKind int

const (
	KindNow OrderKind = iota
	KindCancel
	KindBook
	KindLater
)

// PlacementPriority is the order in which pending placements are tried
// within one tick. The first one that fires wins for that symbol.
var PlacementPriority = []OrderType{
	CancelAll,
	NowClose,
	NowBuy,
	NowSell,
	LaterUpClose,
	LaterDownClose,
	LaterUpBuy,
	LaterDownBuy,
	LaterUpSell,
	LaterDownSell,
	BookBuy,
	BookSell,
}

var orderKinds = map[OrderType]OrderKind{
	NowBuy:         KindNow,
	NowSell:        KindNow,
	NowClose:       KindNow,
	CancelAll:      KindCancel,
	BookBuy:        KindBook,
	BookSell:       KindBook,
	LaterUpBuy:     KindLater,
	LaterUpSell:    KindLater,
	LaterUpClose:   KindLater,
	LaterDownBuy:   KindLater,
	LaterDownSell:  KindLater,
	LaterDownClose: KindLater,
}

// ParseOrderType validates s.
func ParseOrderType(s string) (OrderType, error) {
	t := OrderType(s)
	if _, ok := orderKinds[t]; !ok {
		return "", fmt.Errorf("unknown order type %q", s)
	}
	return t, nil
}

// Kind returns the fill family of t.
func (t OrderType) Kind() OrderKind {
	return orderKinds[t]
}

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	_, ok := orderKinds[t]
	return ok
}

// IsClose reports whether t closes the whole position.
func (t OrderType) IsClose() bool {
	return t == NowClose || t == LaterUpClose || t == LaterDownClose
}

// IsBuy reports whether t opens or adds in the long direction.
func (t OrderType) IsBuy() bool {
	return t == NowBuy || t == BookBuy || t == LaterUpBuy || t == LaterDownBuy
}

// IsSell reports whether t opens or adds in the short direction.
func (t OrderType) IsSell() bool {
	return t == NowSell || t == BookSell || t == LaterUpSell || t == LaterDownSell
}

// Resting reports whether a placement of this type survives across ticks
// until it fills or is cancelled.
func (t OrderType) Resting() bool {
	k := t.Kind()
	return k == KindBook || k == KindLater
}

// Direction of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	None  Direction = "NONE"
)

// DirectionOf maps a signed amount to a direction.
func DirectionOf(amount float64) Direction {
	switch {
	case amount > 0:
		return Long
	case amount < 0:
		return Short
	default:
		return None
	}
}

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type Role string

const (
	Maker Role = "MAKER"
	Taker Role = "TAKER"
)

// Cause explains why an asset record row exists.
type Cause string

const (
	AutoTrade   Cause = "AUTO_TRADE"
	ManualTrade Cause = "MANUAL_TRADE"
	Other       Cause = "OTHER"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMiddle RiskLevel = "MIDDLE"
	RiskHigh   RiskLevel = "HIGH"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMiddle || r == RiskHigh
}
