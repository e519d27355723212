package binance

import (
	"bytes"
	"strconv"
)

// Float decodes Binance numbers, which arrive either quoted or bare.
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// SymbolFilter is one entry of a symbol's "filters" array. Only the fields
// the workstation reads are kept.
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	Notional   string `json:"notional"`
}

// SymbolInfo is one market from exchangeInfo.
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	ContractType      string         `json:"contractType"`
	QuoteAsset        string         `json:"quoteAsset"`
	MarginAsset       string         `json:"marginAsset"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// Filter returns the filter of type t.
func (s SymbolInfo) Filter(t string) (SymbolFilter, bool) {
	for _, f := range s.Filters {
		if f.FilterType == t {
			return f, true
		}
	}
	return SymbolFilter{}, false
}

// ExchangeInfo is the /fapi/v1/exchangeInfo response.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// Bracket is one leverage bracket.
type Bracket struct {
	Bracket          int     `json:"bracket"`
	InitialLeverage  int     `json:"initialLeverage"`
	NotionalCap      float64 `json:"notionalCap"`
	NotionalFloor    float64 `json:"notionalFloor"`
	MaintMarginRatio float64 `json:"maintMarginRatio"`
}

// LeverageBracket is one symbol's brackets.
type LeverageBracket struct {
	Symbol   string    `json:"symbol"`
	Brackets []Bracket `json:"brackets"`
}

// MaxLeverage returns the highest initial leverage of any bracket.
func (l LeverageBracket) MaxLeverage() int {
	best := 0
	for _, b := range l.Brackets {
		if b.InitialLeverage > best {
			best = b.InitialLeverage
		}
	}
	return best
}

// AccountAsset is one entry of the account's "assets".
type AccountAsset struct {
	Asset            string `json:"asset"`
	WalletBalance    Float  `json:"walletBalance"`
	UnrealizedProfit Float  `json:"unrealizedProfit"`
	AvailableBalance Float  `json:"availableBalance"`
}

// AccountPosition is one entry of the account's "positions".
type AccountPosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      Float  `json:"positionAmt"`
	EntryPrice       Float  `json:"entryPrice"`
	UnrealizedProfit Float  `json:"unrealizedProfit"`
	Leverage         Float  `json:"leverage"`
	Isolated         bool   `json:"isolated"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// Account is the /fapi/v2/account response.
type Account struct {
	TotalWalletBalance    Float             `json:"totalWalletBalance"`
	TotalUnrealizedProfit Float             `json:"totalUnrealizedProfit"`
	AvailableBalance      Float             `json:"availableBalance"`
	Assets                []AccountAsset    `json:"assets"`
	Positions             []AccountPosition `json:"positions"`
}

// Asset returns the entry for asset.
func (a Account) Asset(asset string) (AccountAsset, bool) {
	for _, x := range a.Assets {
		if x.Asset == asset {
			return x, true
		}
	}
	return AccountAsset{}, false
}

// Order is an order as returned by openOrders and order placement.
type Order struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Price         Float  `json:"price"`
	OrigQty       Float  `json:"origQty"`
	ExecutedQty   Float  `json:"executedQty"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	StopPrice     Float  `json:"stopPrice"`
	ClosePosition bool   `json:"closePosition"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// AggTradeREST is one element of /fapi/v1/aggTrades.
type AggTradeREST struct {
	ID           int64 `json:"a"`
	Price        Float `json:"p"`
	Quantity     Float `json:"q"`
	Time         int64 `json:"T"`
	IsBuyerMaker bool  `json:"m"`
}

// APIRestrictions is the spot /sapi/v1/account/apiRestrictions response.
type APIRestrictions struct {
	IPRestrict     bool `json:"ipRestrict"`
	EnableReading  bool `json:"enableReading"`
	EnableFutures  bool `json:"enableFutures"`
	EnableWithdraw bool `json:"enableWithdrawals"`
}
