package models

import "time"

// Position is the open position of one symbol.
type Position struct {
	Margin     float64   `json:"margin"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	UpdateTime time.Time `json:"update_time"`
}

// OpenOrder is a resting order as the strategy sees it. LeftMargin is nil
// for orders that close the whole position.
type OpenOrder struct {
	OrderType     OrderType `json:"order_type"`
	BoundaryPrice float64   `json:"boundary_price"`
	LeftMargin    *float64  `json:"left_margin,omitempty"`
}

// AccountState is the account view handed to strategies, built either from
// the exchange or from a simulation.
type AccountState struct {
	ObservedUntil time.Time                      `json:"observed_until"`
	WalletBalance float64                        `json:"wallet_balance"`
	Positions     map[string]Position            `json:"positions"`
	OpenOrders    map[string]map[int64]OpenOrder `json:"open_orders"`
}

// NewAccountState returns a flat account over symbols.
func NewAccountState(symbols []string, wallet float64, at time.Time) AccountState {
	s := AccountState{
		ObservedUntil: at,
		WalletBalance: wallet,
		Positions:     make(map[string]Position, len(symbols)),
		OpenOrders:    make(map[string]map[int64]OpenOrder, len(symbols)),
	}
	for _, sym := range symbols {
		s.Positions[sym] = Position{Direction: None}
		s.OpenOrders[sym] = map[int64]OpenOrder{}
	}
	return s
}

// Clone returns a deep copy.
func (s AccountState) Clone() AccountState {
	out := AccountState{
		ObservedUntil: s.ObservedUntil,
		WalletBalance: s.WalletBalance,
		Positions:     make(map[string]Position, len(s.Positions)),
		OpenOrders:    make(map[string]map[int64]OpenOrder, len(s.OpenOrders)),
	}
	for sym, p := range s.Positions {
		out.Positions[sym] = p
	}
	for sym, orders := range s.OpenOrders {
		m := make(map[int64]OpenOrder, len(orders))
		for id, o := range orders {
			if o.LeftMargin != nil {
				v := *o.LeftMargin
				o.LeftMargin = &v
			}
			m[id] = o
		}
		out.OpenOrders[sym] = m
	}
	return out
}

// Scale multiplies every balance-denominated value by f.
func (s *AccountState) Scale(f float64) {
	s.WalletBalance *= f
	for sym, p := range s.Positions {
		p.Margin *= f
		s.Positions[sym] = p
	}
	for _, orders := range s.OpenOrders {
		for id, o := range orders {
			if o.LeftMargin != nil {
				v := *o.LeftMargin * f
				o.LeftMargin = &v
			}
			orders[id] = o
		}
	}
}
