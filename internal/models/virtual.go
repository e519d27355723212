package models

// VirtualPlacement is a simulated order waiting to fill. DecidedAt is the
// unix-ms moment of the decision that issued it; a CANCEL_ALL only removes
// placements decided before it.
type VirtualPlacement struct {
	OrderID   int64   `json:"order_id"`
	Boundary  float64 `json:"boundary"`
	Margin    float64 `json:"margin"`
	DecidedAt int64   `json:"decided_at"`
}

// VirtualState is the simulator's private book-keeping beside AccountState.
type VirtualState struct {
	AvailableBalance float64                                   `json:"available_balance"`
	Amounts          map[string]float64                        `json:"amounts"`
	EntryPrices      map[string]float64                        `json:"entry_prices"`
	Placements       map[string]map[OrderType]VirtualPlacement `json:"placements"`
}

// NewVirtualState returns a flat state with the given balance.
func NewVirtualState(symbols []string, balance float64) VirtualState {
	v := VirtualState{
		AvailableBalance: balance,
		Amounts:          make(map[string]float64, len(symbols)),
		EntryPrices:      make(map[string]float64, len(symbols)),
		Placements:       make(map[string]map[OrderType]VirtualPlacement, len(symbols)),
	}
	for _, sym := range symbols {
		v.Amounts[sym] = 0
		v.EntryPrices[sym] = 0
		v.Placements[sym] = map[OrderType]VirtualPlacement{}
	}
	return v
}

// Clone returns a deep copy.
func (v VirtualState) Clone() VirtualState {
	out := VirtualState{
		AvailableBalance: v.AvailableBalance,
		Amounts:          make(map[string]float64, len(v.Amounts)),
		EntryPrices:      make(map[string]float64, len(v.EntryPrices)),
		Placements:       make(map[string]map[OrderType]VirtualPlacement, len(v.Placements)),
	}
	for k, a := range v.Amounts {
		out.Amounts[k] = a
	}
	for k, p := range v.EntryPrices {
		out.EntryPrices[k] = p
	}
	for sym, ps := range v.Placements {
		m := make(map[OrderType]VirtualPlacement, len(ps))
		for t, p := range ps {
			m[t] = p
		}
		out.Placements[sym] = m
	}
	return out
}

// Scale multiplies balances, amounts and placement margins by f.
func (v *VirtualState) Scale(f float64) {
	v.AvailableBalance *= f
	for k := range v.Amounts {
		v.Amounts[k] *= f
	}
	for _, ps := range v.Placements {
		for t, p := range ps {
			p.Margin *= f
			ps[t] = p
		}
	}
}
