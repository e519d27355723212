package models

import (
	"sort"
	"time"
)

// AssetRow is one row of the asset record. Trade rows carry symbol, side,
// fill price, role, margin ratio and order id; OTHER rows only carry the
// resulting asset.
type AssetRow struct {
	Time        time.Time `json:"time"`
	Cause       Cause     `json:"cause"`
	Symbol      string    `json:"symbol,omitempty"`
	Side        Side      `json:"side,omitempty"`
	FillPrice   float64   `json:"fill_price,omitempty"`
	Role        Role      `json:"role,omitempty"`
	MarginRatio float64   `json:"margin_ratio,omitempty"`
	OrderID     int64     `json:"order_id,omitempty"`
	ResultAsset float64   `json:"result_asset"`
}

// AssetRecord is the time-indexed history of wallet changes. Row times are
// strictly increasing at millisecond precision.
type AssetRecord struct {
	Rows []AssetRow `json:"rows"`
}

// Len returns the number of rows.
func (r *AssetRecord) Len() int { return len(r.Rows) }

// Last returns the latest row.
func (r *AssetRecord) Last() (AssetRow, bool) {
	if len(r.Rows) == 0 {
		return AssetRow{}, false
	}
	return r.Rows[len(r.Rows)-1], true
}

// Insert adds row keeping the index sorted. A row whose time collides with
// an existing one is moved forward by 1 ms until it is unique. Returns the
// time the row was stored at.
func (r *AssetRecord) Insert(row AssetRow) time.Time {
	row.Time = row.Time.Truncate(time.Millisecond)
	for r.has(row.Time) {
		row.Time = row.Time.Add(time.Millisecond)
	}

	i := sort.Search(len(r.Rows), func(i int) bool { return r.Rows[i].Time.After(row.Time) })
	r.Rows = append(r.Rows, AssetRow{})
	copy(r.Rows[i+1:], r.Rows[i:])
	r.Rows[i] = row
	return row.Time
}

func (r *AssetRecord) has(t time.Time) bool {
	i := sort.Search(len(r.Rows), func(i int) bool { return !r.Rows[i].Time.Before(t) })
	return i < len(r.Rows) && r.Rows[i].Time.Equal(t)
}

// SetLastResult overwrites the RESULT_ASSET of the latest row.
func (r *AssetRecord) SetLastResult(v float64) bool {
	if len(r.Rows) == 0 {
		return false
	}
	r.Rows[len(r.Rows)-1].ResultAsset = v
	return true
}

// FindOrder returns the index of the row for (symbol, orderID), or -1.
func (r *AssetRecord) FindOrder(symbol string, orderID int64) int {
	for i := len(r.Rows) - 1; i >= 0; i-- {
		if r.Rows[i].OrderID == orderID && r.Rows[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

// ShiftFrom adds delta to RESULT_ASSET of row i and every later row.
func (r *AssetRecord) ShiftFrom(i int, delta float64) {
	for ; i < len(r.Rows); i++ {
		r.Rows[i].ResultAsset += delta
	}
}

// Since returns rows at or after t.
func (r *AssetRecord) Since(t time.Time) []AssetRow {
	i := sort.Search(len(r.Rows), func(i int) bool { return !r.Rows[i].Time.Before(t) })
	return r.Rows[i:]
}

// Between returns a copy of the rows in [from, to).
func (r *AssetRecord) Between(from, to time.Time) AssetRecord {
	lo := sort.Search(len(r.Rows), func(i int) bool { return !r.Rows[i].Time.Before(from) })
	hi := sort.Search(len(r.Rows), func(i int) bool { return !r.Rows[i].Time.Before(to) })
	out := AssetRecord{Rows: make([]AssetRow, hi-lo)}
	copy(out.Rows, r.Rows[lo:hi])
	return out
}

// Append concatenates other after r. Colliding times are bumped.
func (r *AssetRecord) Append(other AssetRecord) {
	for _, row := range other.Rows {
		r.Insert(row)
	}
}

// Clone returns a deep copy.
func (r *AssetRecord) Clone() AssetRecord {
	out := AssetRecord{Rows: make([]AssetRow, len(r.Rows))}
	copy(out.Rows, r.Rows)
	return out
}
