package candle

// QuoteKind says which stream produced a realtime row.
type QuoteKind uint8

const (
	BookTicker QuoteKind = iota + 1
	MarkPrice
)

// Quote is one realtime row. Book ticker rows fill the bid/ask fields, mark
// price rows fill Mark.
type Quote struct {
	Time     int64
	Symbol   string
	Kind     QuoteKind
	BidPrice float32
	BidQty   float32
	AskPrice float32
	AskQty   float32
	Mark     float32
}

// Latest is the freshest known top of book and mark price of a symbol.
type Latest struct {
	BidPrice float64
	AskPrice float64
	Mark     float64
	Time     int64
}

const (
	RingChunks    = 64
	RingChunkRows = 65_536
)

// RealtimeRing stores quotes in fixed-size chunks and forgets the oldest
// chunk once RingChunks are full.
type RealtimeRing struct {
	chunks    [][]Quote
	latest    map[string]Latest
	maxChunks int
	chunkRows int
}

// NewRealtimeRing returns an empty ring of RingChunks × RingChunkRows.
func NewRealtimeRing() *RealtimeRing {
	return newRing(RingChunks, RingChunkRows)
}

func newRing(chunks, rows int) *RealtimeRing {
	return &RealtimeRing{
		latest:    make(map[string]Latest),
		maxChunks: chunks,
		chunkRows: rows,
	}
}

// Add stores q.
func (r *RealtimeRing) Add(q Quote) {
	n := len(r.chunks)
	if n == 0 || len(r.chunks[n-1]) >= r.chunkRows {
		if n >= r.maxChunks {
			r.chunks[0] = nil
			r.chunks = r.chunks[1:]
		}
		r.chunks = append(r.chunks, make([]Quote, 0, 1024))
		n = len(r.chunks)
	}
	r.chunks[n-1] = append(r.chunks[n-1], q)

	l := r.latest[q.Symbol]
	switch q.Kind {
	case BookTicker:
		l.BidPrice = float64(q.BidPrice)
		l.AskPrice = float64(q.AskPrice)
	case MarkPrice:
		l.Mark = float64(q.Mark)
	}
	if q.Time > l.Time {
		l.Time = q.Time
	}
	r.latest[q.Symbol] = l
}

// Latest returns the freshest values of symbol.
func (r *RealtimeRing) Latest(symbol string) (Latest, bool) {
	l, ok := r.latest[symbol]
	return l, ok
}

// Len returns the number of stored quotes.
func (r *RealtimeRing) Len() int {
	n := 0
	for _, c := range r.chunks {
		n += len(c)
	}
	return n
}

// Chunks returns the number of chunks in use.
func (r *RealtimeRing) Chunks() int { return len(r.chunks) }

// Since returns quotes with time ≥ t.
func (r *RealtimeRing) Since(t int64) []Quote {
	var out []Quote
	for _, c := range r.chunks {
		if len(c) == 0 || c[len(c)-1].Time < t {
			continue
		}
		for _, q := range c {
			if q.Time >= t {
				out = append(out, q)
			}
		}
	}
	return out
}
