package downloader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zip"
	"github.com/navid-fn/perpdesk/internal/candle"
)

var (
	// ErrInvalidArchive means the bytes are not a readable ZIP with a CSV.
	ErrInvalidArchive = errors.New("invalid archive")

	// ErrUnsorted means transact_time decreased somewhere in the CSV.
	ErrUnsorted = errors.New("archive is not sorted by time")
)

// aggTrades CSV columns:
// agg_trade_id,price,quantity,first_trade_id,last_trade_id,transact_time,is_buyer_maker
const (
	colPrice    = 1
	colQuantity = 2
	colTime     = 5
	minColumns  = 6
)

// Tick is one parsed CSV row.
type Tick struct {
	Time     int64
	Price    float64
	Quantity float64
}

func openCSV(data []byte) (*zip.File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("%w: empty zip", ErrInvalidArchive)
	}
	return zr.File[0], nil
}

// parseLine splits one CSV row. A row whose numeric fields do not parse is
// reported with ok=false (the optional header).
func parseLine(line []byte) (Tick, bool) {
	fields := bytes.Split(bytes.TrimRight(line, "\r"), []byte{','})
	if len(fields) < minColumns {
		return Tick{}, false
	}
	price, err := strconv.ParseFloat(string(fields[colPrice]), 64)
	if err != nil {
		return Tick{}, false
	}
	qty, err := strconv.ParseFloat(string(fields[colQuantity]), 64)
	if err != nil {
		return Tick{}, false
	}
	t, err := strconv.ParseInt(string(fields[colTime]), 10, 64)
	if err != nil {
		return Tick{}, false
	}
	return Tick{Time: t, Price: price, Quantity: qty}, true
}

// Parse streams every tick of the archive's CSV to fn. The first line may
// be a header. Parsing aborts with ErrUnsorted when time decreases.
func Parse(data []byte, fn func(Tick)) error {
	file, err := openCSV(data)
	if err != nil {
		return err
	}
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var last int64
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		tick, ok := parseLine(line)
		if !ok {
			if lineNo == 1 {
				continue
			}
			return fmt.Errorf("%w: malformed line %d", ErrInvalidArchive, lineNo)
		}
		if tick.Time < last {
			return fmt.Errorf("%w: line %d", ErrUnsorted, lineNo)
		}
		last = tick.Time
		fn(tick)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return nil
}

// ParseFrame parses the archive into 10 s candles for symbol.
func ParseFrame(symbol string, data []byte) (*candle.Frame, error) {
	b := candle.NewBuilder(symbol)
	if err := Parse(data, func(t Tick) { b.Add(t.Time, t.Price, t.Quantity) }); err != nil {
		return nil, err
	}
	return b.Frame(), nil
}

// SortArchive rewrites the archive with its CSV rows stably sorted by
// transact_time. A header line stays first.
func SortArchive(data []byte) ([]byte, error) {
	file, err := openCSV(data)
	if err != nil {
		return nil, err
	}
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	type row struct {
		time int64
		line []byte
	}
	var header []byte
	var rows []row
	for i, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		tick, ok := parseLine(line)
		if !ok {
			if i == 0 {
				header = line
				continue
			}
			return nil, fmt.Errorf("%w: malformed line %d", ErrInvalidArchive, i+1)
		}
		rows = append(rows, row{tick.Time, line})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].time < rows[j].time })

	lines := make([][]byte, 0, len(rows)+1)
	if header != nil {
		lines = append(lines, header)
	}
	for _, r := range rows {
		lines = append(lines, r.line)
	}
	return WriteArchive(file.Name, lines)
}

// WriteArchive builds a ZIP holding one CSV file named name.
func WriteArchive(name string, lines [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(w)
	for _, line := range lines {
		bw.Write(line)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
