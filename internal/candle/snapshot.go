package candle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/navid-fn/perpdesk/internal/persist"
)

var snapshotMagic = [4]byte{'C', 'N', 'D', '1'}

// ErrBadSnapshot is returned for files that are not candle snapshots.
var ErrBadSnapshot = errors.New("malformed candle snapshot")

// YearPath is where the candles of year live under datapath.
func YearPath(datapath string, year int) string {
	return filepath.Join(datapath, "collector", fmt.Sprintf("candle_data_%d.snapshot", year))
}

// Encode writes f as: magic, uint32 symbol count, uint16-prefixed symbols,
// uint64 row count, the int64 index, then every float32 column in symbol ×
// field order. All little-endian.
func Encode(w io.Writer, f *Frame) error {
	le := binary.LittleEndian
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint32(len(f.symbols))); err != nil {
		return err
	}
	for _, sym := range f.symbols {
		if err := binary.Write(w, le, uint16(len(sym))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, sym); err != nil {
			return err
		}
	}
	if err := binary.Write(w, le, uint64(len(f.Index))); err != nil {
		return err
	}
	if err := binary.Write(w, le, f.Index); err != nil {
		return err
	}
	for _, sym := range f.symbols {
		for _, fld := range Fields {
			if err := binary.Write(w, le, f.cols[Column{sym, fld}]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode reads a frame written by Encode.
func Decode(r io.Reader) (*Frame, error) {
	le := binary.LittleEndian
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != snapshotMagic {
		return nil, ErrBadSnapshot
	}
	var nsym uint32
	if err := binary.Read(r, le, &nsym); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	symbols := make([]string, nsym)
	for i := range symbols {
		var n uint16
		if err := binary.Read(r, le, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		symbols[i] = string(b)
	}
	var rows uint64
	if err := binary.Read(r, le, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	f := NewFrame(symbols)
	f.Index = make([]int64, rows)
	if err := binary.Read(r, le, f.Index); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	for _, sym := range symbols {
		for _, fld := range Fields {
			col := make([]float32, rows)
			if err := binary.Read(r, le, col); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
			}
			f.cols[Column{sym, fld}] = col
		}
	}
	return f, nil
}

// SaveYear writes the rows of f that fall in year.
func SaveYear(datapath string, year int, f *Frame) error {
	from, to := YearBounds(year)
	part := f.Slice(from, to)
	return persist.WriteCompressed(YearPath(datapath, year), func(w io.Writer) error {
		return Encode(w, part)
	})
}

// LoadYear reads one year. A missing file yields an empty frame over symbols.
func LoadYear(datapath string, year int, symbols []string) (*Frame, error) {
	var f *Frame
	err := persist.ReadCompressed(YearPath(datapath, year), func(r io.Reader) error {
		var err error
		f, err = Decode(r)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return NewFrame(symbols), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load candle year %d: %w", year, err)
	}
	for _, sym := range symbols {
		f.AddSymbol(sym)
	}
	return f, nil
}

// LoadYears reads and merges several years.
func LoadYears(datapath string, years []int, symbols []string) (*Frame, error) {
	out := NewFrame(symbols)
	for _, y := range years {
		f, err := LoadYear(datapath, y, symbols)
		if err != nil {
			return nil, err
		}
		if out.Len() == 0 {
			out = f
			continue
		}
		out.Merge(f)
	}
	return out, nil
}
