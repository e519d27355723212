package simulator

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/persist"
	"go.uber.org/multierr"
)

// InitialWallet is the balance a blank simulation starts with. Results are
// ratios of it.
const InitialWallet = 1.0

// State is everything a simulation carries from one bar to the next and
// from one run to the next.
type State struct {
	AssetRecord models.AssetRecord
	Unrealized  models.Series
	Account     models.AccountState
	Scribbles   models.Scribbles
	Virtual     models.VirtualState
}

// BlankState returns a flat account holding InitialWallet at start.
func BlankState(symbols []string, start time.Time) *State {
	s := &State{
		Account:   models.NewAccountState(symbols, InitialWallet, start),
		Scribbles: models.Scribbles{},
		Virtual:   models.NewVirtualState(symbols, InitialWallet),
	}
	s.AssetRecord.Insert(models.AssetRow{Time: start, Cause: models.Other, ResultAsset: InitialWallet})
	return s
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	unrealized := models.Series{
		Index:  append([]int64(nil), s.Unrealized.Index...),
		Values: append([]float32(nil), s.Unrealized.Values...),
	}
	return &State{
		AssetRecord: s.AssetRecord.Clone(),
		Unrealized:  unrealized,
		Account:     s.Account.Clone(),
		Scribbles:   s.Scribbles.Clone(),
		Virtual:     s.Virtual.Clone(),
	}
}

// ensureSymbols adds flat entries for symbols a stored state lacks.
func (s *State) ensureSymbols(symbols []string) {
	if s.Scribbles == nil {
		s.Scribbles = models.Scribbles{}
	}
	if s.Account.Positions == nil {
		s.Account.Positions = map[string]models.Position{}
	}
	if s.Account.OpenOrders == nil {
		s.Account.OpenOrders = map[string]map[int64]models.OpenOrder{}
	}
	if s.Virtual.Amounts == nil {
		s.Virtual.Amounts = map[string]float64{}
	}
	if s.Virtual.EntryPrices == nil {
		s.Virtual.EntryPrices = map[string]float64{}
	}
	if s.Virtual.Placements == nil {
		s.Virtual.Placements = map[string]map[models.OrderType]models.VirtualPlacement{}
	}
	for _, sym := range symbols {
		if _, ok := s.Account.Positions[sym]; !ok {
			s.Account.Positions[sym] = models.Position{Direction: models.None}
		}
		if s.Account.OpenOrders[sym] == nil {
			s.Account.OpenOrders[sym] = map[int64]models.OpenOrder{}
		}
		if s.Virtual.Placements[sym] == nil {
			s.Virtual.Placements[sym] = map[models.OrderType]models.VirtualPlacement{}
		}
	}
}

// Scale multiplies every balance-denominated value by f. Ratios such as
// unrealized changes and margin ratios stay as they are.
func (s *State) Scale(f float64) {
	for i := range s.AssetRecord.Rows {
		s.AssetRecord.Rows[i].ResultAsset *= f
	}
	s.Account.Scale(f)
	s.Virtual.Scale(f)
}

// Paths of the five artifacts of one simulation.
type Paths struct {
	AssetRecord string
	Unrealized  string
	Scribbles   string
	Account     string
	Virtual     string
}

// PathsFor names the artifacts of code/version/year under datapath.
func PathsFor(datapath, code, version string, year int) Paths {
	prefix := filepath.Join(datapath, "simulator", fmt.Sprintf("%s_%s_%d_", code, version, year))
	return Paths{
		AssetRecord: prefix + "asset_record.snapshot",
		Unrealized:  prefix + "unrealized_changes.snapshot",
		Scribbles:   prefix + "scribbles.snapshot",
		Account:     prefix + "account_state.snapshot",
		Virtual:     prefix + "virtual_state.snapshot",
	}
}

func (p Paths) all() []string {
	return []string{p.AssetRecord, p.Unrealized, p.Scribbles, p.Account, p.Virtual}
}

// Exists reports whether every artifact is present.
func (p Paths) Exists() bool {
	for _, path := range p.all() {
		if !persist.Exists(path) {
			return false
		}
	}
	return true
}

// LoadState reads the artifacts at p.
func LoadState(p Paths) (*State, error) {
	s := &State{}
	err := multierr.Combine(
		persist.ReadCompressedJSON(p.AssetRecord, &s.AssetRecord),
		persist.ReadCompressedJSON(p.Unrealized, &s.Unrealized),
		persist.ReadCompressedJSON(p.Account, &s.Account),
		persist.ReadCompressedJSON(p.Virtual, &s.Virtual),
		persist.ReadCompressed(p.Scribbles, func(r io.Reader) error {
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			return s.Scribbles.UnmarshalBinary(data)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load simulation state: %w", err)
	}
	return s, nil
}

// SaveState writes every artifact. Each file is replaced atomically.
func SaveState(p Paths, s *State) error {
	scribbles, err := s.Scribbles.MarshalBinary()
	if err != nil {
		return err
	}
	err = multierr.Combine(
		persist.WriteCompressedJSON(p.AssetRecord, s.AssetRecord),
		persist.WriteCompressedJSON(p.Unrealized, s.Unrealized),
		persist.WriteCompressedJSON(p.Account, s.Account),
		persist.WriteCompressedJSON(p.Virtual, s.Virtual),
		persist.WriteCompressed(p.Scribbles, func(w io.Writer) error {
			_, err := io.Copy(w, bytes.NewReader(scribbles))
			return err
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to save simulation state: %w", err)
	}
	return nil
}
