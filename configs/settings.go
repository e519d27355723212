package configs

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/navid-fn/perpdesk/internal/persist"
	"go.uber.org/multierr"
)

const (
	DataSettingsFile        = "data_settings.json"
	TransactionSettingsFile = "transaction_settings.json"
	SimulationSettingsFile  = "simulation_settings.json"
	ManagementSettingsFile  = "management_settings.json"

	MaxTargetSymbols = 12
	MaxLeverage      = 125
)

// ErrInvalidSettings wraps every validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// DataSettings selects what the collector records.
type DataSettings struct {
	AssetToken    string   `json:"asset_token"`
	TargetSymbols []string `json:"target_symbols"`
}

// TransactionSettings drives the live transactor.
type TransactionSettings struct {
	StrategyIndex    int    `json:"strategy_index"`
	ShouldTransact   bool   `json:"should_transact"`
	DesiredLeverage  int    `json:"desired_leverage"`
	BinanceAPIKey    string `json:"binance_api_key"`
	BinanceAPISecret string `json:"binance_api_secret"`
}

// SimulationSettings drives the simulator. Fees are percentages.
type SimulationSettings struct {
	Year          int     `json:"year"`
	StrategyIndex int     `json:"strategy_index"`
	MakerFee      float64 `json:"maker_fee"`
	TakerFee      float64 `json:"taker_fee"`
	Leverage      int     `json:"leverage"`
}

// LockBoard values.
const (
	LockNever = "NEVER"
	Lock10s   = "10s"
	Lock1m    = "1m"
	Lock10m   = "10m"
	Lock1h    = "1h"
)

var lockBoardDurations = map[string]time.Duration{
	LockNever: 0,
	Lock10s:   10 * time.Second,
	Lock1m:    time.Minute,
	Lock10m:   10 * time.Minute,
	Lock1h:    time.Hour,
}

// ManagementSettings holds operator preferences.
type ManagementSettings struct {
	LockBoard string `json:"lock_board"`
}

// LockAfter returns the idle time before the board locks; 0 means never.
func (m ManagementSettings) LockAfter() time.Duration {
	return lockBoardDurations[m.LockBoard]
}

// Settings is every user settings file.
type Settings struct {
	Data        DataSettings
	Transaction TransactionSettings
	Simulation  SimulationSettings
	Management  ManagementSettings
}

// DefaultSettings is what a fresh data path starts with.
func DefaultSettings() Settings {
	return Settings{
		Data: DataSettings{
			AssetToken:    "USDT",
			TargetSymbols: []string{"BTCUSDT", "ETHUSDT"},
		},
		Transaction: TransactionSettings{
			DesiredLeverage: 1,
		},
		Simulation: SimulationSettings{
			Year:     time.Now().UTC().Year(),
			MakerFee: 0.02,
			TakerFee: 0.04,
			Leverage: 1,
		},
		Management: ManagementSettings{LockBoard: LockNever},
	}
}

// Validate checks every field range.
func (s Settings) Validate() error {
	var err error

	n := len(s.Data.TargetSymbols)
	if n < 1 || n > MaxTargetSymbols {
		err = multierr.Append(err, fmt.Errorf("target_symbols must hold 1..%d symbols, got %d", MaxTargetSymbols, n))
	}
	seen := make(map[string]bool, n)
	for _, sym := range s.Data.TargetSymbols {
		if !symbolPattern.MatchString(sym) {
			err = multierr.Append(err, fmt.Errorf("malformed symbol %q", sym))
		}
		if seen[sym] {
			err = multierr.Append(err, fmt.Errorf("duplicate symbol %q", sym))
		}
		seen[sym] = true
		if s.Data.AssetToken != "" && !strings.HasSuffix(sym, s.Data.AssetToken) {
			err = multierr.Append(err, fmt.Errorf("symbol %q is not quoted in %s", sym, s.Data.AssetToken))
		}
	}
	if s.Data.AssetToken == "" {
		err = multierr.Append(err, errors.New("asset_token is empty"))
	}

	if l := s.Transaction.DesiredLeverage; l < 1 || l > MaxLeverage {
		err = multierr.Append(err, fmt.Errorf("desired_leverage must be in [1,%d], got %d", MaxLeverage, l))
	}
	if s.Transaction.StrategyIndex < 0 || s.Simulation.StrategyIndex < 0 {
		err = multierr.Append(err, errors.New("strategy_index must not be negative"))
	}

	if s.Simulation.MakerFee < 0 || s.Simulation.TakerFee < 0 {
		err = multierr.Append(err, errors.New("fees must not be negative"))
	}
	if s.Simulation.Leverage < 1 {
		err = multierr.Append(err, fmt.Errorf("simulation leverage must be at least 1, got %d", s.Simulation.Leverage))
	}
	if s.Simulation.Year < 2019 {
		err = multierr.Append(err, fmt.Errorf("simulation year %d predates the futures archive", s.Simulation.Year))
	}

	if _, ok := lockBoardDurations[s.Management.LockBoard]; !ok {
		err = multierr.Append(err, fmt.Errorf("unknown lock_board %q", s.Management.LockBoard))
	}

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// LoadSettings reads every settings file under datapath. Missing files keep
// their defaults.
func LoadSettings(datapath string) (Settings, error) {
	s := DefaultSettings()
	files := []struct {
		name string
		v    any
	}{
		{DataSettingsFile, &s.Data},
		{TransactionSettingsFile, &s.Transaction},
		{SimulationSettingsFile, &s.Simulation},
		{ManagementSettingsFile, &s.Management},
	}
	for _, f := range files {
		err := persist.ReadJSON(filepath.Join(datapath, f.name), f.v)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s, fmt.Errorf("failed to read %s: %w", f.name, err)
		}
	}
	return s, s.Validate()
}

// SaveSettings validates s and rewrites every settings file.
func SaveSettings(datapath string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return multierr.Combine(
		persist.WriteJSON(filepath.Join(datapath, DataSettingsFile), s.Data),
		persist.WriteJSON(filepath.Join(datapath, TransactionSettingsFile), s.Transaction),
		persist.WriteJSON(filepath.Join(datapath, SimulationSettingsFile), s.Simulation),
		persist.WriteJSON(filepath.Join(datapath, ManagementSettingsFile), s.Management),
	)
}
