package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, DefaultSettings().Validate())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(s *Settings)
		valid  bool
	}{
		{"defaults", func(s *Settings) {}, true},
		{"no symbols", func(s *Settings) { s.Data.TargetSymbols = nil }, false},
		{"thirteen symbols", func(s *Settings) {
			s.Data.TargetSymbols = nil
			for i := 0; i < 13; i++ {
				s.Data.TargetSymbols = append(s.Data.TargetSymbols, string(rune('A'+i))+"XUSDT")
			}
		}, false},
		{"duplicate symbol", func(s *Settings) { s.Data.TargetSymbols = []string{"BTCUSDT", "BTCUSDT"} }, false},
		{"wrong quote", func(s *Settings) { s.Data.TargetSymbols = []string{"BTCBUSD"} }, false},
		{"leverage zero", func(s *Settings) { s.Transaction.DesiredLeverage = 0 }, false},
		{"leverage max", func(s *Settings) { s.Transaction.DesiredLeverage = 125 }, true},
		{"leverage above max", func(s *Settings) { s.Transaction.DesiredLeverage = 126 }, false},
		{"negative fee", func(s *Settings) { s.Simulation.TakerFee = -0.1 }, false},
		{"zero fees", func(s *Settings) { s.Simulation.MakerFee, s.Simulation.TakerFee = 0, 0 }, true},
		{"bad lock board", func(s *Settings) { s.Management.LockBoard = "5m" }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			tc.mutate(&s)
			err := s.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSettings)
			}
		})
	}
}

func TestSaveLoadSettings(t *testing.T) {
	dir := t.TempDir()

	s := DefaultSettings()
	s.Data.TargetSymbols = []string{"SOLUSDT"}
	s.Transaction.ShouldTransact = true
	s.Transaction.DesiredLeverage = 5
	s.Simulation.Year = 2023
	s.Management.LockBoard = Lock10m
	require.NoError(t, SaveSettings(dir, s))

	loaded, err := LoadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
	assert.Equal(t, 10*time.Minute, loaded.Management.LockAfter())
}

func TestLoadSettingsMissingFilesKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DataSettingsFile),
		[]byte(`{"asset_token":"USDT","target_symbols":["XRPUSDT"]}`), 0o644))

	loaded, err := LoadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"XRPUSDT"}, loaded.Data.TargetSymbols)
	assert.Equal(t, DefaultSettings().Transaction, loaded.Transaction)
}

func TestSaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	s := DefaultSettings()
	s.Transaction.DesiredLeverage = 500

	assert.ErrorIs(t, SaveSettings(dir, s), ErrInvalidSettings)
	_, err := os.Stat(filepath.Join(dir, DataSettingsFile))
	assert.True(t, os.IsNotExist(err))
}

func TestNewLoggerLevel(t *testing.T) {
	assert.Equal(t, "debug", NewLogger("debug").GetLevel().String())
	assert.Equal(t, "info", NewLogger("nonsense").GetLevel().String())
}
