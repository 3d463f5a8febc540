package governance

import (
	"testing"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandTableFind(t *testing.T) {
	table, err := NewBandTable(config.DefaultCashBands())
	require.NoError(t, err)

	tests := []struct {
		name   string
		amount string
		want   string
	}{
		{name: "zero falls in the lowest band", amount: "0", want: "micro"},
		{name: "inside micro band", amount: "25000", want: "micro"},
		{name: "upper boundary is inclusive", amount: "50000", want: "micro"},
		{name: "one cent above boundary moves up", amount: "50000.01", want: "low"},
		{name: "next whole unit above boundary", amount: "50001", want: "low"},
		{name: "low upper boundary", amount: "250000", want: "low"},
		{name: "into medium", amount: "250001", want: "medium"},
		{name: "medium upper boundary", amount: "1000000", want: "medium"},
		{name: "into high", amount: "1000001", want: "high"},
		{name: "high upper boundary", amount: "5000000", want: "high"},
		{name: "top band is open-ended", amount: "5000001", want: "strategic"},
		{name: "very large amounts stay in the top band", amount: "999999999999", want: "strategic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			band, err := table.Find(decimal.RequireFromString(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.want, band.Label)
		})
	}

	t.Run("negative amounts are rejected", func(t *testing.T) {
		_, err := table.Find(decimal.NewFromInt(-1))
		assert.Error(t, err)
	})
}

func TestNewBandTableValidation(t *testing.T) {
	tests := []struct {
		name  string
		bands []config.CashBand
	}{
		{
			name:  "empty table",
			bands: nil,
		},
		{
			name: "lowest band does not start at zero",
			bands: []config.CashBand{
				{Label: "a", Min: "1", Max: "100"},
				{Label: "b", Min: "100.01", Max: ""},
			},
		},
		{
			name: "gap between bands",
			bands: []config.CashBand{
				{Label: "a", Min: "0", Max: "100"},
				{Label: "b", Min: "200", Max: ""},
			},
		},
		{
			name: "overlapping bands",
			bands: []config.CashBand{
				{Label: "a", Min: "0", Max: "100"},
				{Label: "b", Min: "50", Max: ""},
			},
		},
		{
			name: "bounded top band",
			bands: []config.CashBand{
				{Label: "a", Min: "0", Max: "100"},
				{Label: "b", Min: "100.01", Max: "200"},
			},
		},
		{
			name: "unbounded band below the top",
			bands: []config.CashBand{
				{Label: "a", Min: "0", Max: ""},
				{Label: "b", Min: "100", Max: ""},
			},
		},
		{
			name: "max below min",
			bands: []config.CashBand{
				{Label: "a", Min: "0", Max: "100"},
				{Label: "b", Min: "100.01", Max: "50"},
				{Label: "c", Min: "50.01", Max: ""},
			},
		},
		{
			name: "unparseable amount",
			bands: []config.CashBand{
				{Label: "a", Min: "zero", Max: ""},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBandTable(tt.bands)
			assert.Error(t, err)
		})
	}
}
