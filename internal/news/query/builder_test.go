package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	aliases   map[string][]string
	negatives map[string][]string
}

func (s stubRegistry) Aliases(sym string) ([]string, error)       { return s.aliases[sym], nil }
func (s stubRegistry) NegativeTerms(sym string) ([]string, error) { return s.negatives[sym], nil }

func TestCoreQuotesProperNamesAndKeepsTickersBare(t *testing.T) {
	b := NewBuilder(NullRegistry{}, nil, nil)

	core, err := b.Core("BTC")
	require.NoError(t, err)

	assert.Contains(t, core, "BTC")
	assert.Contains(t, core, `"Bitcoin"`)
	assert.NotContains(t, core, `"BTC"`)
	assert.Contains(t, core, "(crypto OR cryptocurrency OR blockchain OR token OR defi OR nft)")
}

func TestCoreDeduplicatesCaseInsensitively(t *testing.T) {
	b := NewBuilder(NullRegistry{}, nil, nil)

	core, err := b.Core("BTC")
	require.NoError(t, err)

	// "BTC" and "btc" both survive only once each next to the proper name.
	assert.Contains(t, core, "(BTC OR btc OR \"Bitcoin\")")
}

func TestCoreAppendsNegatives(t *testing.T) {
	reg := stubRegistry{
		negatives: map[string][]string{"SOL": {"solar", "peru"}},
	}
	b := NewBuilder(reg, nil, nil)

	core, err := b.Core("SOL")
	require.NoError(t, err)

	assert.Contains(t, core, "NOT (solar OR peru)")
	assert.Contains(t, core, `"Solana"`)
}

func TestCoreSingleNegativeCollapses(t *testing.T) {
	reg := stubRegistry{negatives: map[string][]string{"ADA": {"lovelace"}}}
	b := NewBuilder(reg, nil, nil)

	core, err := b.Core("ADA")
	require.NoError(t, err)

	assert.Contains(t, core, "NOT lovelace")
}

func TestContextExemptionAndEnforceOverride(t *testing.T) {
	majors := map[string]bool{"BTC": true, "ETH": true}
	enforce := map[string]bool{"ETH": true}
	b := NewBuilder(NullRegistry{}, majors, enforce)

	assert.False(t, b.RequiresContext("BTC"))
	assert.True(t, b.RequiresContext("ETH"), "enforce overrides the exemption")
	assert.True(t, b.RequiresContext("DOGE"))

	core, err := b.Core("BTC")
	require.NoError(t, err)
	assert.NotContains(t, core, "cryptocurrency")
}

func TestCoreQuotesMultiWordAliases(t *testing.T) {
	reg := stubRegistry{aliases: map[string][]string{"DOT": {"Polkadot Network"}}}
	b := NewBuilder(reg, nil, nil)

	core, err := b.Core("DOT")
	require.NoError(t, err)

	assert.Contains(t, core, `"Polkadot Network"`)
}

func TestForRSSAppendsDateWindow(t *testing.T) {
	b := NewBuilder(NullRegistry{}, nil, nil)
	start := time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2024, 1, 7, 3, 0, 0, 0, time.UTC)

	q, err := b.ForRSS("BTC", start, end)
	require.NoError(t, err)

	assert.Contains(t, q, "after:2024-01-01")
	assert.Contains(t, q, "before:2024-01-07")
}
