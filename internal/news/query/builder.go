// Package query derives boolean search expressions for the news source
// adapters from an asset symbol, registry aliases, and exclusion terms.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Registry supplies per-asset aliases and exclusion terms. Implementations
// are fail-open: missing data degrades to empty sets.
type Registry interface {
	Aliases(assetSymbol string) ([]string, error)
	NegativeTerms(assetSymbol string) ([]string, error)
}

// NullRegistry returns no aliases and no negative terms.
type NullRegistry struct{}

func (NullRegistry) Aliases(string) ([]string, error)       { return nil, nil }
func (NullRegistry) NegativeTerms(string) ([]string, error) { return nil, nil }

// cryptoContextTerms reduce noise for ambiguous tickers.
var cryptoContextTerms = []string{"crypto", "cryptocurrency", "blockchain", "token", "defi", "nft"}

// properSingleWords are quoted even though they are single tokens, keeping
// query semantics stable across engines.
var properSingleWords = map[string]bool{
	"bitcoin":  true,
	"ethereum": true,
	"polkadot": true,
	"solana":   true,
}

// longNames maps well-known tickers to their proper names.
var longNames = map[string]string{
	"BTC": "Bitcoin",
	"ETH": "Ethereum",
	"DOT": "Polkadot",
	"SOL": "Solana",
}

// Builder renders boolean queries of the form
// POSITIVES [AND CONTEXT] [AND NOT NEGATIVES].
type Builder struct {
	registry Registry

	// majorsWithoutContext lists symbols whose queries skip the crypto
	// context block; enforceContext overrides the exemption.
	majorsWithoutContext map[string]bool
	enforceContext       map[string]bool
}

// NewBuilder wires a Builder. A nil registry degrades to NullRegistry.
func NewBuilder(registry Registry, majorsWithoutContext, enforceContext map[string]bool) *Builder {
	if registry == nil {
		registry = NullRegistry{}
	}
	return &Builder{
		registry:             registry,
		majorsWithoutContext: majorsWithoutContext,
		enforceContext:       enforceContext,
	}
}

// RequiresContext reports whether the crypto context block applies to symbol.
func (b *Builder) RequiresContext(symbol string) bool {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if b.enforceContext[sym] {
		return true
	}
	return !b.majorsWithoutContext[sym]
}

// Core builds the engine-independent boolean core for an asset.
func (b *Builder) Core(assetSymbol string) (string, error) {
	positives, err := b.positiveTerms(assetSymbol)
	if err != nil {
		return "", err
	}
	negatives, err := b.registry.NegativeTerms(assetSymbol)
	if err != nil {
		negatives = nil
	}

	parts := make([]string, 0, 3)
	if block := orBlock(positives); block != "" {
		parts = append(parts, block)
	}
	if b.RequiresContext(assetSymbol) {
		parts = append(parts, orBlock(cryptoContextTerms))
	}
	if block := orBlock(uniqNorm(negatives)); block != "" {
		parts = append(parts, "NOT "+block)
	}
	if len(parts) == 0 {
		return renderTerm(assetSymbol), nil
	}
	return strings.Join(parts, " AND "), nil
}

// ForGDELT renders the GDELT Doc API query string.
func (b *Builder) ForGDELT(assetSymbol string) (string, error) {
	return b.Core(assetSymbol)
}

// ForRSS renders the Google News RSS query with the date window appended.
func (b *Builder) ForRSS(assetSymbol string, start, end time.Time) (string, error) {
	core, err := b.Core(assetSymbol)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s after:%s before:%s",
		core, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02")), nil
}

func (b *Builder) positiveTerms(assetSymbol string) ([]string, error) {
	sym := strings.TrimSpace(assetSymbol)
	base := []string{sym, strings.ToUpper(sym), strings.ToLower(sym)}
	if long, ok := longNames[strings.ToUpper(sym)]; ok {
		base = append(base, long)
	}
	aliases, err := b.registry.Aliases(sym)
	if err != nil {
		aliases = nil
	}
	return uniqNorm(append(base, aliases...)), nil
}

// uniqNorm trims, drops empties, and deduplicates case-insensitively while
// preserving first-seen order and casing.
func uniqNorm(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// renderTerm quotes phrases and known proper names; bare tickers stay bare.
func renderTerm(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if strings.Contains(t, " ") || properSingleWords[strings.ToLower(t)] {
		return `"` + t + `"`
	}
	return t
}

// orBlock renders a term list; a single term collapses to a bare rendering.
func orBlock(terms []string) string {
	rendered := make([]string, 0, len(terms))
	for _, t := range terms {
		if r := renderTerm(t); r != "" {
			rendered = append(rendered, r)
		}
	}
	switch len(rendered) {
	case 0:
		return ""
	case 1:
		return rendered[0]
	default:
		return "(" + strings.Join(rendered, " OR ") + ")"
	}
}
