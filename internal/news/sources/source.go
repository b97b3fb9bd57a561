// Package sources implements the news source adapters feeding the harvest
// pipeline. Adapters are deterministic for a given criteria and upstream
// response and never persist.
package sources

import (
	"context"
	"time"
)

// Document is one raw upstream row. Field names vary per source (og_url vs
// url vs link, pub_date vs published_at); the harvester canonicalizes them.
type Document map[string]any

// Criteria bounds one harvest run for one asset.
type Criteria struct {
	AssetSymbol string
	Start       time.Time
	End         time.Time
	Limit       int
}

// Source produces raw documents for a criteria window.
type Source interface {
	Name() string
	FetchDocuments(ctx context.Context, c Criteria) ([]Document, error)
}
