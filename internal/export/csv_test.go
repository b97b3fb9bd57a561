package export

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/domain"
)

func f(v float64) *float64 { return &v }

func TestWriteVotesCSV(t *testing.T) {
	summary := "Kurzfazit"
	harvestID := int64(9)
	articleID := int64(11)
	votes := []domain.LLMVote{
		{
			ID:          1,
			AssetSymbol: "BTC",
			Model:       "gpt-4o-mini",
			Relevance:   true,
			Sentiment:   f(0.345),
			Summary:     &summary,
			HarvestID:   &harvestID,
			ArticleID:   &articleID,
			CreatedAt:   time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		},
		{
			ID:          2,
			URL:         "https://news.example/b",
			AssetSymbol: "BTC",
			Model:       "grok-4",
			Relevance:   false,
			CreatedAt:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600)),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteVotesCSV(&buf, votes))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t,
		"id,url,asset_symbol,model,relevance,sentiment,summary,created_at,harvest_id,article_id",
		lines[0])
	assert.Equal(t, "1,,BTC,gpt-4o-mini,true,0.35,Kurzfazit,2025-03-01T09:30:00Z,9,11", lines[1])
	assert.Equal(t, "2,https://news.example/b,BTC,grok-4,false,,,2025-03-01T09:00:00Z,,", lines[2],
		"timestamps are normalized to UTC, absent fields stay empty")
}

func TestWriteFactorsCSV(t *testing.T) {
	rows := []domain.FactorRow{
		{
			AssetSymbol:   "BTC",
			Day:           time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
			Ret1d:         f(0.0123456),
			SentimentMean: f(-0.5),
			PAlpha:        f(0.25),
			Alpha:         0.25,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFactorsCSV(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t,
		"asset_symbol,day,ret_1d,vol_30d,sharpe_30d,sortino_30d,var_1d_95,exp_return_30d,sentiment_mean,sentiment_norm,p_alpha,alpha",
		lines[0])
	assert.Equal(t, "BTC,2025-03-02,0.012346,,,,,,-0.500000,,0.250000,0.25", lines[1])
}

func TestWriteFileRendersAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	err := WriteFile(path, func(w io.Writer) error {
		return WriteVotesCSV(w, nil)
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "id,url,asset_symbol"))
}
