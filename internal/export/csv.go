// Package export renders pipeline data as CSV for offline analysis.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/lingenhag/rrp/internal/domain"
)

var votesHeader = []string{
	"id", "url", "asset_symbol", "model", "relevance", "sentiment",
	"summary", "created_at", "harvest_id", "article_id",
}

// WriteVotesCSV renders the vote audit trail: booleans as true/false,
// sentiments with two decimals, timestamps as ISO-8601 UTC, absent fields
// empty.
func WriteVotesCSV(w io.Writer, votes []domain.LLMVote) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(votesHeader); err != nil {
		return fmt.Errorf("write votes header: %w", err)
	}
	for _, v := range votes {
		record := []string{
			strconv.FormatInt(v.ID, 10),
			v.URL,
			v.AssetSymbol,
			v.Model,
			strconv.FormatBool(v.Relevance),
			formatFloat(v.Sentiment, 2),
			strOpt(v.Summary),
			v.CreatedAt.UTC().Format(time.RFC3339),
			intOpt(v.HarvestID),
			intOpt(v.ArticleID),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write vote row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

var factorsHeader = []string{
	"asset_symbol", "day", "ret_1d", "vol_30d", "sharpe_30d", "sortino_30d",
	"var_1d_95", "exp_return_30d", "sentiment_mean", "sentiment_norm",
	"p_alpha", "alpha",
}

// WriteFactorsCSV renders factor rows with six decimals; undefined metrics
// stay empty.
func WriteFactorsCSV(w io.Writer, rows []domain.FactorRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(factorsHeader); err != nil {
		return fmt.Errorf("write factors header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.AssetSymbol,
			r.Day.UTC().Format("2006-01-02"),
			formatFloat(r.Ret1d, 6),
			formatFloat(r.Vol30d, 6),
			formatFloat(r.Sharpe30d, 6),
			formatFloat(r.Sortino30d, 6),
			formatFloat(r.Var1d95, 6),
			formatFloat(r.ExpReturn30d, 6),
			formatFloat(r.SentimentMean, 6),
			formatFloat(r.SentimentNorm, 6),
			formatFloat(r.PAlpha, 6),
			strconv.FormatFloat(r.Alpha, 'f', 2, 64),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write factors row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes via a render callback with 0644 permissions.
func WriteFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v *float64, decimals int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', decimals, 64)
}

func strOpt(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intOpt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
