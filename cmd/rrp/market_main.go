package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/export"
	"github.com/lingenhag/rrp/internal/market/coingecko"
	"github.com/lingenhag/rrp/internal/market/factors"
	"github.com/lingenhag/rrp/internal/market/usecases"
	"github.com/lingenhag/rrp/internal/persistence/postgres"
)

func newMarketCmd(a *app) *cobra.Command {
	marketCmd := &cobra.Command{
		Use:   "market",
		Short: "Market data ingestion and factor computation",
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest current spot snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarketIngest(a, cmd)
		},
	}
	f := ingestCmd.Flags()
	f.StringSlice("asset", nil, "Asset symbol(s), e.g. BTC,ETH,SOL")
	f.String("vs", "usd", "Quote currency")
	f.String("provider", "CoinGecko", "Data provider")
	f.String("provider-id", "", "Provider-specific id (single asset only)")
	f.Bool("auto-migrate", false, "Bootstrap the schema first")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Ingest historical candles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarketHistory(a, cmd)
		},
	}
	f = historyCmd.Flags()
	f.String("asset", "", "Asset symbol (e.g. BTC)")
	f.String("vs", "usd", "Quote currency")
	f.String("provider", "CoinGecko", "Data provider")
	f.String("provider-id", "", "Provider-specific id (default: mapping table, then lowercased symbol)")
	f.Int("days", 30, "Days to fetch back from now")
	f.Int64("from-ts", 0, "Range start as Unix seconds, requires --to-ts")
	f.Int64("to-ts", 0, "Range end as Unix seconds, requires --from-ts")
	f.Bool("update", false, "Resume after the last stored day instead of using --days")
	f.Bool("auto-migrate", false, "Bootstrap the schema first")

	factorsCmd := &cobra.Command{
		Use:   "factors",
		Short: "Compute and persist daily market factors",
		Long:  "Derives returns, rolling risk statistics, normalized sentiment, and the alpha-blended composite score per day, then upserts the rows.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarketFactors(a, cmd)
		},
	}
	f = factorsCmd.Flags()
	f.String("asset", "", "Asset symbol (e.g. BTC)")
	f.Int("days", 365, "Days back from today when --start is not given")
	f.String("start", "", "Start date (YYYY-MM-DD), overrides --days")
	f.String("end", "", "End date (YYYY-MM-DD), defaults to today (UTC)")
	f.Float64("alpha", 0.25, "Sentiment share of the composite blend, in [0,1]")
	f.Int("window-vol", 30, "Rolling window for vol/sharpe/sortino/VaR")
	f.Int("window-sent", 90, "Rolling window for sentiment normalization")
	f.Int("ema-len", 30, "EMA length for the expected return")
	f.String("norm", factors.NormZScore, "Normalization method (zscore|winsor|minmax)")
	f.Float64("winsor-alpha", 0.05, "Clip share per tail for --norm winsor")
	f.String("var", factors.VarParam95, "VaR method (param95|emp95)")
	f.String("sentiment-weight", factors.WeightNone, "Sentiment evidence weighting (none|count|domain_weight)")
	f.String("export", "", "Write the computed rows to this CSV file")
	f.Bool("dry-run", false, "Compute only, do not persist")
	f.Bool("auto-migrate", false, "Bootstrap the schema first")

	overviewCmd := &cobra.Command{
		Use:   "overview",
		Short: "Show basic market KPIs for an asset and date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarketOverview(a, cmd)
		},
	}
	f = overviewCmd.Flags()
	f.String("asset", "", "Asset symbol (e.g. BTC)")
	f.String("start", "", "Start date (YYYY-MM-DD)")
	f.String("end", "", "End date (YYYY-MM-DD)")
	f.String("vs", "usd", "Quote currency of the stored candles")
	f.String("format", "auto", "Output format (auto|table|json)")

	marketCmd.AddCommand(ingestCmd, historyCmd, factorsCmd, overviewCmd)
	return marketCmd
}

func runMarketIngest(a *app, cmd *cobra.Command) error {
	flags := cmd.Flags()
	rawAssets, _ := flags.GetStringSlice("asset")
	symbols := make([]string, 0, len(rawAssets))
	for _, s := range rawAssets {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		return usagef("--asset is required")
	}
	vs, _ := flags.GetString("vs")
	provider, _ := flags.GetString("provider")
	providerID, _ := flags.GetString("provider-id")
	if providerID != "" && len(symbols) > 1 {
		return usagef("--provider-id applies to a single asset only")
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := a.migrate(cmd, db); err != nil {
		return err
	}

	ctx := cmd.Context()
	repo := postgres.NewMarketRepo(db, postgres.DefaultTimeout)
	pairs, err := repo.ListProviderPairs(ctx, provider, symbols)
	if err != nil {
		return fmt.Errorf("list provider pairs: %w", err)
	}
	for _, sym := range symbols {
		if _, ok := pairs[sym]; ok {
			continue
		}
		pid := strings.ToLower(sym)
		if providerID != "" {
			pid = providerID
		}
		if err := repo.UpsertAssetProvider(ctx, sym, provider, pid); err != nil {
			return fmt.Errorf("upsert provider mapping: %w", err)
		}
		pairs[sym] = pid
	}

	assets := make([]usecases.AssetProvider, 0, len(symbols))
	for _, sym := range symbols {
		assets = append(assets, usecases.AssetProvider{Symbol: sym, ProviderID: pairs[sym]})
	}

	svc := usecases.New(repo, coingecko.New(a.cfg.CoinGecko, a.metrics))
	res, err := svc.IngestSpot(ctx, assets, vs)
	if err != nil {
		return err
	}
	fmt.Printf("[market-spot] assets=%s requested=%d fetched=%d saved=%d duplicates=%d\n",
		strings.Join(symbols, ","), res.Requested, res.Fetched, res.Saved, res.Duplicates)
	return nil
}

func runMarketHistory(a *app, cmd *cobra.Command) error {
	flags := cmd.Flags()
	asset, _ := flags.GetString("asset")
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return usagef("--asset is required")
	}
	vs, _ := flags.GetString("vs")
	provider, _ := flags.GetString("provider")
	providerID, _ := flags.GetString("provider-id")
	days, _ := flags.GetInt("days")
	fromTS, _ := flags.GetInt64("from-ts")
	toTS, _ := flags.GetInt64("to-ts")
	update, _ := flags.GetBool("update")

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := a.migrate(cmd, db); err != nil {
		return err
	}

	ctx := cmd.Context()
	repo := postgres.NewMarketRepo(db, postgres.DefaultTimeout)
	svc := usecases.New(repo, coingecko.New(a.cfg.CoinGecko, a.metrics))

	if update {
		res, err := svc.UpdateMarketHistory(ctx, asset, vs)
		if err != nil {
			return err
		}
		fmt.Printf("[market-history] asset=%s fetched=%d saved=%d (incremental)\n", asset, res.Fetched, res.Saved)
		return nil
	}

	from, to, err := unixRange(days, fromTS, toTS)
	if err != nil {
		return err
	}
	if providerID == "" {
		if id, err := repo.GetProviderID(ctx, asset, provider); err == nil && id != "" {
			providerID = id
		} else {
			providerID = strings.ToLower(asset)
		}
	}

	res, err := svc.IngestHistoryRange(ctx, asset, providerID, vs, from, to)
	if err != nil {
		return err
	}
	fmt.Printf("[market-history] asset=%s provider_id=%s fetched=%d saved=%d\n",
		asset, providerID, res.Fetched, res.Saved)
	return nil
}

func unixRange(days int, fromTS, toTS int64) (time.Time, time.Time, error) {
	if fromTS != 0 && toTS != 0 {
		if fromTS >= toTS {
			return time.Time{}, time.Time{}, usagef("--from-ts must be before --to-ts")
		}
		return time.Unix(fromTS, 0).UTC(), time.Unix(toTS, 0).UTC(), nil
	}
	if fromTS != 0 || toTS != 0 {
		return time.Time{}, time.Time{}, usagef("specify both --from-ts and --to-ts, or neither")
	}
	if days < 1 {
		return time.Time{}, time.Time{}, usagef("--days must be positive")
	}
	now := time.Now().UTC()
	return now.AddDate(0, 0, -days), now, nil
}

func runMarketFactors(a *app, cmd *cobra.Command) error {
	flags := cmd.Flags()
	asset, _ := flags.GetString("asset")
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return usagef("--asset is required")
	}

	days, _ := flags.GetInt("days")
	startStr, _ := flags.GetString("start")
	endStr, _ := flags.GetString("end")

	end := domain.UTCDay(time.Now())
	if endStr != "" {
		t, err := parseISO(endStr)
		if err != nil {
			return err
		}
		end = domain.UTCDay(t)
	}
	start := end.AddDate(0, 0, -days)
	if startStr != "" {
		t, err := parseISO(startStr)
		if err != nil {
			return err
		}
		start = domain.UTCDay(t)
	}
	if start.After(end) {
		return usagef("--start must not be after --end")
	}

	alpha, _ := flags.GetFloat64("alpha")
	opts := factors.Options{}
	opts.WindowVol, _ = flags.GetInt("window-vol")
	opts.WindowSent, _ = flags.GetInt("window-sent")
	opts.EMALen, _ = flags.GetInt("ema-len")
	opts.NormMethod, _ = flags.GetString("norm")
	opts.WinsorAlpha, _ = flags.GetFloat64("winsor-alpha")
	opts.VarMethod, _ = flags.GetString("var")
	opts.SentimentWeight, _ = flags.GetString("sentiment-weight")
	if err := opts.Validate(); err != nil {
		return usagef("%v", err)
	}
	exportPath, _ := flags.GetString("export")
	dryRun, _ := flags.GetBool("dry-run")

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := a.migrate(cmd, db); err != nil {
		return err
	}

	repo := postgres.NewMarketRepo(db, postgres.DefaultTimeout)
	eng := factors.New(repo, opts, a.metrics)
	res, err := eng.Compute(cmd.Context(), asset, start, end, alpha, dryRun)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return usagef("%v", err)
		}
		return err
	}

	fmt.Printf("[market-factors] asset=%s range=%s..%s days=%d saved=%d updated=%d alpha=%.2f dry_run=%t norm=%s var=%s\n",
		asset, start.Format("2006-01-02"), end.Format("2006-01-02"),
		res.DaysProcessed, res.Inserted, res.Updated, alpha, dryRun, opts.NormMethod, opts.VarMethod)

	if exportPath != "" {
		if err := export.WriteFile(exportPath, func(w io.Writer) error {
			return export.WriteFactorsCSV(w, res.Rows)
		}); err != nil {
			return err
		}
		fmt.Printf("[market-factors] exported %d rows to %s\n", len(res.Rows), exportPath)
	}
	return nil
}

func runMarketOverview(a *app, cmd *cobra.Command) error {
	flags := cmd.Flags()
	asset, _ := flags.GetString("asset")
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return usagef("--asset is required")
	}
	startStr, _ := flags.GetString("start")
	endStr, _ := flags.GetString("end")
	if startStr == "" || endStr == "" {
		return usagef("--start and --end are required")
	}
	startT, err := parseISO(startStr)
	if err != nil {
		return err
	}
	endT, err := parseISO(endStr)
	if err != nil {
		return err
	}
	start, end := domain.UTCDay(startT), domain.UTCDay(endT)
	if start.After(end) {
		return usagef("--start must not be after --end")
	}
	vs, _ := flags.GetString("vs")
	format, _ := flags.GetString("format")
	switch format {
	case "auto":
		format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "table"
		}
	case "table", "json":
	default:
		return usagef("--format must be auto, table, or json (got %q)", format)
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	repo := postgres.NewMarketRepo(db, postgres.DefaultTimeout)
	svc := usecases.New(repo, nil)
	ov, err := svc.MarketOverview(cmd.Context(), asset, vs, start, end)
	if err != nil {
		return err
	}

	if format == "json" {
		out := struct {
			usecases.Overview
			Start string `json:"start"`
			End   string `json:"end"`
		}{Overview: ov, Start: start.Format("2006-01-02"), End: end.Format("2006-01-02")}
		raw, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}

	fmt.Println("[market-overview]")
	fmt.Printf("  asset         : %s\n", ov.AssetSymbol)
	fmt.Printf("  range         : %s .. %s\n", start.Format("2006-01-02"), end.Format("2006-01-02"))
	fmt.Printf("  latest_close  : %.2f\n", ov.LatestClose)
	fmt.Printf("  avg_volume    : %.2f\n", ov.AvgVolume)
	fmt.Printf("  avg_market_cap: %.2f\n", ov.AvgMarketCap)
	return nil
}
