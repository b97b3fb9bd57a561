package main

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lingenhag/rrp/internal/config"
	"github.com/lingenhag/rrp/internal/news/harvest"
	"github.com/lingenhag/rrp/internal/news/query"
	"github.com/lingenhag/rrp/internal/news/resolver"
	"github.com/lingenhag/rrp/internal/news/sources"
	"github.com/lingenhag/rrp/internal/persistence/postgres"
)

func newNewsCmd(a *app) *cobra.Command {
	newsCmd := &cobra.Command{
		Use:   "news",
		Short: "News harvesting into the candidate inbox",
	}

	harvestCmd := &cobra.Command{
		Use:   "harvest",
		Short: "Collect candidate URLs from the configured sources",
		Long:  "Fetches documents from GDELT and Google News RSS, validates and deduplicates them, and stores new candidates in the url_harvests inbox.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNewsHarvest(a, cmd)
		},
	}
	f := harvestCmd.Flags()
	f.String("asset", "", "Asset symbol (e.g. BTC, DOT)")
	addWindowFlags(f)
	f.String("source", "all", "Source selection (all|gdelt|rss)")
	f.Int("limit", 100, "Maximum documents per source")
	f.Int("rss-workers", 0, "Workers for RSS link resolution (default: url_harvest.max_workers)")
	f.Bool("auto-migrate", false, "Bootstrap the schema before harvesting")
	f.Bool("enforce-domain-filter", false, "Enforce the domain filter (overrides news_domain_filter.enforce)")

	newsCmd.AddCommand(harvestCmd)
	return newsCmd
}

func runNewsHarvest(a *app, cmd *cobra.Command) error {
	flags := cmd.Flags()
	asset, _ := flags.GetString("asset")
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return usagef("--asset is required")
	}

	days, _ := flags.GetInt("days")
	fromISO, _ := flags.GetString("from")
	toISO, _ := flags.GetString("to")
	start, end, err := timeRange(days, fromISO, toISO)
	if err != nil {
		return err
	}

	selection, _ := flags.GetString("source")
	switch selection {
	case "all", "gdelt", "rss":
	default:
		return usagef("--source must be all, gdelt, or rss (got %q)", selection)
	}

	limit, _ := flags.GetInt("limit")
	rssWorkers, _ := flags.GetInt("rss-workers")
	if rssWorkers <= 0 {
		rssWorkers = a.cfg.URLHarvest.MaxWorkers
	}
	enforceFlag, _ := flags.GetBool("enforce-domain-filter")

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := a.migrate(cmd, db); err != nil {
		return err
	}

	registry := postgres.NewAssetRegistry(db, postgres.DefaultTimeout)
	builder := query.NewBuilder(registry,
		config.NormalizedSymbols(a.cfg.NewsQuery.MajorAssetsWithoutContext),
		config.NormalizedSymbols(a.cfg.NewsQuery.EnforceContextAssets))

	srcs := buildSources(a, selection, rssWorkers, builder)
	if len(srcs) == 0 {
		return usagef("no sources enabled for --source=%s (check gdelt.enabled / google_news.enabled)", selection)
	}

	newsRepo := postgres.NewNewsRepo(db, postgres.DefaultTimeout)
	policy := postgres.NewDomainPolicyRepo(db, postgres.DefaultTimeout)
	enforce := enforceFlag || a.cfg.DomainFilter.Enforce

	orch := harvest.New(srcs, newsRepo, policy, enforce, a.metrics)
	sum, err := orch.Run(cmd.Context(), sources.Criteria{
		AssetSymbol: asset,
		Start:       start,
		End:         end,
		Limit:       limit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("[news-harvest] asset=%s %s\n", asset, sum)
	return nil
}

// buildSources assembles the adapter set. An explicit --source overrides the
// per-source enabled switches; --source all honors them.
func buildSources(a *app, selection string, rssWorkers int, builder *query.Builder) []sources.Source {
	var srcs []sources.Source

	if selection == "gdelt" || (selection == "all" && a.cfg.GDELT.Enabled) {
		srcs = append(srcs, sources.NewGDELT(a.cfg.GDELT.Timeout(), a.cfg.GDELT.MaxRetries, builder, a.metrics))
	}

	if selection == "rss" || (selection == "all" && a.cfg.GoogleNews.Enabled) {
		gn := a.cfg.GoogleNews
		var res *resolver.GoogleNews
		if gn.ResolveRedirects {
			var cache *redis.Client
			if a.cfg.ResolverCacheAddr != "" {
				cache = redis.NewClient(&redis.Options{Addr: a.cfg.ResolverCacheAddr})
			}
			res = resolver.New(gn.Timeout(), nil, a.metrics, cache)
		}
		srcs = append(srcs, sources.NewGoogleRSS(
			gn.Timeout(), gn.HL, gn.GL, gn.CEID,
			gn.ResolveRedirects, rssWorkers, builder, res, a.metrics))
	}

	return srcs
}
