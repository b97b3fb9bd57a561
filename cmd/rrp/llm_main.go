package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/export"
	"github.com/lingenhag/rrp/internal/llm/clients"
	"github.com/lingenhag/rrp/internal/llm/ensemble"
	"github.com/lingenhag/rrp/internal/llm/summarize"
	"github.com/lingenhag/rrp/internal/persistence/postgres"
)

func newLLMCmd(a *app) *cobra.Command {
	llmCmd := &cobra.Command{
		Use:   "llm",
		Short: "LLM adjudication of harvested candidates",
	}

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Drain the harvest inbox through the model ensemble",
		Long:  "Adjudicates inbox candidates via the configured LLM clients, persists articles or rejections plus the per-model vote audit trail, and removes processed rows from the inbox.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLLMProcess(a, cmd)
		},
	}
	f := processCmd.Flags()
	f.String("asset", "", "Asset symbol (e.g. BTC, DOT)")
	addWindowFlags(f)
	f.Int("limit", 10, "Maximum candidates per batch")
	f.Bool("parallel", false, "Adjudicate with a worker pool instead of sequentially")
	f.Int("workers", 8, "Worker count for --parallel")
	f.Int("rate-limit", 60, "LLM calls per minute across all workers")
	f.String("export-votes-csv", "", "Export the vote audit trail for the window to this CSV file")
	f.Bool("dry-run", false, "Adjudicate without writing to the database")

	llmCmd.AddCommand(processCmd)
	return llmCmd
}

func runLLMProcess(a *app, cmd *cobra.Command) error {
	flags := cmd.Flags()
	asset, _ := flags.GetString("asset")
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return usagef("--asset is required")
	}

	days, _ := flags.GetInt("days")
	fromISO, _ := flags.GetString("from")
	toISO, _ := flags.GetString("to")
	since, _, err := timeRange(days, fromISO, toISO)
	if err != nil {
		return err
	}

	limit, _ := flags.GetInt("limit")
	parallel, _ := flags.GetBool("parallel")
	workers, _ := flags.GetInt("workers")
	ratePerMinute, _ := flags.GetInt("rate-limit")
	exportPath, _ := flags.GetString("export-votes-csv")
	dryRun, _ := flags.GetBool("dry-run")

	ens, err := buildEnsemble(a)
	if err != nil {
		return err
	}
	if ens.Size() == 0 {
		return usagef("no LLM clients enabled: set ensemble.use_openai/use_gemini/use_xai in the config")
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	newsRepo := postgres.NewNewsRepo(db, postgres.DefaultTimeout)
	llmRepo := postgres.NewLLMRepo(db, postgres.DefaultTimeout)
	policy := postgres.NewDomainPolicyRepo(db, postgres.DefaultTimeout)

	uc := summarize.New(ens, newsRepo, llmRepo, policy, a.metrics)
	params := summarize.Params{
		AssetSymbol:   asset,
		Limit:         limit,
		Since:         &since,
		DryRun:        dryRun,
		Workers:       workers,
		RatePerMinute: ratePerMinute,
		ProgressEvery: 10,
	}

	ctx := cmd.Context()
	var res summarize.Result
	if parallel {
		res, err = uc.ProcessBatchParallel(ctx, params)
	} else {
		res, err = uc.ProcessBatch(ctx, params)
	}
	if err != nil {
		return err
	}

	fmt.Printf("[llm-process] asset=%s processed=%d saved=%d rejected=%d deleted=%d errors=%d dry_run=%t\n",
		asset, res.Processed, res.Saved, res.RejectedIrrelevant, res.DeletedFromHarvest, res.Errors, dryRun)

	if exportPath != "" {
		votes, err := llmRepo.FetchVotes(ctx, asset, since)
		if err != nil {
			return fmt.Errorf("fetch votes for export: %w", err)
		}
		if err := export.WriteFile(exportPath, func(w io.Writer) error {
			return export.WriteVotesCSV(w, votes)
		}); err != nil {
			return err
		}
		fmt.Printf("[llm-process] exported %d votes to %s\n", len(votes), exportPath)
	}
	return nil
}

// buildEnsemble assembles the clients selected by the ensemble config. An
// enabled client without its API key is a fatal configuration error.
func buildEnsemble(a *app) (*ensemble.Ensemble, error) {
	var cs []clients.Client
	if a.cfg.Ensemble.UseOpenAI {
		if a.cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", domain.ErrConfigMissing)
		}
		cs = append(cs, clients.NewOpenAI(a.cfg.OpenAI, a.metrics))
	}
	if a.cfg.Ensemble.UseGemini {
		if a.cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY is not set", domain.ErrConfigMissing)
		}
		cs = append(cs, clients.NewGemini(a.cfg.Gemini, a.metrics))
	}
	if a.cfg.Ensemble.UseXAI {
		if a.cfg.XAI.APIKey == "" {
			return nil, fmt.Errorf("%w: XAI_API_KEY is not set", domain.ErrConfigMissing)
		}
		cs = append(cs, clients.NewXAI(a.cfg.XAI, a.metrics))
	}
	return ensemble.New(cs...), nil
}
