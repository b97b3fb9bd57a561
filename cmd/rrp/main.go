package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lingenhag/rrp/internal/config"
	"github.com/lingenhag/rrp/internal/metrics"
	"github.com/lingenhag/rrp/internal/persistence/postgres"
)

const (
	appName = "rrp"
	version = "v1.3.0"
)

// usageError separates exit code 2 (bad invocation) from runtime failures.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// app carries the state shared by every subcommand: parsed config, the
// metrics registry, and the persistent flag values.
type app struct {
	cfgPath     string
	verbose     bool
	metricsAddr string
	dsn         string

	cfg     *config.Config
	metrics *metrics.Registry
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	a := &app{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Crypto news harvesting, LLM adjudication, and market factors",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.metrics = metrics.New()
			a.metrics.Serve(metricsAddrOrDefault(a))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "config.yaml", "Path to the YAML config file")
	pf.BoolVar(&a.verbose, "verbose", false, "Enable debug logging")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address (e.g. :9090)")
	pf.StringVar(&a.dsn, "db", "", "Postgres DSN (default: database.default_path from config)")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usagef("%v", err)
	})

	root.AddCommand(newNewsCmd(a), newLLMCmd(a), newMarketCmd(a))

	if err := root.Execute(); err != nil {
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "usage error: %s\n", ue.msg)
			os.Exit(2)
		}
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func metricsAddrOrDefault(a *app) string {
	if a.metricsAddr != "" {
		return a.metricsAddr
	}
	return a.cfg.MetricsAddr
}

// openDB connects using --db or the configured default DSN.
func (a *app) openDB() (*sqlx.DB, error) {
	dsn := a.dsn
	if dsn == "" {
		dsn = a.cfg.Database.DefaultPath
	}
	if dsn == "" {
		return nil, usagef("no database DSN: pass --db or set database.default_path")
	}
	return postgres.Open(dsn)
}

func (a *app) migrate(cmd *cobra.Command, db *sqlx.DB) error {
	auto, _ := cmd.Flags().GetBool("auto-migrate")
	if !auto {
		return nil
	}
	if err := postgres.NewMigrator(db).AutoMigrate(cmd.Context()); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// addWindowFlags registers the shared time-window flags; timeRange resolves
// them.
func addWindowFlags(f *pflag.FlagSet) {
	f.Int("days", 1, "Time range in days back from now")
	f.String("from", "", "Range start (ISO-8601), requires --to")
	f.String("to", "", "Range end (ISO-8601), requires --from")
}

func parseISO(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, usagef("invalid date %q (want ISO-8601)", value)
}

// timeRange resolves an explicit [--from, --to] window or --days back from
// now. Exactly both or neither of the explicit bounds must be given.
func timeRange(days int, fromISO, toISO string) (time.Time, time.Time, error) {
	if fromISO != "" && toISO != "" {
		start, err := parseISO(fromISO)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end, err := parseISO(toISO)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if !start.Before(end) {
			return time.Time{}, time.Time{}, usagef("--from must be before --to")
		}
		return start, end, nil
	}
	if fromISO != "" || toISO != "" {
		return time.Time{}, time.Time{}, usagef("specify both --from and --to, or neither")
	}
	if days < 1 {
		return time.Time{}, time.Time{}, usagef("--days must be positive")
	}
	now := time.Now().UTC()
	return now.AddDate(0, 0, -days), now, nil
}
