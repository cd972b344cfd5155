package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rcourtman/entitled/internal/catalog"
	"github.com/rcourtman/entitled/internal/config"
	"github.com/rcourtman/entitled/internal/entitlement"
	"github.com/rcourtman/entitled/internal/journal"
	"github.com/rcourtman/entitled/internal/logging"
	"github.com/rcourtman/entitled/internal/report"
	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const reportTimeout = 30 * time.Second

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Catalog utilities",
}

var catalogValidateCmd = &cobra.Command{
	Use:           "validate <path>",
	Short:         "Check a catalog file for entries the daemon would drop",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateCatalog(cmd.OutOrStdout(), args[0])
	},
}

var reportOutput string

var reportCmd = &cobra.Command{
	Use:           "report",
	Short:         "Generate a PDF entitlement report and exit",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReport(cmd.OutOrStdout(), reportOutput)
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "entitlements.pdf", "file to write the PDF report to")
}

// validateCatalog applies the strict reading the daemon deliberately skips.
// The daemon drops bad entries and keeps running; a validate run should
// fail loudly on anything it would drop.
func validateCatalog(out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	var bad []string
	for id, rank := range raw {
		switch {
		case id == "":
			bad = append(bad, fmt.Sprintf("empty product id (rank %d)", rank))
		case rank <= 0:
			bad = append(bad, fmt.Sprintf("%s: rank must be positive, got %d", id, rank))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		for _, entry := range bad {
			fmt.Fprintln(out, entry)
		}
		return fmt.Errorf("catalog has %d invalid entries", len(bad))
	}

	tiers := catalog.New(raw)
	fmt.Fprintf(out, "Catalog OK: %d products\n", tiers.Len())
	for _, id := range tiers.IDs() {
		fmt.Fprintf(out, "  %s (rank %d)\n", id, tiers.TierFor(id).Rank)
	}
	return nil
}

// runReport does a one-shot reconciliation against the platform and writes
// the resulting entitlement state as a PDF. Network failures degrade to a
// report of whatever state could be fetched.
func runReport(out io.Writer, outputPath string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "warn",
		Component: "entitled",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	tiers := buildCatalog(cfg)
	client, groupID := buildClient(cfg)

	var ledger *journal.Store
	if cfg.JournalEnabled {
		ledger, err = journal.Open(cfg.JournalPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.JournalPath).Msg("Journal unavailable, report will have no history")
			ledger = nil
		} else {
			defer ledger.Close()
		}
	}

	store, err := entitlement.New(entitlement.Config{
		Client:  client,
		Catalog: tiers,
		GroupID: groupID,
		Journal: ledger,
	})
	if err != nil {
		return fmt.Errorf("build entitlement store: %w", err)
	}

	if err := store.RequestProducts(ctx); err != nil {
		log.Warn().Err(err).Msg("Product request failed, report may be incomplete")
	}
	if err := store.RefreshEntitlements(ctx, storefront.ProductTypeAutoRenewable); err != nil {
		log.Warn().Err(err).Msg("Entitlement refresh failed, report may be incomplete")
	}

	_, _, description := store.ResolveStatus(ctx)

	var entries []journal.Entry
	if ledger != nil {
		entries, err = ledger.Recent(ctx, 25)
		if err != nil {
			log.Warn().Err(err).Msg("History unavailable, exporting without it")
			entries = nil
		}
	}

	pdf, err := report.NewGenerator().Generate(report.Data{
		Snapshot:    store.Snapshot(),
		Description: description,
		Entries:     entries,
		GeneratedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}

	if err := os.WriteFile(outputPath, pdf, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(out, "Report written to %s\n", outputPath)
	return nil
}
