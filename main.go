// Command nineateseven migrates content from a Drupal 7 site's MySQL
// database into a Drupal 9 site through its JSON:API, using a YAML mapping
// file to describe how legacy bundles, fields, and identifiers carry over.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/cu-library/nineateseven/internal/config"
	"github.com/cu-library/nineateseven/internal/drupal"
	"github.com/cu-library/nineateseven/internal/legacy"
	"github.com/cu-library/nineateseven/internal/migrate"
)

type options struct {
	db             string
	dbaddr         string
	dbcharset      string
	dbusername     string
	dbpassword     string
	target         string
	targetusername string
	targetpassword string
	mapping        string
	cutoff         string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	// A .env file is a convenience for local runs, its absence is fine.
	_ = godotenv.Load()

	opts := &options{}
	cmd := &cobra.Command{
		Use:   "nineateseven [flags] BUNDLE...",
		Short: "Migrate Drupal 7 content into a Drupal 9 site over JSON:API",
		Long: `nineateseven reads nodes, taxonomy terms, and fields from a Drupal 7
MySQL database and recreates them on a Drupal 9 site through its JSON:API.

The mapping file names the legacy bundles, their target entity types, and
the per-field transformations. Positional arguments select which of the
mapping file's bundles to migrate on this run; taxonomy vocabularies are
always migrated first. Identifiers created by a run are printed on exit so
they can be merged into the mapping file's carryover sections.

Every flag falls back to an environment variable with the NINEATESEVEN_
prefix, loaded from a .env file when one is present.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.db, "db", envOr("NINEATESEVEN_DB", ""), "Name of the Drupal 7 database.")
	flags.StringVar(&opts.dbaddr, "dbaddr", envOr("NINEATESEVEN_DBADDR", "localhost:3306"), "Address of the Drupal 7 database server.")
	flags.StringVar(&opts.dbcharset, "dbcharset", envOr("NINEATESEVEN_DBCHARSET", "utf8mb4"), "Connection character set for the Drupal 7 database.")
	flags.StringVar(&opts.dbusername, "dbusername", envOr("NINEATESEVEN_DBUSERNAME", ""), "Username for the Drupal 7 database.")
	flags.StringVar(&opts.dbpassword, "dbpassword", envOr("NINEATESEVEN_DBPASSWORD", ""), "Password for the Drupal 7 database.")
	flags.StringVar(&opts.target, "target", envOr("NINEATESEVEN_TARGET", ""), "Base URL of the Drupal 9 site.")
	flags.StringVar(&opts.targetusername, "targetusername", envOr("NINEATESEVEN_TARGETUSERNAME", ""), "Username for the Drupal 9 site.")
	flags.StringVar(&opts.targetpassword, "targetpassword", envOr("NINEATESEVEN_TARGETPASSWORD", ""), "Password for the Drupal 9 site.")
	flags.StringVar(&opts.mapping, "mapping", envOr("NINEATESEVEN_MAPPING", "mapping.yaml"), "Path to the YAML mapping file.")
	flags.StringVar(&opts.cutoff, "cutoff", envOr("NINEATESEVEN_CUTOFF", ""), "Override the mapping file's recency cutoffs (YYYY-MM-DD).")

	return cmd
}

func run(opts *options, bundles []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	for _, required := range []struct{ name, value string }{
		{"db", opts.db},
		{"dbusername", opts.dbusername},
		{"target", opts.target},
		{"targetusername", opts.targetusername},
	} {
		if required.value == "" {
			return fmt.Errorf("--%s is required", required.name)
		}
	}

	m, err := config.Load(opts.mapping)
	if err != nil {
		return fmt.Errorf("loading mapping file: %w", err)
	}
	for _, bundle := range bundles {
		if !m.Known(bundle) {
			return fmt.Errorf("unknown bundle name %s", bundle)
		}
	}
	if opts.cutoff != "" {
		for name, bundle := range m.Bundles {
			if bundle.Cutoff == "" {
				continue
			}
			if err := bundle.SetCutoff(opts.cutoff); err != nil {
				return fmt.Errorf("bundle %s: %w", name, err)
			}
		}
	}

	store, err := legacy.Open(opts.dbaddr, opts.db, opts.dbusername, opts.dbpassword, opts.dbcharset, m.FilesRoot)
	if err != nil {
		return fmt.Errorf("connecting to the legacy database: %w", err)
	}
	defer store.Close()

	client := drupal.NewClient(opts.target, opts.targetusername, opts.targetpassword)
	if err := client.Check(); err != nil {
		return fmt.Errorf("checking target site credentials: %w", err)
	}

	driver := migrate.New(store, client, m, logger)
	if err := driver.LoadCarryover(); err != nil {
		return err
	}

	runErr := driver.Run(bundles)

	// New identifiers are printed even after a failure so a partial run can
	// be carried over instead of duplicated.
	if err := printCarryover(driver); err != nil {
		logger.Error("could not print new identifiers", "error", err)
	}
	return runErr
}

// printCarryover writes this run's new identifiers to stdout as mapping
// file sections, ready to merge.
func printCarryover(driver *migrate.Driver) error {
	nodes, terms := driver.NewNodes(), driver.NewTerms()
	if len(nodes) == 0 && len(terms) == 0 {
		return nil
	}

	sections := map[string]map[int64]config.Carryover{}
	if len(nodes) > 0 {
		sections["nodes"] = nodes
	}
	if len(terms) > 0 {
		sections["terms"] = terms
	}
	out, err := yaml.Marshal(sections)
	if err != nil {
		return err
	}
	fmt.Println("# Merge into the mapping file before the next run.")
	fmt.Print(string(out))
	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
