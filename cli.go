package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tomberek/sqlnorm/archive"
	"github.com/tomberek/sqlnorm/migrate"
	"github.com/tomberek/sqlnorm/sqlite"
)

var (
	configPath string
	dbPath     string
	verbose    bool

	analyzeSample int
	analyzeTable  string
	overwrite     bool
	inputPath     string
	outputPath    string
	createTables  bool
	strict        bool
	checkOnly     bool
)

var rootCmd = &cobra.Command{
	Use:   "sqlnorm",
	Short: "Normalize nested JSON records into SQLite and back",
	Long: `sqlnorm stores nested JSON records in a normalized SQLite schema described
by a YAML config, reads them back, and dumps or restores whole databases as
line-oriented JSON archives.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sqlnorm.yaml", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file (overrides database.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	analyzeCmd.Flags().IntVar(&analyzeSample, "sample", 20, "how many records to sample")
	analyzeCmd.Flags().StringVar(&analyzeTable, "table", "main", "name of the root table")
	analyzeCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the config here instead of stdout")

	createDBCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing database file")

	loadCmd.Flags().StringVarP(&inputPath, "input", "i", "", "line-delimited JSON input (default stdin)")
	dumpCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default stdout)")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive file (default stdout)")
	importCmd.Flags().StringVarP(&inputPath, "input", "i", "", "archive file (default stdin)")
	importCmd.Flags().BoolVar(&createTables, "create-tables", true, "create tables the target lacks")

	migrateDownCmd.Flags().BoolVar(&strict, "strict", false, "fail when the migration was never applied")
	migrateDownUntilCmd.Flags().BoolVar(&strict, "strict", false, "fail when the migration was never applied")
	vacuumCmd.Flags().BoolVar(&checkOnly, "check", false, "only run the integrity check")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateDownUntilCmd, migrateStatusCmd)

	rootCmd.AddCommand(analyzeCmd, createDBCmd, loadCmd, dumpCmd, exportCmd, importCmd, migrateCmd, dropIndicesCmd, vacuumCmd)
}

// loadConfig reads --config and applies --db.
func loadConfig() (Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, cfg.Validate()
}

func openDB(ctx context.Context, cfg Config) (*sqlite.DB, error) {
	return sqlite.Open(ctx, cfg.Database)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{cmd.OutOrStdout()}, nil
	}
	return os.Create(path)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [input]",
	Short: "Propose a config from sample records",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		in, err := openInput(path)
		if err != nil {
			return err
		}
		defer in.Close()

		opts := DefaultAnalyzeOptions()
		opts.Sample = analyzeSample
		opts.Table = analyzeTable
		cfg, err := AnalyzeJSON(in, opts)
		if err != nil {
			return err
		}
		out, err := openOutput(cmd, outputPath)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			out.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	},
}

var createDBCmd = &cobra.Command{
	Use:   "create-db",
	Short: "Create the database, apply migrations and create declared tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mode := sqlite.Incremental
		if overwrite {
			mode = sqlite.Overwrite
		}
		db, err := CreateDatabase(cmd.Context(), cfg, mode)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote DB %s\n", db.Path())
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Insert line-delimited JSON records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := CreateDatabase(ctx, cfg, sqlite.Incremental)
		if err != nil {
			return err
		}
		defer db.Close()
		in, err := openInput(inputPath)
		if err != nil {
			return err
		}
		defer in.Close()

		if err := db.ExportMode(ctx, cfg.Database.CacheSize); err != nil {
			return err
		}
		stats, err := LoadRecords(ctx, db, cfg, in)
		if err != nil {
			return err
		}
		if err := db.SafeMode(ctx, cfg.Database.CacheSize); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s records into %s\n", humanize.Comma(int64(stats.Records)), db.Path())
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write every record back out as line-delimited JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		out, err := openOutput(cmd, outputPath)
		if err != nil {
			return err
		}
		if _, err := DumpRecords(cmd.Context(), db, cfg, out); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every table to a line-oriented archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		out, err := openOutput(cmd, outputPath)
		if err != nil {
			return err
		}
		err = archive.Export(cmd.Context(), db, out,
			archive.WithSkipTables(cfg.Archive.SkipTables...),
			archive.WithLogger(slog.Default()))
		if err != nil {
			out.Close()
			return err
		}
		return out.Close()
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Replay an archive into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := sqlite.Create(ctx, cfg.Database, sqlite.Incremental)
		if err != nil {
			return err
		}
		defer db.Close()
		in, err := openInput(inputPath)
		if err != nil {
			return err
		}
		defer in.Close()

		if err := db.ExportMode(ctx, cfg.Database.CacheSize); err != nil {
			return err
		}
		im, err := archive.Import(ctx, db, in,
			archive.WithSkipTables(cfg.Archive.SkipTables...),
			archive.WithCreateTables(createTables),
			archive.WithOnTable(archive.ReportTable(cmd.ErrOrStderr())),
			archive.WithLogger(slog.Default()))
		if err != nil {
			return err
		}
		if err := db.SafeMode(ctx, cfg.Database.CacheSize); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d tables, %s rows into %s\n",
			im.Tables(), humanize.Comma(im.Rows()), db.Path())
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the migrations of the config",
}

func migrateRunner(cmd *cobra.Command) (*migrate.Runner, Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, nil, err
	}
	db, err := sqlite.Create(cmd.Context(), cfg.Database, sqlite.Incremental)
	if err != nil {
		return nil, cfg, nil, err
	}
	return migrate.New(db), cfg, func() { db.Close() }, nil
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every migration not applied yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, cfg, done, err := migrateRunner(cmd)
		if err != nil {
			return err
		}
		defer done()
		applied, err := r.Up(cmd.Context(), cfg.Migrations)
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
		}
		return err
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down <name>",
	Short: "Roll back one migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, done, err := migrateRunner(cmd)
		if err != nil {
			return err
		}
		defer done()
		return r.Down(cmd.Context(), args[0], strict)
	},
}

var migrateDownUntilCmd = &cobra.Command{
	Use:   "down-until <name>",
	Short: "Roll back a migration and every later one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, done, err := migrateRunner(cmd)
		if err != nil {
			return err
		}
		defer done()
		return r.DownUntil(cmd.Context(), args[0], strict)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, cfg, done, err := migrateRunner(cmd)
		if err != nil {
			return err
		}
		defer done()
		applied, err := r.Applied(cmd.Context())
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, it := range applied {
			seen[it.Name] = true
			fmt.Fprintf(cmd.OutOrStdout(), "applied  %s\n", it.Name)
		}
		for _, it := range cfg.Migrations {
			if !seen[it.Name] {
				fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", it.Name)
			}
		}
		return nil
	},
}

var dropIndicesCmd = &cobra.Command{
	Use:   "drop-indices [table...]",
	Short: "Drop explicit indices, of the named tables or of all tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if len(args) == 0 {
			return sqlite.RemoveAllIndices(ctx, db)
		}
		for _, table := range args {
			if err := sqlite.RemoveTableIndices(ctx, db, table); err != nil {
				return err
			}
		}
		return nil
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Check the database for corruption and compact it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.IntegrityCheck(ctx); err != nil {
			return err
		}
		if checkOnly {
			return nil
		}
		return db.Vacuum(ctx)
	},
}
