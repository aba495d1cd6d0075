// Command relcache is the operational CLI for the caching façade: schema
// inspection, cache invalidation, index and bucket rebuilds, query-stats
// reporting and manual warm cycles.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relcache/relcache"
	"github.com/relcache/relcache/internal/config"
)

var (
	configPath string
	jsonOutput bool
)

func main() {
	root := &cobra.Command{
		Use:           "relcache",
		Short:         "Caching and search façade for MySQL/MariaDB over Redis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")

	root.AddCommand(
		pingCmd(),
		schemaCmd(),
		graphCmd(),
		invalidateCmd(),
		indexCmd(),
		geoCmd(),
		statsCmd(),
		warmCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relcache: %v\n", err)
		os.Exit(1)
	}
}

// openClient builds a façade client from the resolved configuration. The
// CLI always disables background warming; warm cycles run only on demand.
func openClient(ctx context.Context) (*relcache.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Warming.Enabled = false
	return relcache.Open(ctx, cfg)
}

func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Verify database and store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Show the discovered tables and their columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			snapshot := client.Schema()
			if jsonOutput {
				return emit(snapshot)
			}
			names := make([]string, 0, len(snapshot.Tables))
			for name := range snapshot.Tables {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				tbl := snapshot.Tables[name]
				fmt.Printf("%s (%d columns", name, len(tbl.Columns))
				if pk := tbl.PrimaryKey(); pk != "" {
					fmt.Printf(", pk %s", pk)
				}
				fmt.Println(")")
			}
			fmt.Printf("%d relationships\n", len(snapshot.Relationships))
			return nil
		},
	}
}

func graphCmd() *cobra.Command {
	cascade := false
	cmd := &cobra.Command{
		Use:   "graph <table>",
		Short: "Show a table's dependents and invalidation targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			graph := client.Graph()
			table := args[0]
			out := map[string]any{
				"table":        table,
				"dependents":   graph.Dependents(table),
				"dependencies": graph.Dependencies(table),
				"targets":      graph.InvalidationTargets(table, cascade),
			}
			if jsonOutput {
				return emit(out)
			}
			fmt.Printf("dependents:   %v\n", out["dependents"])
			fmt.Printf("dependencies: %v\n", out["dependencies"])
			fmt.Printf("targets:      %v\n", out["targets"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", true, "include transitive dependents")
	return cmd
}

func invalidateCmd() *cobra.Command {
	cascade := true
	cmd := &cobra.Command{
		Use:   "invalidate <table>",
		Short: "Synchronously invalidate a table's cached queries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			deleted, err := client.Invalidator().Invalidate(cmd.Context(), args[0],
				cascade, config.StrategyImmediate)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d keys\n", deleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", true, "cascade along FK dependents")
	return cmd
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inverted-index operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "rebuild <table>",
			Short: "Rebuild the table's full-text index from the database",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := openClient(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()

				table, err := client.Table(args[0])
				if err != nil {
					return err
				}
				stats, err := table.BuildSearchIndex(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return emit(stats)
				}
				fmt.Printf("indexed %d documents, %d terms, %d skipped in %s\n",
					stats.TotalDocuments, stats.TotalTerms, stats.SkippedDocs, stats.Duration)
				return nil
			},
		},
		&cobra.Command{
			Use:   "info <table>",
			Short: "Show the table's index build metadata",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := openClient(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()

				table, err := client.Table(args[0])
				if err != nil {
					return err
				}
				meta, err := table.SearchIndexMetadata(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return emit(meta)
				}
				keys := make([]string, 0, len(meta))
				for k := range meta {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("%s: %s\n", k, meta[k])
				}
				return nil
			},
		},
	)
	return cmd
}

func geoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geo",
		Short: "Geo-index operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "rebuild <table>",
			Short: "Rebuild the table's geo index from the database",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := openClient(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()

				table, err := client.Table(args[0])
				if err != nil {
					return err
				}
				report, err := table.BuildGeoIndex(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return emit(report)
				}
				fmt.Printf("indexed %d documents, %d skipped\n", report.Indexed, report.Skipped)
				return nil
			},
		},
		&cobra.Command{
			Use:   "buckets <table>",
			Short: "Regenerate the table's spatial buckets",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := openClient(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()

				table, err := client.Table(args[0])
				if err != nil {
					return err
				}
				report, err := table.BuildGeoBuckets(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return emit(report)
				}
				fmt.Printf("built %d buckets over %d members (%d skipped) in %s\n",
					report.Buckets, report.MembersTotal, report.SkippedMembers, report.Duration)
				return nil
			},
		},
	)
	return cmd
}

func statsCmd() *cobra.Command {
	limit := 10
	minAccess := int64(1)
	cmd := &cobra.Command{
		Use:   "stats <table>",
		Short: "Show the table's top tracked queries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			top := client.Stats().TopQueries(args[0], limit, minAccess)
			if jsonOutput {
				return emit(top)
			}
			for _, rec := range top {
				fmt.Printf("%-40s %-10s count=%-6d avg=%.2fms\n",
					rec.Fingerprint, rec.Kind, rec.AccessCount, rec.AvgExecMs)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of queries to show")
	cmd.Flags().Int64Var(&minAccess, "min-access", 1, "minimum access count")
	return cmd
}

func warmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Run one warm cycle immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Warming must be on for this command even if the config has it
			// off; the periodic loop stays dormant because we stop right
			// after the manual cycle.
			cfg.Warming.Enabled = true
			cfg.Warming.UseSeparatePool = false
			client, err := relcache.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.WarmOnce(cmd.Context())
			if err != nil {
				return err
			}
			if report == nil {
				// The startup cycle was still in flight; nothing to report.
				fmt.Println("warm cycle already running")
				return nil
			}
			if jsonOutput {
				return emit(report)
			}
			fmt.Printf("warmed %d queries, %d failed in %dms\n",
				report.QueriesWarmed, report.QueriesFailed, report.TotalMs)
			return nil
		},
	}
}
