package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bulkfeed",
		Short: "Bulk-load paginated social feeds and resolve keys from large contact files",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(loadCmd())
	root.AddCommand(indexCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

type loadFlags struct {
	since      time.Duration
	start, end string
	maxItems   int
	batchSize  int
	comments   bool
	sources    []string
	persist    bool
	jsonOutput bool
}

func loadCmd() *cobra.Command {
	var f loadFlags

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run one bulk load over the configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, f)
		},
	}

	cmd.Flags().DurationVar(&f.since, "since", 24*time.Hour, "window length ending now (ignored with --start)")
	cmd.Flags().StringVar(&f.start, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&f.end, "end", "", "window end (RFC3339, default: now)")
	cmd.Flags().IntVar(&f.maxItems, "max-items", -1, "max items across all sources (default: from config)")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "items per request (default: from config)")
	cmd.Flags().BoolVar(&f.comments, "comments", true, "include comments")
	cmd.Flags().StringSliceVar(&f.sources, "source", nil, "source ids to load (default: all)")
	cmd.Flags().BoolVar(&f.persist, "persist", false, "save the result to the database")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "print the result as JSON")
	return cmd
}

func indexCmd() *cobra.Command {
	var (
		search  string
		limit   int
		persist bool
		userID  string
	)

	cmd := &cobra.Command{
		Use:   "index FILE",
		Short: "Index a key/value file and optionally search it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, args[0], search, limit, persist, userID)
		},
	}

	cmd.Flags().StringVar(&search, "search", "", "substring to search for after indexing")
	cmd.Flags().IntVar(&limit, "limit", 0, "max search results (default: from config)")
	cmd.Flags().BoolVar(&persist, "persist", false, "store the entries as contacts of --user")
	cmd.Flags().StringVar(&userID, "user", "", "user id owning persisted contacts")
	return cmd
}

func resolveCmd() *cobra.Command {
	var (
		userID  string
		fileURL string
		file    string
	)

	cmd := &cobra.Command{
		Use:   "resolve KEY",
		Short: "Resolve a key through the store, remote search and a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, args[0], userID, fileURL, file)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id for the persisted store")
	cmd.Flags().StringVar(&fileURL, "file-url", "", "file location for remote search")
	cmd.Flags().StringVar(&file, "file", "", "local file to index and search")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port, false)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port, true)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
