package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/audit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and prune recorded runs",
	}
	cmd.AddCommand(runsListCmd(c))
	cmd.AddCommand(runsShowCmd(c))
	cmd.AddCommand(runsVerifyCmd(c))
	cmd.AddCommand(runsPruneCmd(c))
	return cmd
}

func runsListCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCREATED\tSTATUS\tHALTED\tSTEPS\tROOT")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.RunID, r.CreatedAt, r.Status, r.HaltedBecause, r.Steps, r.ProjectRoot)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func runsShowCmd(c *cli) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a stored run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if events {
				if _, err := store.GetRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				evs, err := store.Events(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return enc.Encode(evs)
			}
			report, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return enc.Encode(report)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "print the hash-chained event log instead of the report")
	return cmd
}

func runsVerifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run-id>...",
		Short: "Check that stored runs have not been altered",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			var failed []error
			for _, id := range args {
				if err := store.VerifyChain(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAIL\t%v\n", id, err)
					failed = append(failed, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tOK\n", id)
			}
			return errors.Join(failed...)
		},
	}
}

func runsPruneCmd(c *cli) *cobra.Command {
	var (
		keepLast int
		keepDays int
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs from the audit database",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := audit.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				policy = c.cfg.RetentionPolicy()
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days (or configure retention)")
			}

			store, closeFn, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := store.PruneLocked(cmd.Context(), c.cfg.StateDir, policy, dryRun)
			if err != nil {
				return err
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			log.Info().Msgf("%s %d runs (kept %d of %d)", mode, res.Deleted, res.Kept, res.Considered)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d runs\n", mode, res.Deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
