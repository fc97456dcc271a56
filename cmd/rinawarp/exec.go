package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/audit"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/plan"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/workspace"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func execCmd(c *cli) *cobra.Command {
	var (
		approve []string
		tier    string
		root    string
		asJSON  bool
		noAudit bool
	)
	cmd := &cobra.Command{
		Use:   "exec <plan-file>",
		Short: "Execute a plan file (json or yaml) and print its report",
		Long: "Execute a plan file. Steps that need confirmation run only when their\n" +
			"confirmation scope is passed with --approve. The first interrupt asks the\n" +
			"run to stop after the current step; a second one kills it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			p, err := plan.ParseFile(args[0])
			if err != nil {
				return err
			}
			if root != "" {
				p.ProjectRoot = root
			}
			if p.ProjectRoot, err = filepath.Abs(p.ProjectRoot); err != nil {
				return err
			}
			if len(cfg.Workspace.AllowedRoots) > 0 {
				if err := workspace.Roots(cfg.Workspace.AllowedRoots).Check(p.ProjectRoot); err != nil {
					return err
				}
			}

			var t policy.Tier
			if tier != "" {
				if t, err = policy.ParseTier(tier); err != nil {
					return err
				}
			} else {
				session, err := newLicenseSession(cfg)
				if err != nil {
					return err
				}
				t = session.Tier(cmd.Context())
			}

			tokens := make([]plan.ConfirmationToken, 0, len(approve))
			for _, scope := range approve {
				tokens = append(tokens, plan.Approve(scope))
			}
			ec := engine.NewExecutionContext(t, tokens...)
			ec.ProjectRoot = p.ProjectRoot
			ec.Emit = progressPrinter(cmd.ErrOrStderr(), !asJSON)

			var store *audit.Store
			if !noAudit {
				s, closeFn, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer closeFn()
				store = s
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stopSignals := handleInterrupts(ec, cancel)
			defer stopSignals()

			report := newEngine(cfg).Execute(ctx, p, ec)
			if store != nil {
				persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := store.Complete(persistCtx, report); err != nil {
					log.Error().Err(err).Str("run_id", report.RunID).Msg("failed to persist run report")
				}
				persistCancel()
			}

			if err := printReport(cmd.OutOrStdout(), report, asJSON); err != nil {
				return err
			}
			if !report.OK {
				return fmt.Errorf("run %s %s: %s", report.RunID, report.State, report.HaltedBecause)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&approve, "approve", nil, "approve a confirmation scope (repeatable, each approves one step)")
	cmd.Flags().StringVar(&tier, "tier", "", "license tier to enforce instead of the configured one")
	cmd.Flags().StringVar(&root, "root", "", "project root (overrides the plan's projectRoot)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&noAudit, "no-audit", false, "do not persist the report")
	return cmd
}

// handleInterrupts turns the first SIGINT/SIGTERM into a soft stop and the
// second into cancellation.
func handleInterrupts(ec *engine.ExecutionContext, cancel context.CancelFunc) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		n := 0
		for {
			select {
			case <-done:
				return
			case <-sigs:
				n++
				if n == 1 {
					log.Warn().Msg("stopping after the current step, interrupt again to kill it")
					ec.RequestStop()
					continue
				}
				cancel()
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// progressPrinter writes step progress and streamed output to w.
func progressPrinter(w io.Writer, verbose bool) func(engine.Event) {
	var mu sync.Mutex
	return func(ev engine.Event) {
		if !verbose {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case engine.EventPlanStepStart:
			fmt.Fprintf(w, "==> [%d] %s (%s)\n", ev.Index+1, ev.StepID, ev.Tool)
		case engine.EventStreamChunk:
			fmt.Fprint(w, ev.Data)
		case engine.EventStreamEnd:
			if ev.Result != nil && !ev.Result.Success {
				fmt.Fprintf(w, "    failed: %s (%s)\n", ev.Result.Error, ev.Result.FailureClass)
			}
		}
	}
}

func printReport(w io.Writer, report engine.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(w, "run %s: %s", report.RunID, report.State)
	if report.HaltedBecause != "" {
		fmt.Fprintf(w, " (%s)", report.HaltedBecause)
	}
	fmt.Fprintln(w)
	if report.Detail != "" {
		fmt.Fprintf(w, "  %s\n", report.Detail)
	}
	for _, s := range report.Steps {
		fmt.Fprintf(w, "  %-10s %-16s %-6s %s\n", s.Status, s.Audit.Tool, s.Audit.RiskLevel, s.StepID)
	}
	return nil
}
