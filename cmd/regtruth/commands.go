package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/harness"
	"github.com/Mindburn-Labs/regtruth/pkg/identity"
	"github.com/Mindburn-Labs/regtruth/pkg/invariants"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			_, _ = fmt.Fprintf(c.stdout, "schema up to date (%s)\n", a.db.Driver())
			return nil
		},
	}
}

func (c *cli) validateCmd() *cobra.Command {
	var (
		outDir      string
		jsonOutput  bool
		noHeartbeat bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the store against the integrity invariants",
		Long: `validate runs the eight invariant checks and the arbiter heartbeat and
prints a GO, CONDITIONAL-GO or NO-GO verdict.

Exit codes:
  0 = GO or CONDITIONAL-GO
  1 = NO-GO
  2 = runtime error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var hb *harness.Heartbeat
			if !noHeartbeat {
				hb = a.heartbeat()
			}
			report, err := harness.New(a.validator(), hb).Run(ctx)
			if err != nil {
				return err
			}
			if outDir != "" {
				path, err := invariants.WriteReport(outDir, report.Report)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stderr, "report written to %s\n", path)
			}

			if jsonOutput {
				if err := c.printJSON(report); err != nil {
					return err
				}
			} else {
				c.printReport(report)
			}
			if report.Verdict == invariants.VerdictNoGo {
				return &exitError{code: exitFailed}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "write 01_SCORE.json and 00_INDEX.json under this directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&noHeartbeat, "no-heartbeat", false, "skip the arbiter heartbeat")
	return cmd
}

func (c *cli) printReport(report *harness.Report) {
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	for _, r := range report.Results {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.InvariantID, r.Status, r.Name, strings.Join(r.Reasons, ","))
	}
	_ = tw.Flush()
	if hb := report.Heartbeat; hb != nil {
		_, _ = fmt.Fprintf(c.stdout, "heartbeat: ok=%t status=%s polls=%d (%s)\n", hb.OK, hb.Status, hb.Polls, hb.Reason)
	}
	for _, note := range report.Notes {
		_, _ = fmt.Fprintf(c.stdout, "note: %s\n", note)
	}
	_, _ = fmt.Fprintf(c.stdout, "verdict: %s\n", report.Verdict)
}

func (c *cli) heartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Probe arbiter liveness with a synthetic conflict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.heartbeat().Run(ctx)
			if err != nil {
				return err
			}
			if err := c.printJSON(res); err != nil {
				return err
			}
			if !res.OK {
				return failed("heartbeat failed: %s", res.Reason)
			}
			return nil
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var (
		manifestPath string
		skipRelease  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest a manifest of sources and run every pipeline phase",
		Long: `run stores each manifest source as evidence, then extracts, composes,
reviews, arbitrates, releases, rebuilds the rule graph and emits events.

Sources may carry pre-proposed candidates; otherwise the OpenAI-compatible
proposer is used (OPENAI_API_KEY).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}
			cfg, err := c.config()
			if err != nil {
				return err
			}
			var fallback extractor.Proposer
			if cfg.Proposer.APIKey != "" {
				p, err := extractor.NewOpenAIProposer(cfg.Proposer)
				if err != nil {
					return err
				}
				fallback = p
			}
			a, err := openApp(ctx, cfg, newLogger(cfg, c.stderr), m.proposer(fallback))
			if err != nil {
				return err
			}
			defer a.Close()

			batch := harness.Batch{SkipRelease: skipRelease}
			for _, src := range m.Sources {
				raw, err := os.ReadFile(src.File)
				if err != nil {
					return fmt.Errorf("read source %s: %w", src.URL, err)
				}
				ev, err := a.evidence.Put(ctx, src.URL, src.ContentType, raw)
				if err != nil {
					return fmt.Errorf("store source %s: %w", src.URL, err)
				}
				batch.EvidenceIDs = append(batch.EvidenceIDs, ev.ID)
			}
			for _, d := range m.Drafts {
				draft, err := d.draft()
				if err != nil {
					return err
				}
				batch.Drafts = append(batch.Drafts, draft)
			}

			report, runErr := a.pipeline().Run(ctx, batch)
			if report != nil {
				if err := c.printJSON(report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML manifest of sources and drafts (required)")
	cmd.Flags().BoolVar(&skipRelease, "skip-release", false, "stop before building a release")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func (c *cli) repairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Recompute stored hashes that drifted from their content",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "evidence",
			Short: "Repair evidence content hashes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := c.open(cmd.Context(), nil)
				if err != nil {
					return err
				}
				defer a.Close()
				report, err := a.evidence.Repair(cmd.Context())
				if err != nil {
					return err
				}
				if err := c.printJSON(report); err != nil {
					return err
				}
				if len(report.Unrepaired) > 0 {
					return failed("%d evidence records could not be repaired", len(report.Unrepaired))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "releases",
			Short: "Repair release content hashes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := c.open(cmd.Context(), nil)
				if err != nil {
					return err
				}
				defer a.Close()
				report, err := a.releaser.Repair(cmd.Context())
				if err != nil {
					return err
				}
				return c.printJSON(report)
			},
		},
	)
	return cmd
}

func (c *cli) releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Inspect releases",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [release-id]",
		Short: "Recompute release hashes; all releases when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				m, err := a.releaser.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if m != nil {
					_ = c.printJSON(m)
					return failed("release %s hash mismatch", args[0])
				}
				_, _ = fmt.Fprintf(c.stdout, "release %s verified\n", args[0])
				return nil
			}

			checked, mismatches, err := a.releaser.VerifyAll(ctx)
			if err != nil {
				return err
			}
			if len(mismatches) > 0 {
				_ = c.printJSON(mismatches)
				return failed("%d of %d releases have hash mismatches", len(mismatches), checked)
			}
			_, _ = fmt.Fprintf(c.stdout, "%d releases verified\n", checked)
			return nil
		},
	})
	return cmd
}

func (c *cli) selectCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "select <topic>",
		Short: "Show the published rule governing a topic on a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now().UTC()
			if asOf != "" {
				t, err := time.Parse(time.DateOnly, asOf)
				if err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
				when = t
			}
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			sel, err := a.graph.SelectRule(cmd.Context(), args[0], when)
			if err != nil {
				return err
			}
			return c.printJSON(sel)
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "date (YYYY-MM-DD); defaults to today")
	return cmd
}

func (c *cli) traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <rule-id>",
		Short: "Show a rule's graph edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			trace, err := a.graph.BuildEdgeTrace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(trace)
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		reviewer string
		roles    []string
		ttl      time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an approver token for a human reviewer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.tokens == nil {
				return fmt.Errorf("APPROVER_TOKEN_SECRET is not configured")
			}
			token, err := a.tokens.GenerateToken(cmd.Context(), &identity.Reviewer{ReviewerID: reviewer, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.stdout, token)
			return nil
		},
	}
	issue.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id (required)")
	issue.Flags().StringSliceVar(&roles, "role", nil, "reviewer role (repeatable)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("reviewer")

	cmd := &cobra.Command{Use: "token", Short: "Manage approver tokens"}
	cmd.AddCommand(issue)
	return cmd
}

func (c *cli) approveCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "approve <rule-id>",
		Short: "Approve a pending rule as a human reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			rule, err := a.reviewer.Approve(cmd.Context(), args[0], token)
			if err != nil {
				return err
			}
			return c.printJSON(rule)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "approver token (required)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (c *cli) rejectCmd() *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "reject <rule-id>",
		Short: "Reject a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := audit.WithActor(cmd.Context(), actor)
			rule, err := a.reviewer.Reject(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return c.printJSON(rule)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (required)")
	cmd.Flags().StringVar(&actor, "actor", "cli", "identity recorded in the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (c *cli) resolveCmd() *cobra.Command {
	var winner, token string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve an escalated conflict as a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			cf, err := a.arbiter.ResolveByHuman(cmd.Context(), args[0], winner, token)
			if err != nil {
				return err
			}
			return c.printJSON(cf)
		},
	}
	cmd.Flags().StringVar(&winner, "winner", "", "winning item id (required)")
	cmd.Flags().StringVar(&token, "token", "", "approver token (required)")
	_ = cmd.MarkFlagRequired("winner")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <endpoint-id> <url>...",
		Short: "Record URLs discovered on a monitored endpoint",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, raw := range args[1:] {
				rec, isNew, err := a.discovery.Record(cmd.Context(), args[0], raw)
				if err != nil {
					return err
				}
				state := "known"
				if isNew {
					state = "new"
				}
				_, _ = fmt.Fprintf(c.stdout, "%s\t%s\n", state, rec.URL)
			}
			return nil
		},
	}
}
