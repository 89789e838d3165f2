package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pmagent/internal/app"
	"pmagent/internal/approval"
	"pmagent/internal/config"
	"pmagent/internal/escalation"
	"pmagent/internal/event"
	"pmagent/internal/ledger"
	"pmagent/internal/storage"
	"pmagent/pkg/logx"
)

const timeLayout = "2006-01-02 15:04"

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "pmagent",
		Short: "PM agent that turns chat, tracker and review mentions into approved tickets",
		Long: `pmagent polls Telegram, Jira and Bitbucket for messages addressed to it,
drafts stories, bugs and epics through a reasoning CLI, and files them in Jira
once a human approves the draft. It also alerts on pull requests waiting for review.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "config file (JSON or YAML)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newPendingCmd(&cfgPath),
		newRevisionsCmd(&cfgPath),
		newAlertsCmd(&cfgPath),
		newStatsCmd(&cfgPath),
	)
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

// stores opens the database named by the config for read-only style queries.
type stores struct {
	db        *storage.DB
	approvals *approval.Store
	alerts    *escalation.Tracker
	ledger    *ledger.Ledger
}

func openStores(ctx context.Context, cfgPath string) (*stores, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenPath(ctx, cfg.Storage.Path, d.BusyTimeout, logx.Nop())
	if err != nil {
		return nil, err
	}
	return &stores{
		db:        db,
		approvals: approval.NewStore(db),
		alerts:    escalation.New(db),
		ledger:    ledger.New(db),
	}, nil
}

func withStores(cfgPath *string, fn func(cmd *cobra.Command, s *stores, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openStores(cmd.Context(), *cfgPath)
		if err != nil {
			return err
		}
		defer s.db.Close()
		return fn(cmd, s, args)
	}
}

func newPendingCmd(cfgPath *string) *cobra.Command {
	var (
		user   string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List PM requests awaiting a decision",
		Args:  cobra.NoArgs,
		RunE: withStores(cfgPath, func(cmd *cobra.Command, s *stores, _ []string) error {
			st, err := approval.ParseStatus(status)
			if err != nil {
				return err
			}
			reqs, err := s.approvals.List(cmd.Context(), approval.Filter{Status: st, Requester: user, Limit: limit})
			if err != nil {
				return err
			}
			printRequests(cmd.OutOrStdout(), reqs)
			return nil
		}),
	}
	cmd.Flags().StringVar(&user, "user", "", "only requests of this requester id")
	cmd.Flags().StringVar(&status, "status", string(approval.StatusPending), "request status to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func printRequests(w io.Writer, reqs []approval.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No requests.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tREQUESTER\tSOURCE\tUPDATED\tTITLE")
	for _, r := range reqs {
		requester := r.Requester
		if r.RequesterName != "" {
			requester = r.RequesterName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s:%s\t%s\t%s\n",
			r.ID, r.Type, r.Status, requester, r.Source, r.SourceID, r.UpdatedAt.Local().Format(timeLayout), r.Title())
	}
	_ = tw.Flush()
}

func newRevisionsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revisions <request-id>",
		Short: "Show the revision history of a PM request",
		Args:  cobra.ExactArgs(1),
		RunE: withStores(cfgPath, func(cmd *cobra.Command, s *stores, args []string) error {
			r, err := s.approvals.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			revs, err := s.approvals.Revisions(cmd.Context(), r.ID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s (%s) by %s\n", r.Type.Label(), r.ID, r.Status, r.Requester)
			if r.TicketRef != "" {
				fmt.Fprintf(w, "Ticket: %s\n", r.TicketRef)
			}
			if r.FailureReason != "" {
				fmt.Fprintf(w, "Last failure: %s\n", r.FailureReason)
			}
			for _, rev := range revs {
				fmt.Fprintf(w, "\n--- revision %d (%s)\n", rev.Number, rev.CreatedAt.Local().Format(timeLayout))
				if rev.Feedback != "" {
					fmt.Fprintf(w, "Feedback: %s\n\n", rev.Feedback)
				}
				fmt.Fprintln(w, strings.TrimSpace(rev.Draft))
			}
			return nil
		}),
	}
}

func newAlertsCmd(cfgPath *string) *cobra.Command {
	var (
		item  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List SLA alert records",
		Args:  cobra.NoArgs,
		RunE: withStores(cfgPath, func(cmd *cobra.Command, s *stores, _ []string) error {
			recs, err := s.alerts.History(cmd.Context(), item, "", limit)
			if err != nil {
				return err
			}
			printAlerts(cmd.OutOrStdout(), recs)
			return nil
		}),
	}
	cmd.Flags().StringVar(&item, "item", "", "only alerts of this item (e.g. api#42)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func printAlerts(w io.Writer, recs []escalation.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No alerts.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tTYPE\tLEVEL\tCOUNT\tLAST ALERT\tTHREAD")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ItemID, r.Type, r.EscalationLevel, r.AlertCount, r.LastAlertedAt.Local().Format(timeLayout), r.ThreadRef)
	}
	_ = tw.Flush()
}

func newStatsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize stored requests, alerts and processed items",
		Args:  cobra.NoArgs,
		RunE: withStores(cfgPath, func(cmd *cobra.Command, s *stores, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := s.approvals.Stats(ctx)
			if err != nil {
				return err
			}
			recs, err := s.alerts.History(ctx, "", "", 0)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Requests: %d (revisions: %d)\n", st.Total, st.Revisions)
			for _, status := range approval.Statuses {
				fmt.Fprintf(w, "  %-18s %d\n", status, st.ByStatus[status])
			}
			fmt.Fprintf(w, "Active alerts: %d\n", len(recs))
			fmt.Fprintln(w, "Processed items:")
			for _, src := range []event.Source{event.SourceChat, event.SourceTracker, event.SourceReview} {
				n, err := s.ledger.ProcessedCount(ctx, src)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "  %-18s %d\n", src, n)
			}
			return nil
		}),
	}
}
