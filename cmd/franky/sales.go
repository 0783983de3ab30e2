package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/engine"
	"github.com/canukguy1974/franky-ai/internal/repo"
)

func leadCmd() *cobra.Command {
	lead := &cobra.Command{
		Use:   "lead",
		Short: "Score and inspect leads",
		Long:  "A lead is a business with a signal snapshot (age, website and social quality, growth and need signals, temporal adjustments). Submitting scores it 0-100.",
	}
	lead.AddCommand(leadSubmitCmd())
	lead.AddCommand(leadShowCmd())
	lead.AddCommand(leadListCmd())
	return lead
}

func leadSubmitCmd() *cobra.Command {
	var opts engine.LeadSubmitOptions
	var age, website, social float64
	var temporal []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Score a lead (re-scores when --id exists)",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("age") {
				opts.Signals.AgeYears = &age
			}
			if flags.Changed("website") {
				opts.Signals.WebsiteQuality = &website
			}
			if flags.Changed("social") {
				opts.Signals.SocialPresence = &social
			}
			for _, raw := range temporal {
				sig, err := parseTemporal(raw)
				if err != nil {
					return err
				}
				opts.Signals.Temporal = append(opts.Signals.Temporal, sig)
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.SubmitLead(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(l)
				}
				fmt.Printf("Lead %s: %d (%s)\n", l.ID, l.Score, l.Classification)
				b := l.Breakdown
				fmt.Printf("  maturity %.1f  digital %.1f  growth %.1f  need %.1f  temporal %+.1f\n", b.Maturity, b.Digital, b.Growth, b.Need, b.Temporal)
				for _, w := range l.Warnings {
					fmt.Printf("  warning: %s\n", w)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ID, "id", "", "lead id (generated if empty)")
	f.StringVar(&opts.BusinessName, "name", "", "business name")
	f.StringVar(&opts.Industry, "industry", "", "industry")
	f.StringVar(&opts.Contact.Email, "email", "", "contact email")
	f.StringVar(&opts.Contact.LinkedIn, "linkedin", "", "contact LinkedIn profile")
	f.StringVar(&opts.Contact.Phone, "phone", "", "contact phone")
	f.Float64Var(&age, "age", 0, "business age in years")
	f.Float64Var(&website, "website", 0, "website quality 0-25")
	f.Float64Var(&social, "social", 0, "social presence 0-25")
	f.StringSliceVar(&opts.Signals.Growth, "growth", nil, "growth signals (hiring, funding, expansion, ...)")
	f.StringSliceVar(&opts.Signals.Needs, "need", nil, "need signals (no_website, outdated_website, low_social, ...)")
	f.StringSliceVar(&temporal, "temporal", nil, "temporal signals as kind or kind=delta (freshness, distress, seasonal)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func parseTemporal(raw string) (domain.TemporalSignal, error) {
	kind, delta, hasDelta := strings.Cut(raw, "=")
	sig := domain.TemporalSignal{Kind: strings.TrimSpace(kind)}
	if hasDelta {
		v, err := strconv.ParseFloat(strings.TrimSpace(delta), 64)
		if err != nil {
			return sig, fmt.Errorf("temporal %q: %w", raw, err)
		}
		sig.Delta = &v
	}
	return sig, nil
}

func leadShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <lead-id>",
		Short: "Show a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func leadListCmd() *cobra.Command {
	var classification string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads, best first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				leads, err := e.ListLeads(ctx, classification, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(leads)
				}
				tw := newTable(table.Row{"ID", "Business", "Industry", "Score", "Class", "Scored"})
				for _, l := range leads {
					tw.AppendRow(table.Row{l.ID, l.BusinessName, l.Industry, l.Score, l.Classification, l.ScoredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&classification, "class", "", "classification filter (hot, warm, lukewarm, cold)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max leads")
	return cmd
}

func dealCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "deal",
		Short: "Drive deals through the sales pipeline",
		Long: `A deal moves new -> outreach_sent -> engaged -> proposal_sent -> negotiating -> contract_sent -> closed_won.
Any open deal can be lost. Client feedback is negotiated against the configured bounds; requests beyond them escalate to a human.`,
	}
	d.AddCommand(dealOpenCmd())
	d.AddCommand(dealEventCmd())
	d.AddCommand(dealShowCmd())
	d.AddCommand(dealListCmd())
	d.AddCommand(dealTickCmd())
	return d
}

func dealOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <lead-id>",
		Short: "Open a deal for a scored lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.OpenDeal(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Deal %s opened for lead %s (priority %s)\n", d.ID, d.LeadID, d.Priority)
				return nil
			})
		},
	}
}

func dealEventCmd() *cobra.Command {
	var evt domain.DealEvent
	var evtType, proposalFile, feedbackFile string
	var approved bool
	cmd := &cobra.Command{
		Use:   "event <deal-id>",
		Short: "Apply an event to a deal",
		Long: `Event types: outreach_dispatched, response_received, needs_captured, client_feedback,
terms_accepted, contract_signed, explicit_reject, timeout, timeout_exhausted, escalation_resolved.
--seq orders external events; a seq at or below the last applied one is ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evt.Type = domain.DealEventType(evtType)
			evt.ActorID = actorID()
			if proposalFile != "" {
				var terms domain.Terms
				if err := decodeFile(proposalFile, &terms); err != nil {
					return err
				}
				evt.Proposal = &terms
			}
			if feedbackFile != "" {
				var fb domain.Feedback
				if err := decodeFile(feedbackFile, &fb); err != nil {
					return err
				}
				evt.Feedback = &fb
			}
			if cmd.Flags().Changed("approved") {
				evt.Approved = &approved
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyDealEvent(ctx, args[0], evt)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Duplicate {
					fmt.Printf("Deal %s: event seq %d already applied\n", res.Deal.ID, evt.Seq)
					return nil
				}
				fmt.Printf("Deal %s: %s", res.Deal.ID, res.Deal.Status)
				if res.Deal.Escalated {
					fmt.Print(" (escalated)")
				}
				fmt.Println()
				for _, c := range res.Deal.CounterOffer {
					fmt.Printf("  counter offer: %s %s %g\n", c.Objection, c.Kind, c.Amount)
				}
				for _, r := range res.Deliveries {
					fmt.Printf("  sent %s via %s at %s\n", r.ID, r.Channel, r.SentAt)
				}
				if res.Project != nil {
					fmt.Printf("  project %s created with %d tasks\n", res.Project.ID, len(res.Project.Tasks))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&evtType, "type", "", "event type")
	f.Int64Var(&evt.Seq, "seq", 0, "external sequence number")
	f.StringVar(&proposalFile, "proposal-file", "", "proposal terms (JSON or YAML)")
	f.StringVar(&feedbackFile, "feedback-file", "", "client feedback (JSON or YAML)")
	f.BoolVar(&approved, "approved", false, "escalation decision for escalation_resolved")
	f.StringVar(&evt.Reason, "reason", "", "reason recorded with the event")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func dealShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <deal-id>",
		Short: "Show a deal with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Deal %s (lead %s): %s, priority %s, follow-ups %d\n", d.ID, d.LeadID, d.Status, d.Priority, d.FollowUps)
				if d.DeadlineAt != "" {
					fmt.Printf("Deadline: %s\n", d.DeadlineAt)
				}
				tw := newTable(table.Row{"Step", "Seq", "At", "Kind", "From", "To", "Note"})
				for _, h := range d.History {
					seq := ""
					if h.Seq > 0 {
						seq = fmt.Sprint(h.Seq)
					}
					tw.AppendRow(table.Row{h.Step, seq, h.At, h.Kind, h.From, h.To, h.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func dealListCmd() *cobra.Command {
	var f repo.DealFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deals, err := e.ListDeals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := newTable(table.Row{"ID", "Lead", "Status", "Priority", "Escalated", "Project"})
				for _, d := range deals {
					tw.AppendRow(table.Row{d.ID, d.LeadID, d.Status, d.Priority, d.Escalated, d.ProjectID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.LeadID, "lead", "", "lead filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max deals")
	return cmd
}

func dealTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Fire timeouts for deals past their dwell deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"advanced": n})
				}
				fmt.Printf("%d deal(s) advanced\n", n)
				return nil
			})
		},
	}
}
