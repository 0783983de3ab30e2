package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/events"
	"github.com/canukguy1974/franky-ai/internal/scoring"
)

// LeadSubmitOptions are parameters for scoring and storing a lead.
type LeadSubmitOptions struct {
	ID           string
	BusinessName string
	Industry     string
	Contact      domain.Contact
	Signals      domain.Signals
	ActorID      string
}

// SubmitLead scores the signals and stores the lead. Submitting an existing
// id re-scores it with the new snapshot.
func (e Engine) SubmitLead(ctx context.Context, opts LeadSubmitOptions) (domain.Lead, error) {
	if strings.TrimSpace(opts.BusinessName) == "" {
		return domain.Lead{}, domain.ValidationError{Field: "business_name", Reason: "required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	res := scoring.Score(opts.Signals, e.Config.Scoring)
	now := e.stamp()
	lead := domain.Lead{
		ID:             id,
		BusinessName:   opts.BusinessName,
		Industry:       opts.Industry,
		Contact:        opts.Contact,
		Signals:        opts.Signals,
		Score:          res.Score,
		Classification: res.Classification,
		Breakdown:      res.Breakdown,
		Warnings:       res.Warnings,
		CreatedAt:      now,
		ScoredAt:       now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		lead, err = e.Repo.UpsertLeadTx(ctx, tx, lead)
		if err != nil {
			return err
		}
		evtType := events.LeadScored
		if lead.Version > 1 {
			evtType = events.LeadRescored
		}
		return e.events().Append(ctx, tx, evtType, "", events.KindLead, lead.ID, opts.ActorID, events.EventPayload{
			"score":          lead.Score,
			"classification": lead.Classification,
			"version":        lead.Version,
			"warnings":       len(lead.Warnings),
		})
	})
	if err != nil {
		return domain.Lead{}, err
	}
	if len(lead.Warnings) > 0 {
		e.log().Warn("lead scored with incomplete signals", "lead", lead.ID, "warnings", strings.Join(lead.Warnings, "; "))
	}
	e.Metrics.LeadScored(lead.Classification)
	return lead, nil
}

func (e Engine) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return e.Repo.GetLead(ctx, id)
}

func (e Engine) ListLeads(ctx context.Context, classification string, limit int) ([]domain.Lead, error) {
	switch domain.Classification(classification) {
	case "", domain.ClassHot, domain.ClassWarm, domain.ClassLukewarm, domain.ClassCold:
	default:
		return nil, domain.ValidationError{Field: "classification", Reason: "must be hot, warm, lukewarm or cold"}
	}
	return e.Repo.ListLeads(ctx, classification, limit)
}
